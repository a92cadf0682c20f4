package appointment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

// ErrLockHeld is returned by SlotLocker.Acquire when another holder owns an
// unexpired lock on the slot.
var ErrLockHeld = errors.New("slot lock held by another holder")

// SlotLock is a short-lived courtesy reservation taken while a patient fills
// in the booking form. It is never the source of truth for slot ownership.
type SlotLock struct {
	Slot      clinic.Slot `json:"slot"`
	Holder    string      `json:"holder"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// SlotLocker is implemented by the Redis lock store and MemoryLocker.
type SlotLocker interface {
	Acquire(ctx context.Context, slot clinic.Slot, holder string) (SlotLock, error)
	Release(ctx context.Context, slot clinic.Slot, holder string) error
	Holder(ctx context.Context, slot clinic.Slot) (SlotLock, bool, error)
	Sweep(ctx context.Context) (int, error)
}

// MemoryLocker is an in-process SlotLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	locks map[clinic.Slot]SlotLock
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{ttl: ttl, now: time.Now, locks: make(map[clinic.Slot]SlotLock)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, slot clinic.Slot, holder string) (SlotLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.locks[slot]
	if ok && cur.Holder != holder && cur.ExpiresAt.After(now) {
		return SlotLock{}, ErrLockHeld
	}

	lock := SlotLock{Slot: slot, Holder: holder, CreatedAt: now, ExpiresAt: now.Add(l.ttl)}
	if ok && cur.Holder == holder && cur.ExpiresAt.After(now) {
		lock.CreatedAt = cur.CreatedAt
	}
	l.locks[slot] = lock
	return lock, nil
}

func (l *MemoryLocker) Release(ctx context.Context, slot clinic.Slot, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.locks[slot]; ok && cur.Holder == holder {
		delete(l.locks, slot)
	}
	return nil
}

func (l *MemoryLocker) Holder(ctx context.Context, slot clinic.Slot) (SlotLock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.locks[slot]
	if !ok || !cur.ExpiresAt.After(l.now()) {
		return SlotLock{}, false, nil
	}
	return cur, true, nil
}

func (l *MemoryLocker) Sweep(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for slot, lock := range l.locks {
		if !lock.ExpiresAt.After(now) {
			delete(l.locks, slot)
			n++
		}
	}
	return n, nil
}

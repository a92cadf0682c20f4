package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

// AvailableSlots returns the bookable start times of date: the clinic's slot
// starts minus times held by active appointments, minus times already past.
func (s *Service) AvailableSlots(ctx context.Context, date clinic.Date) ([]clinic.Clock, error) {
	starts := s.schedule.SlotStarts(date)
	if len(starts) == 0 {
		return []clinic.Clock{}, nil
	}

	var booked []clinic.Clock
	err := s.retry(ctx, "booked times", func(ctx context.Context) error {
		var err error
		booked, err = s.store.BookedTimes(ctx, date)
		return err
	})
	if err != nil {
		return nil, err
	}
	taken := make(map[clinic.Clock]bool, len(booked))
	for _, c := range booked {
		taken[c] = true
	}

	now := s.clock()
	out := make([]clinic.Clock, 0, len(starts))
	for _, c := range starts {
		if taken[c] {
			continue
		}
		slot := clinic.Slot{Date: date, Time: c}
		if !slot.Start(s.schedule.Location).After(now) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// HoldSlot takes the short-lived booking lock on slot for holder. An empty
// holder gets a fresh token. Already booked slots are refused.
func (s *Service) HoldSlot(ctx context.Context, actor Actor, slot clinic.Slot, holder string) (SlotLock, error) {
	if err := checkActor(actor); err != nil {
		return SlotLock{}, err
	}
	if err := s.checkSlotTime(slot, s.clock(), "date", "time"); err != nil {
		return SlotLock{}, err
	}
	if holder == "" {
		holder = uuid.NewString()
	}

	var taken bool
	err := s.retry(ctx, "check slot", func(ctx context.Context) error {
		var err error
		taken, err = s.store.SlotTaken(ctx, slot, uuid.Nil)
		return err
	})
	if err != nil {
		return SlotLock{}, err
	}
	if taken {
		return SlotLock{}, fmt.Errorf("%s: %w", slot, ErrSlotConflict)
	}

	lock, err := s.locker.Acquire(ctx, slot, holder)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return SlotLock{}, fmt.Errorf("%s is being booked by someone else: %w", slot, ErrSlotConflict)
		}
		return SlotLock{}, unavailable(fmt.Errorf("acquire slot lock: %w", err))
	}
	s.log.Debug().Str("slot", slot.String()).Str("holder", holder).Time("expires_at", lock.ExpiresAt).Msg("slot held")
	return lock, nil
}

// ReleaseSlot drops holder's lock on slot. Releasing a lock that is absent or
// owned by someone else is a no-op.
func (s *Service) ReleaseSlot(ctx context.Context, slot clinic.Slot, holder string) error {
	if holder == "" {
		return invalid("holder", "is required")
	}
	if err := s.locker.Release(ctx, slot, holder); err != nil {
		return unavailable(fmt.Errorf("release slot lock: %w", err))
	}
	return nil
}

// SweepLocks removes expired slot locks.
func (s *Service) SweepLocks(ctx context.Context) (int, error) {
	n, err := s.locker.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep slot locks: %w", err)
	}
	return n, nil
}

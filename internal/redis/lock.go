package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

const lockPrefix = "lock:slot:"

// SlotLocker keeps one hash per slot (holder, created_at, expires_at in unix
// milliseconds) with a matching PEXPIREAT, so Redis drops stale locks on its own.
type SlotLocker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ appointment.SlotLocker = (*SlotLocker)(nil)

func NewSlotLocker(client *redis.Client, ttl time.Duration) *SlotLocker {
	return &SlotLocker{client: client, ttl: ttl, now: time.Now}
}

func lockKey(slot clinic.Slot) string {
	return lockPrefix + slot.String()
}

// acquireScript takes the lock when it is free, expired or already ours.
// Re-acquiring extends the expiry and keeps the original created_at.
// Returns {1, created_at} on success, {0, holder, created_at, expires_at} otherwise.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local cur = redis.call("HMGET", KEYS[1], "holder", "created_at", "expires_at")
local holder, created, expires = cur[1], cur[2], cur[3]
if holder and holder ~= ARGV[1] and expires and tonumber(expires) > now then
  return {0, holder, created, expires}
end
if not (holder == ARGV[1] and expires and tonumber(expires) > now) then
  created = ARGV[2]
end
redis.call("HSET", KEYS[1], "holder", ARGV[1], "created_at", created, "expires_at", ARGV[3])
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
return {1, created}
`)

var unlockScript = redis.NewScript(`
local val = redis.call("HGET", KEYS[1], "holder")
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *SlotLocker) Acquire(ctx context.Context, slot clinic.Slot, holder string) (appointment.SlotLock, error) {
	now := l.now()
	expires := now.Add(l.ttl)

	res, err := acquireScript.Run(ctx, l.client, []string{lockKey(slot)},
		holder, now.UnixMilli(), expires.UnixMilli()).Slice()
	if err != nil {
		return appointment.SlotLock{}, fmt.Errorf("acquire slot lock: %w", err)
	}
	if len(res) < 2 {
		return appointment.SlotLock{}, fmt.Errorf("acquire slot lock: unexpected reply %v", res)
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return appointment.SlotLock{}, appointment.ErrLockHeld
	}

	created, err := millis(res[1])
	if err != nil {
		return appointment.SlotLock{}, fmt.Errorf("acquire slot lock: %w", err)
	}
	return appointment.SlotLock{Slot: slot, Holder: holder, CreatedAt: created, ExpiresAt: time.UnixMilli(expires.UnixMilli())}, nil
}

func (l *SlotLocker) Release(ctx context.Context, slot clinic.Slot, holder string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{lockKey(slot)}, holder).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

func (l *SlotLocker) Holder(ctx context.Context, slot clinic.Slot) (appointment.SlotLock, bool, error) {
	vals, err := l.client.HGetAll(ctx, lockKey(slot)).Result()
	if err != nil {
		return appointment.SlotLock{}, false, fmt.Errorf("read slot lock: %w", err)
	}
	lock, ok := parseLock(slot, vals)
	if !ok || !lock.ExpiresAt.After(l.now()) {
		return appointment.SlotLock{}, false, nil
	}
	return lock, true, nil
}

// Sweep deletes lock hashes whose expires_at has passed but which are still
// present, for example after a PERSIST or a restore without TTLs.
func (l *SlotLocker) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	removed := 0
	iter := l.client.Scan(ctx, 0, lockPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := l.client.HGet(ctx, key, "expires_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sweep slot locks: %w", err)
		}
		expires, err := millis(raw)
		if err == nil && expires.After(now) {
			continue
		}
		n, err := l.client.Del(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("sweep slot locks: %w", err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("sweep slot locks: %w", err)
	}
	return removed, nil
}

func parseLock(slot clinic.Slot, vals map[string]string) (appointment.SlotLock, bool) {
	holder := vals["holder"]
	if holder == "" {
		return appointment.SlotLock{}, false
	}
	created, err := millis(vals["created_at"])
	if err != nil {
		return appointment.SlotLock{}, false
	}
	expires, err := millis(vals["expires_at"])
	if err != nil {
		return appointment.SlotLock{}, false
	}
	return appointment.SlotLock{Slot: slot, Holder: holder, CreatedAt: created, ExpiresAt: expires}, true
}

func millis(v any) (time.Time, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case int64:
		return time.UnixMilli(x), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp %v", v)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return time.UnixMilli(n), nil
}

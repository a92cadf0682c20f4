package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
	"github.com/hackgods/appointment-negotiation/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreDriver:  config.DriverMemory,
		LockDriver:   config.DriverMemory,
		LockTTL:      5 * time.Minute,
		ProposalTTL:  7 * 24 * time.Hour,
		CancelNotice: 24 * time.Hour,
		MaxAdvance:   180 * 24 * time.Hour,
		DBTimeout:    time.Second,
		Location:     time.UTC,
	}
}

func TestOpenInMemory(t *testing.T) {
	a, err := Open(context.Background(), memoryConfig(), "test", zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.PgPool)
	assert.Nil(t, a.Redis)
	require.NotNil(t, a.Service)
	assert.Same(t, a.Schedule, a.Service.Schedule())

	n, err := a.Service.SweepLocks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenWithRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.LockDriver = config.DriverRedis
	cfg.NotifyChannel = "appointments.events"
	cfg.RedisAddr = mr.Addr()

	a, err := Open(context.Background(), cfg, "test", zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis)

	day := clinic.DateOf(time.Now().UTC()).AddDays(2)
	for len(a.Schedule.SlotStarts(day)) == 0 {
		day = day.AddDays(1)
	}
	slot := clinic.Slot{Date: day, Time: a.Schedule.SlotStarts(day)[0]}

	staff := appointment.Actor{Kind: appointment.ActorAdmin, ID: "desk"}
	_, err = a.Service.HoldSlot(context.Background(), staff, slot, "session-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:slot:"+slot.String()))
}

func TestOpenRejectsMissingScheduleFile(t *testing.T) {
	cfg := memoryConfig()
	cfg.ScheduleFile = "testdata/does-not-exist.json"
	_, err := Open(context.Background(), cfg, "test", zerolog.Nop())
	assert.Error(t, err)
}

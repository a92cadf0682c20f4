package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
)

// Sink delivers one event somewhere. Send may block; the dispatcher runs it
// off the request path under a timeout.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev appointment.Event) error
}

type sinkEntry struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher fans committed transitions out to every sink asynchronously.
// Each sink sits behind its own circuit breaker so a dead SMTP server or
// Redis does not pile up goroutines.
type Dispatcher struct {
	sinks   []sinkEntry
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

var _ appointment.Notifier = (*Dispatcher)(nil)

func NewDispatcher(log zerolog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{timeout: timeout, log: log}
	for _, s := range sinks {
		d.sinks = append(d.sinks, sinkEntry{sink: s, breaker: newBreaker(s.Name(), log)})
	}
	return d
}

func newBreaker(name string, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("notification breaker state changed")
		},
	})
}

// Notify returns immediately. Delivery uses a context detached from the
// caller's so a finished HTTP request does not cancel it.
func (d *Dispatcher) Notify(ctx context.Context, ev appointment.Event) {
	base := context.WithoutCancel(ctx)
	for _, e := range d.sinks {
		d.wg.Add(1)
		go func(e sinkEntry) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			_, err := e.breaker.Execute(func() (interface{}, error) {
				return nil, e.sink.Send(sendCtx, ev)
			})
			if err != nil {
				d.log.Warn().Err(err).
					Str("sink", e.sink.Name()).
					Str("appointment_id", ev.AppointmentID.String()).
					Str("action", string(ev.Action)).
					Msg("notification not delivered")
			}
		}(e)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

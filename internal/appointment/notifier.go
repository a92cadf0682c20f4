package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is emitted after every committed transition.
type Event struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Action        Action    `json:"action"`
	FromStatus    Status    `json:"from_status"`
	ToStatus      Status    `json:"to_status"`
	ActorID       string    `json:"actor_id,omitempty"`
	ActorKind     ActorKind `json:"actor_kind"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier receives committed transitions. Implementations must not block the
// caller for long; delivery failures never affect the mutation.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

package appointment

// transitions is the single authority on which status changes each actor
// kind may perform. Staff cancellation is allowed from every non-terminal
// status.
var transitions = map[ActorKind]map[Status][]Status{
	ActorPatient: {
		StatusPending:                 {StatusCancelled},
		StatusConfirmed:               {StatusModificationPending, StatusCancelled},
		StatusAwaitingPatientResponse: {StatusConfirmed, StatusRejectedByPatient, StatusAwaitingAdminResponse},
		StatusModificationPending:     {StatusCancelled},
	},
	ActorAdmin: {
		StatusPending:                 {StatusConfirmed, StatusRejected, StatusAwaitingPatientResponse, StatusCancelled},
		StatusAwaitingAdminResponse:   {StatusConfirmed, StatusRejected, StatusAwaitingPatientResponse, StatusCancelled},
		StatusModificationPending:     {StatusConfirmed, StatusRejected, StatusCancelled},
		StatusConfirmed:               {StatusCancelled, StatusCompleted, StatusNoShow},
		StatusAwaitingPatientResponse: {StatusCancelled},
	},
	ActorSystem: {
		StatusPending:                 {StatusConfirmed, StatusRejected, StatusCancelled, StatusAwaitingPatientResponse},
		StatusConfirmed:               {StatusCompleted, StatusNoShow, StatusCancelled},
		StatusAwaitingPatientResponse: {StatusConfirmed, StatusRejectedByPatient, StatusCancelled},
		StatusAwaitingAdminResponse:   {StatusConfirmed, StatusRejected, StatusCancelled},
		StatusModificationPending:     {StatusConfirmed, StatusRejected, StatusCancelled},
	},
}

// CanTransition reports whether actor may move an appointment from -> to.
func CanTransition(actor ActorKind, from, to Status) bool {
	for _, next := range transitions[actor][from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses actor may move to from the given status.
func NextStatuses(actor ActorKind, from Status) []Status {
	out := make([]Status, len(transitions[actor][from]))
	copy(out, transitions[actor][from])
	return out
}

func checkTransition(actor ActorKind, from, to Status) error {
	if !CanTransition(actor, from, to) {
		return &TransitionError{Actor: actor, From: from, To: to}
	}
	return nil
}

package appointment

// Display labels for presentation layers. The engine never branches on them.

var StatusLabels = map[Status]string{
	StatusPending:                 "En attente",
	StatusConfirmed:               "Confirmé",
	StatusRejected:                "Refusé",
	StatusAwaitingPatientResponse: "En attente patient",
	StatusAwaitingAdminResponse:   "En attente admin",
	StatusRejectedByPatient:       "Refusé par patient",
	StatusModificationPending:     "Modification en attente",
	StatusCancelled:               "Annulé",
	StatusCompleted:               "Terminé",
	StatusNoShow:                  "Absent",
}

var ConsultationLabels = map[ConsultationType]string{
	ConsultationGeneral:     "Consultation générale",
	ConsultationSpecialized: "Consultation spécialisée",
	ConsultationFollowUp:    "Consultation de suivi",
	ConsultationEmergency:   "Urgence",
}

var ActionLabels = map[Action]string{
	ActionCreated:              "Créé",
	ActionConfirmed:            "Confirmé",
	ActionRejected:             "Refusé",
	ActionProposalSent:         "Proposition envoyée",
	ActionProposalAccepted:     "Proposition acceptée",
	ActionProposalRejected:     "Proposition refusée",
	ActionCounterProposed:      "Contre-proposition",
	ActionModified:             "Modifié",
	ActionModificationAccepted: "Modification acceptée",
	ActionModificationRejected: "Modification refusée",
	ActionCancelled:            "Annulé",
	ActionCompleted:            "Terminé",
	ActionNoShow:               "Absent",
	ActionReminderSent:         "Rappel envoyé",
}

var ActorLabels = map[ActorKind]string{
	ActorPatient: "Patient",
	ActorAdmin:   "Admin",
	ActorSystem:  "Système",
}

var DirectionLabels = map[ProposalDirection]string{
	AdminToPatient: "Admin vers Patient",
	PatientToAdmin: "Patient vers Admin",
}

// Label falls back to the raw value when no label is registered.
func Label[K ~string](labels map[K]string, k K) string {
	if l, ok := labels[k]; ok {
		return l
	}
	return string(k)
}

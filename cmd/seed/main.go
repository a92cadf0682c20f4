package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/appointment-negotiation/internal/app"
	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
	"github.com/hackgods/appointment-negotiation/internal/config"
	"github.com/hackgods/appointment-negotiation/internal/logger"
)

var reasons = []string{
	"Contrôle annuel",
	"Douleurs abdominales",
	"Renouvellement d'ordonnance",
	"Suivi de tension artérielle",
	"Fièvre persistante",
	"Bilan sanguin",
	"Vaccination",
}

var consultationTypes = []appointment.ConsultationType{
	appointment.ConsultationGeneral,
	appointment.ConsultationSpecialized,
	appointment.ConsultationFollowUp,
	appointment.ConsultationEmergency,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	lg := logger.New(cfg.Env, cfg.LogLevel, os.Stdout).With().Str("service", "seed").Logger()

	count := 200
	if v := os.Getenv("SEED_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	lg.Info().Int("count", count).Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := app.Open(ctx, cfg, "seed", lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	s := &seeder{
		svc:      a.Service,
		schedule: a.Schedule,
		faker:    gofakeit.New(0),
		log:      lg,
		admin:    appointment.Actor{Kind: appointment.ActorAdmin, ID: "seed-admin"},
	}
	outcomes, err := s.run(ctx, count)
	if err != nil {
		lg.Fatal().Err(err).Msg("seed failed")
	}

	d := zerolog.Dict()
	for k, n := range outcomes {
		d.Int(k, n)
	}
	lg.Info().Dict("outcomes", d).Msg("seed complete")
}

type seeder struct {
	svc      *appointment.Service
	schedule *clinic.Schedule
	faker    *gofakeit.Faker
	log      zerolog.Logger
	admin    appointment.Actor
}

// run books count appointments over the coming weeks and walks a share of
// them through the negotiation so every status shows up in the data.
func (s *seeder) run(ctx context.Context, count int) (map[string]int, error) {
	outcomes := map[string]int{}
	day := clinic.DateOf(time.Now().In(s.schedule.Location)).AddDays(2)

	for created := 0; created < count; day = day.AddDays(1) {
		if day.After(clinic.DateOf(time.Now()).AddDays(170)) {
			break
		}
		free, err := s.svc.AvailableSlots(ctx, day)
		if err != nil {
			return nil, err
		}
		// leave room on every day for proposals
		s.faker.ShuffleAnySlice(free)
		for i := 0; i < len(free)/2 && created < count; i++ {
			outcome, err := s.book(ctx, clinic.Slot{Date: day, Time: free[i]}, free[len(free)/2:])
			if err != nil {
				return nil, fmt.Errorf("seed %s %s: %w", day, free[i], err)
			}
			outcomes[outcome]++
			created++
			if created%50 == 0 {
				s.log.Info().Int("created", created).Int("total", count).Msg("progress")
			}
		}
	}
	return outcomes, nil
}

func (s *seeder) book(ctx context.Context, slot clinic.Slot, spare []clinic.Clock) (string, error) {
	first, last := s.faker.FirstName(), s.faker.LastName()
	patient := appointment.Actor{
		Kind:  appointment.ActorPatient,
		ID:    uuid.NewString(),
		Email: s.faker.Email(),
	}
	a, err := s.svc.Create(ctx, patient, appointment.CreateInput{
		PatientFirstName: first,
		PatientLastName:  last,
		PatientEmail:     patient.Email,
		PatientPhone:     fmt.Sprintf("06%07d", s.faker.Number(0, 9999999)),
		Date:             slot.Date,
		Time:             slot.Time,
		ConsultationType: consultationTypes[s.faker.Number(0, len(consultationTypes)-1)],
		Reason:           s.faker.RandomString(reasons),
	})
	if err != nil {
		return "", err
	}

	switch roll := s.faker.Number(1, 10); {
	case roll <= 4:
		_, err = s.svc.Respond(ctx, s.admin, a.ID, appointment.RespondInput{Action: appointment.RespondAccept})
		return string(appointment.StatusConfirmed), err
	case roll <= 5:
		_, err = s.svc.Respond(ctx, s.admin, a.ID, appointment.RespondInput{
			Action:          appointment.RespondReject,
			RejectionReason: "Médecin indisponible",
		})
		return string(appointment.StatusRejected), err
	case roll <= 7 && len(spare) > 0:
		alt := spare[s.faker.Number(0, len(spare)-1)]
		_, err = s.svc.Respond(ctx, s.admin, a.ID, appointment.RespondInput{
			Action:  appointment.RespondPropose,
			Date:    &slot.Date,
			Time:    &alt,
			Message: "Créneau proposé par le secrétariat",
		})
		if appointment.IsRetryable(err) {
			return "", err
		}
		if err != nil {
			// the spare slot was taken meanwhile; keep the request pending
			return string(appointment.StatusPending), nil
		}
		return string(appointment.StatusAwaitingPatientResponse), nil
	default:
		return string(appointment.StatusPending), nil
	}
}

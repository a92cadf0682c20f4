package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
)

// RedisPublisher publishes events as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis:" + p.channel }

func (p *RedisPublisher) Send(ctx context.Context, ev appointment.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// LogSink writes every event to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, ev appointment.Event) error {
	s.log.Info().
		Str("appointment_id", ev.AppointmentID.String()).
		Str("action", string(ev.Action)).
		Str("from", string(ev.FromStatus)).
		Str("to", string(ev.ToStatus)).
		Str("actor_kind", string(ev.ActorKind)).
		Time("occurred_at", ev.OccurredAt).
		Msg("appointment event")
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string // clinic desk address
}

// dialer is the part of gomail.Dialer the mailer uses.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer emails the clinic desk about every transition.
type Mailer struct {
	cfg    SMTPConfig
	dialer dialer
}

func NewMailer(cfg SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg, dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

func (m *Mailer) Name() string { return "smtp" }

func (m *Mailer) Send(ctx context.Context, ev appointment.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", m.cfg.To)
	msg.SetHeader("Subject", subject(ev))
	msg.SetBody("text/plain", body(ev))
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func subject(ev appointment.Event) string {
	return fmt.Sprintf("Rendez-vous %s : %s", shortID(ev), appointment.Label(appointment.ActionLabels, ev.Action))
}

func body(ev appointment.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rendez-vous : %s\n", ev.AppointmentID)
	fmt.Fprintf(&b, "Action : %s\n", appointment.Label(appointment.ActionLabels, ev.Action))
	if ev.FromStatus != "" {
		fmt.Fprintf(&b, "Ancien statut : %s\n", appointment.Label(appointment.StatusLabels, ev.FromStatus))
	}
	fmt.Fprintf(&b, "Nouveau statut : %s\n", appointment.Label(appointment.StatusLabels, ev.ToStatus))
	fmt.Fprintf(&b, "Par : %s", appointment.Label(appointment.ActorLabels, ev.ActorKind))
	if ev.ActorID != "" {
		fmt.Fprintf(&b, " (%s)", ev.ActorID)
	}
	fmt.Fprintf(&b, "\nDate : %s\n", ev.OccurredAt.Format("02/01/2006 15:04"))
	return b.String()
}

func shortID(ev appointment.Event) string {
	return ev.AppointmentID.String()[:8]
}

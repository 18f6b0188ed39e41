package engine

import (
	"context"
	"fmt"
	"log/slog"

	"surveyline/internal/definition"
	"surveyline/internal/domain"
)

// Notifier delivers a templated mail for a project.
type Notifier interface {
	Send(ctx context.Context, p domain.Project, mail definition.MailKind, variant string) error
}

// SignalCounter counts survey responses for a project.
type SignalCounter interface {
	Count(ctx context.Context, p domain.Project, survey definition.Survey) (int, error)
}

// Alerter sends an operational alert about a project.
type Alerter interface {
	Raise(ctx context.Context, subject string, p domain.Project) error
}

// Sandbox is what a step body may do. Every call is synchronous and any
// error fails the step.
type Sandbox struct {
	project  domain.Project
	step     string
	notifier Notifier
	signals  SignalCounter
	alerter  Alerter
	log      *slog.Logger

	finished bool
	alerts   []string
	counts   map[definition.Survey]int
}

// Notify sends mail for variant and describes what was sent.
func (s *Sandbox) Notify(ctx context.Context, mail definition.MailKind, variant string) (string, error) {
	if err := s.notifier.Send(ctx, s.project, mail, variant); err != nil {
		return "", fmt.Errorf("notify %s/%s: %w", mail, variant, err)
	}
	to := s.project.ContactEmail
	if to == "" {
		to = "project contact"
	}
	return fmt.Sprintf("sent %s/%s to %s", mail, variant, to), nil
}

// CheckSignal reports whether survey has at least one response.
func (s *Sandbox) CheckSignal(ctx context.Context, survey definition.Survey) (bool, error) {
	n, err := s.signals.Count(ctx, s.project, survey)
	if err != nil {
		return false, fmt.Errorf("count %s responses: %w", survey, err)
	}
	if n < 0 {
		return false, fmt.Errorf("count %s responses: negative count %d", survey, n)
	}
	if s.counts == nil {
		s.counts = map[definition.Survey]int{}
	}
	s.counts[survey] = n
	s.log.Info("survey responses counted", "project", s.project.ID, "step", s.step, "survey", string(survey), "count", n)
	return n > 0, nil
}

// RaiseAlert sends message to the alert channel.
func (s *Sandbox) RaiseAlert(ctx context.Context, message string) (string, error) {
	if err := s.alerter.Raise(ctx, message, s.project); err != nil {
		return "", fmt.Errorf("raise alert: %w", err)
	}
	s.alerts = append(s.alerts, message)
	return "alerted: " + message, nil
}

// Finish ends the process once the step is recorded.
func (s *Sandbox) Finish() string {
	s.finished = true
	return "finished"
}

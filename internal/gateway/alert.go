package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"surveyline/internal/domain"
)

func prefixed(prefix, subject string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return subject
	}
	return prefix + " " + subject
}

// WebhookAlerter posts alerts to an operations endpoint.
type WebhookAlerter struct {
	URL           string
	SubjectPrefix string
	Client        *http.Client
}

type alertRequest struct {
	Subject string     `json:"subject"`
	Project projectRef `json:"project"`
}

func (a *WebhookAlerter) Raise(ctx context.Context, subject string, p domain.Project) error {
	return postJSON(ctx, a.Client, a.URL, map[string]string{"X-Surveyline-Project": p.ID}, alertRequest{
		Subject: prefixed(a.SubjectPrefix, subject),
		Project: ref(p),
	})
}

// LogAlerter writes alerts to the log at error level.
type LogAlerter struct {
	Logger        *slog.Logger
	SubjectPrefix string
}

func (a LogAlerter) Raise(_ context.Context, subject string, p domain.Project) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("alert", "subject", prefixed(a.SubjectPrefix, subject), "project", p.ID, "name", p.Name)
	return nil
}

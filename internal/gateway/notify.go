package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"surveyline/internal/definition"
	"surveyline/internal/domain"
)

func ref(p domain.Project) projectRef {
	return projectRef{
		ID:           p.ID,
		Name:         p.Name,
		ContactName:  p.ContactName,
		ContactEmail: p.ContactEmail,
		Categories:   p.Categories,
		StartAt:      p.StartAt.UTC().Format(time.RFC3339),
		EndAt:        p.EndAt.UTC().Format(time.RFC3339),
	}
}

// LogNotifier only logs the mail that would be sent.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(_ context.Context, p domain.Project, mail definition.MailKind, variant string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail (dry run)", "project", p.ID, "mail", string(mail), "variant", variant, "to", p.ContactEmail)
	return nil
}

// WebhookNotifier hands mails to an HTTP mail gateway.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
}

type mailRequest struct {
	Project     projectRef `json:"project"`
	MessageKind string     `json:"message_kind"`
	Variant     string     `json:"variant"`
	Contact     string     `json:"contact,omitempty"`
}

func (n *WebhookNotifier) Send(ctx context.Context, p domain.Project, mail definition.MailKind, variant string) error {
	if strings.TrimSpace(n.URL) == "" {
		return errors.New("mail gateway url not configured")
	}
	if strings.TrimSpace(p.ContactEmail) == "" {
		return errors.New("project has no contact email")
	}
	headers := map[string]string{"X-Surveyline-Project": p.ID}
	if strings.TrimSpace(n.Secret) != "" {
		headers["X-Surveyline-Secret"] = n.Secret
	}
	return postJSON(ctx, n.Client, n.URL, headers, mailRequest{
		Project:     ref(p),
		MessageKind: string(mail),
		Variant:     variant,
		Contact:     p.ContactEmail,
	})
}

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyline/internal/config"
	"surveyline/internal/definition"
	"surveyline/internal/domain"
)

var project = domain.Project{
	ID:           "p 1",
	Name:         "Robotics lab",
	ContactName:  "Ada",
	ContactEmail: "ada@example.org",
	StartAt:      time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	EndAt:        time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC),
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWebhookNotifierPostsMail(t *testing.T) {
	var got mailRequest
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		secret = r.Header.Get("X-Surveyline-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Secret: "s3cret"}
	require.NoError(t, n.Send(context.Background(), project, definition.Reminder1, "T1"))

	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "REMINDER_1", got.MessageKind)
	assert.Equal(t, "T1", got.Variant)
	assert.Equal(t, "ada@example.org", got.Contact)
	assert.Equal(t, "2024-04-15T00:00:00Z", got.Project.EndAt)
}

func TestWebhookNotifierReportsGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Send(context.Background(), project, definition.Infomail, "RETRO")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "mailbox full")

	noContact := project
	noContact.ContactEmail = ""
	assert.Error(t, (&WebhookNotifier{URL: srv.URL}).Send(context.Background(), noContact, definition.Infomail, "RETRO"))
}

func TestSurveyClientCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p%201/responses", r.URL.EscapedPath())
		switch r.URL.Query().Get("survey") {
		case "T1":
			w.Write([]byte(`{"count": 3}`))
		case "POST":
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := &SurveyClient{BaseURL: srv.URL + "/"}
	n, err := c.Count(context.Background(), project, definition.SurveyT1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.Count(context.Background(), project, definition.SurveyPost)
	assert.Error(t, err)
	_, err = c.Count(context.Background(), project, definition.SurveyRetro)
	assert.Error(t, err)
}

func TestWebhookAlerterPrefixesSubject(t *testing.T) {
	var got alertRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	a := &WebhookAlerter{URL: srv.URL, SubjectPrefix: "[surveyline]"}
	require.NoError(t, a.Raise(context.Background(), "no responses to RETRO survey", project))
	assert.Equal(t, "[surveyline] no responses to RETRO survey", got.Subject)
	assert.Equal(t, "p 1", got.Project.ID)
}

func TestFromConfigPicksImplementations(t *testing.T) {
	cfg := config.Default()
	c := FromConfig(cfg, quiet())
	assert.IsType(t, LogNotifier{}, c.Notifier)
	assert.IsType(t, LogAlerter{}, c.Alerter)
	assert.IsType(t, NoSurvey{}, c.Signals)

	n, err := c.Signals.Count(context.Background(), project, definition.SurveyT1)
	require.NoError(t, err)
	assert.Zero(t, n)

	cfg.Notifications.Mode = config.NotifyWebhook
	cfg.Notifications.URL = "http://mail.invalid/send"
	cfg.Alerts.URL = "http://ops.invalid/alerts"
	cfg.Survey.BaseURL = "http://survey.invalid"
	c = FromConfig(cfg, quiet())
	assert.IsType(t, &WebhookNotifier{}, c.Notifier)
	assert.IsType(t, &WebhookAlerter{}, c.Alerter)
	assert.IsType(t, &SurveyClient{}, c.Signals)
}

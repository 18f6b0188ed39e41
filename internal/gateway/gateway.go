// Package gateway talks to the services step bodies depend on: the mail
// gateway, the alert channel and the survey response counter.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"surveyline/internal/config"
	"surveyline/internal/engine"
)

const defaultTimeout = 10 * time.Second

// FromConfig builds the collaborators described by cfg.
func FromConfig(cfg *config.Config, logger *slog.Logger) engine.Collaborators {
	if logger == nil {
		logger = slog.Default()
	}
	var c engine.Collaborators
	switch cfg.Notifications.Mode {
	case config.NotifyWebhook:
		c.Notifier = &WebhookNotifier{
			URL:    cfg.Notifications.URL,
			Secret: cfg.Notifications.Secret,
			Client: &http.Client{Timeout: timeout(cfg.Notifications.TimeoutSeconds)},
		}
	default:
		c.Notifier = LogNotifier{Logger: logger}
	}
	if strings.TrimSpace(cfg.Alerts.URL) != "" {
		c.Alerter = &WebhookAlerter{
			URL:           cfg.Alerts.URL,
			SubjectPrefix: cfg.Alerts.SubjectPrefix,
			Client:        &http.Client{Timeout: timeout(cfg.Alerts.TimeoutSeconds)},
		}
	} else {
		c.Alerter = LogAlerter{Logger: logger, SubjectPrefix: cfg.Alerts.SubjectPrefix}
	}
	if strings.TrimSpace(cfg.Survey.BaseURL) != "" {
		c.Signals = &SurveyClient{
			BaseURL: cfg.Survey.BaseURL,
			Client:  &http.Client{Timeout: timeout(cfg.Survey.TimeoutSeconds)},
		}
	} else {
		c.Signals = NoSurvey{Logger: logger}
	}
	return c
}

func timeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultTimeout
}

func client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultTimeout}
}

func postJSON(ctx context.Context, c *http.Client, url string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client(c).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return checkStatus(res)
}

func checkStatus(res *http.Response) error {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// projectRef is the project summary sent to gateways.
type projectRef struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ContactName  string   `json:"contact_name,omitempty"`
	ContactEmail string   `json:"contact_email,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	StartAt      string   `json:"start_at"`
	EndAt        string   `json:"end_at"`
}

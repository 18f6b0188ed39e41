package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"surveyline/internal/config"
	"surveyline/internal/domain"
	"surveyline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// subscription is one enabled hook and the id of the last event it acknowledged.
type subscription struct {
	url    string
	secret string
	client *http.Client
	filter eventFilter
	primed bool
	cursor int64
}

// WebhookDispatcher pushes audit events to the configured hooks in id order.
// A subscription only sees events written after its first pass, and stops at
// the first rejected delivery so the next pass resumes from it.
type WebhookDispatcher struct {
	repo     repo.Repo
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	subs []*subscription
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &WebhookDispatcher{repo: r, logger: logger, interval: defaultWebhookInterval}
	shared := &http.Client{Timeout: defaultWebhookTimeout}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		target := strings.TrimSpace(h.URL)
		if target == "" {
			continue
		}
		client := shared
		if h.TimeoutSeconds > 0 {
			client = &http.Client{Timeout: time.Duration(h.TimeoutSeconds) * time.Second}
		}
		d.subs = append(d.subs, &subscription{
			url:    target,
			secret: strings.TrimSpace(h.Secret),
			client: client,
			filter: newEventFilter(h.Events),
		})
	}
	return d
}

// StartWebhookDispatcher polls in a goroutine until ctx ends. Without an
// enabled hook it returns at once.
func StartWebhookDispatcher(ctx context.Context, r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) {
	d := NewWebhookDispatcher(r, hooks, logger)
	if len(d.subs) == 0 {
		return
	}
	go d.Run(ctx)
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every subscription. Passes do not overlap.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		if ctx.Err() != nil {
			return
		}
		d.drain(ctx, sub)
	}
}

func (d *WebhookDispatcher) drain(ctx context.Context, sub *subscription) {
	if !sub.primed {
		latest, err := d.repo.LatestEventID(ctx)
		if err != nil {
			d.logger.Warn("webhook: read latest event id", "url", sub.url, "err", err)
			return
		}
		sub.cursor, sub.primed = latest, true
	}
	batch, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, sub.cursor, "")
	if err != nil {
		d.logger.Warn("webhook: list events", "url", sub.url, "err", err)
		return
	}
	for _, evt := range batch {
		if sub.filter.match(evt.Type) {
			if err := sub.send(ctx, evt); err != nil {
				d.logger.Warn("webhook: delivery rejected", "url", sub.url, "event", evt.ID, "err", err)
				return
			}
		}
		sub.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// newWebhookEvent embeds a JSON payload as is; anything else travels in payload_raw.
func newWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage(`{}`),
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Payload = json.RawMessage(evt.Payload)
	default:
		out.PayloadRaw = evt.Payload
	}
	return out
}

func (s *subscription) send(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Surveyline-Event", evt.Type)
	req.Header.Set("X-Surveyline-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.ProjectID != "" {
		req.Header.Set("X-Surveyline-Project", evt.ProjectID)
	}
	if s.secret != "" {
		req.Header.Set("X-Surveyline-Secret", s.secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// eventFilter matches event types; an empty filter matches everything.
type eventFilter map[string]struct{}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}

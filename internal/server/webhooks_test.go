package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyline/internal/config"
	"surveyline/internal/domain"
)

type hookSink struct {
	mu      sync.Mutex
	events  []webhookEvent
	secrets []string
	fail    bool
}

func (s *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.events = append(s.events, evt)
	s.secrets = append(s.secrets, r.Header.Get("X-Surveyline-Secret"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *hookSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	sink := &hookSink{}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	old := domain.Project{ID: "before", Name: "Before", StartAt: testNow.AddDate(0, 1, 0), EndAt: testNow.AddDate(0, 2, 0)}
	_, err := srv.Engine.Admit(ctx, old, time.Time{})
	require.NoError(t, err)

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret"}}, quietLogger())
	d.DispatchAll(ctx)
	assert.Empty(t, sink.types(), "events older than the dispatcher are not replayed")

	late := domain.Project{ID: "late", Name: "Late", StartAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), EndAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
	_, err = srv.Engine.Admit(ctx, late, time.Time{})
	require.NoError(t, err)

	d.DispatchAll(ctx)
	assert.Equal(t, []string{"process.admitted", "step.succeeded"}, sink.types())
	assert.Equal(t, "late", sink.events[0].ProjectID)
	assert.Equal(t, "s3cret", sink.secrets[0])

	d.DispatchAll(ctx)
	assert.Len(t, sink.types(), 2, "delivered events are not sent twice")
}

func TestWebhookDispatcherFiltersAndRetries(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	sink := &hookSink{fail: true}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"step.succeeded"}}}, quietLogger())
	d.DispatchAll(ctx)

	late := domain.Project{ID: "late", Name: "Late", StartAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), EndAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
	_, err := srv.Engine.Admit(ctx, late, time.Time{})
	require.NoError(t, err)

	d.DispatchAll(ctx)
	assert.Empty(t, sink.types())

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Equal(t, []string{"step.succeeded"}, sink.types())
}

func TestWebhookDispatcherSkipsDisabledHooks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	sink := &hookSink{}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	off := false
	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Enabled: &off}}, quietLogger())
	d.DispatchAll(ctx)
	_, err := srv.Engine.Admit(ctx, domain.Project{ID: "x", Name: "X", StartAt: testNow, EndAt: testNow.AddDate(0, 0, 3)}, time.Time{})
	require.NoError(t, err)
	d.DispatchAll(ctx)
	assert.Empty(t, sink.types())
}

func TestWebhookSubscriptionsKeepSeparateCursors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	up, down := &hookSink{}, &hookSink{fail: true}
	upSrv, downSrv := httptest.NewServer(up), httptest.NewServer(down)
	defer upSrv.Close()
	defer downSrv.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{
		{URL: downSrv.URL, TimeoutSeconds: 1},
		{URL: "  "},
		{URL: upSrv.URL},
	}, quietLogger())
	require.Len(t, d.subs, 2)
	d.DispatchAll(ctx)

	late := domain.Project{ID: "late", Name: "Late", StartAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), EndAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
	_, err := srv.Engine.Admit(ctx, late, time.Time{})
	require.NoError(t, err)

	d.DispatchAll(ctx)
	assert.Equal(t, []string{"process.admitted", "step.succeeded"}, up.types())
	assert.Empty(t, down.types())

	down.mu.Lock()
	down.fail = false
	down.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Equal(t, []string{"process.admitted", "step.succeeded"}, down.types())
	assert.Len(t, up.types(), 2)
}

func TestNewWebhookEventKeepsNonJSONPayloadRaw(t *testing.T) {
	evt := newWebhookEvent(domain.Event{ID: 7, Type: "step.failed", Payload: "not json"})
	assert.JSONEq(t, `{}`, string(evt.Payload))
	assert.Equal(t, "not json", evt.PayloadRaw)

	evt = newWebhookEvent(domain.Event{ID: 8, Type: "step.succeeded", Payload: `{"step":"INFOMAIL"}`})
	assert.JSONEq(t, `{"step":"INFOMAIL"}`, string(evt.Payload))
	assert.Empty(t, evt.PayloadRaw)
}

package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyline/internal/checkpoint"
	"surveyline/internal/db"
	"surveyline/internal/definition"
	"surveyline/internal/domain"
	"surveyline/internal/engine"
	"surveyline/internal/migrate"
	"surveyline/internal/repo"
)

var start = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

func days(n int) time.Time { return start.AddDate(0, 0, n) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (f *fakeNotifier) Send(_ context.Context, _ domain.Project, mail definition.MailKind, variant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := string(mail) + "_" + variant
	if err := f.fail[name]; err != nil {
		return err
	}
	f.sent = append(f.sent, name)
	return nil
}

func (f *fakeNotifier) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

type fakeSignals struct {
	mu     sync.Mutex
	counts map[definition.Survey]int
	calls  map[definition.Survey]int
}

func (f *fakeSignals) Count(_ context.Context, _ domain.Project, s definition.Survey) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[definition.Survey]int{}
	}
	f.calls[s]++
	return f.counts[s], nil
}

func (f *fakeSignals) Set(s definition.Survey, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[definition.Survey]int{}
	}
	f.counts[s] = n
}

func (f *fakeSignals) Calls(s definition.Survey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[s]
}

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakeAlerter) Raise(_ context.Context, subject string, _ domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return f.err
}

func (f *fakeAlerter) Subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.subjects...)
}

type testEnv struct {
	Engine  *engine.Engine
	Conn    *sql.DB
	Clock   *clock
	Notes   *fakeNotifier
	Signals *fakeSignals
	Alerts  *fakeAlerter
	Ctx     context.Context
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		Conn:    conn,
		Clock:   &clock{t: now},
		Notes:   &fakeNotifier{},
		Signals: &fakeSignals{},
		Alerts:  &fakeAlerter{},
		Ctx:     context.Background(),
	}
	env.Engine = env.newEngine()
	return env
}

// newEngine builds a fresh engine over the same database, as after a restart.
func (env *testEnv) newEngine() *engine.Engine {
	eng := engine.New(env.Conn, checkpoint.Standard{}, engine.Collaborators{
		Notifier: env.Notes,
		Signals:  env.Signals,
		Alerter:  env.Alerts,
	})
	eng.Now = env.Clock.Now
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return eng
}

// advance moves the clock forward to t, firing timers at their instants.
func (env *testEnv) advance(t time.Time) {
	for {
		pending := env.Engine.Timers.Pending()
		if len(pending) == 0 || pending[0].At.After(t) {
			break
		}
		env.Clock.Set(pending[0].At)
		env.Engine.Timers.RunDue(env.Ctx, pending[0].At)
	}
	env.Clock.Set(t)
	env.Engine.Timers.RunDue(env.Ctx, t)
}

func (env *testEnv) ledger(t *testing.T, id string) []string {
	t.Helper()
	l, err := env.Engine.Repo.ListActivities(env.Ctx, id)
	require.NoError(t, err)
	names := make([]string, 0, len(l))
	for _, a := range l {
		names = append(names, a.Name)
	}
	return names
}

func (env *testEnv) phase(t *testing.T, id string) domain.Phase {
	t.Helper()
	p, err := env.Engine.Repo.GetProcess(env.Ctx, id)
	require.NoError(t, err)
	return p.Phase
}

func project(id string, end time.Time) domain.Project {
	return domain.Project{
		ID:           id,
		Name:         "Project " + id,
		ContactName:  "Ada",
		ContactEmail: "ada@example.org",
		StartAt:      start,
		EndAt:        end,
	}
}

func TestShortProjectWithoutResponsesAlertsAndFinishes(t *testing.T) {
	env := newTestEnv(t, days(-1))
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)
	assert.Empty(t, env.ledger(t, "p1"))
	assert.Equal(t, 4, env.Engine.Timers.Len())

	env.advance(days(13))
	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO"}, env.ledger(t, "p1"))
	assert.Equal(t, domain.PhaseActive, env.phase(t, "p1"))

	env.advance(days(40))
	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO"}, env.Notes.Sent())
	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO", "FINISH_RETRO"}, env.ledger(t, "p1"))
	assert.Equal(t, []string{"no responses to RETRO survey"}, env.Alerts.Subjects())
	assert.Equal(t, domain.PhaseFinished, env.phase(t, "p1"))

	finish, err := env.Engine.Repo.GetActivity(env.Ctx, "p1", "FINISH_RETRO")
	require.NoError(t, err)
	assert.Equal(t, "alerted: no responses to RETRO survey; finished", finish.Result)
	assert.Equal(t, days(27), finish.CreatedAt)
}

func TestTwoWeekProjectWithT1ResponsesTakesPostTrack(t *testing.T) {
	env := newTestEnv(t, days(-10))
	env.Signals.Set(definition.SurveyT1, 4)
	env.Signals.Set(definition.SurveyPost, 2)

	_, err := env.Engine.Admit(env.Ctx, project("p2", days(14)), days(-10))
	require.NoError(t, err)
	env.advance(days(60))

	assert.Equal(t, []string{
		"INFOMAIL_T1", "REMINDER_1_T1", "CHECK_T1",
		"INFOMAIL_POST_T1", "REMINDER_1_POST_T1", "FINISH_POST_T1",
	}, env.ledger(t, "p2"))
	assert.NotContains(t, env.Notes.Sent(), "REMINDER_2_T1_RETRO")
	assert.Empty(t, env.Alerts.Subjects())
	assert.Equal(t, domain.PhaseFinished, env.phase(t, "p2"))

	check, err := env.Engine.Repo.GetActivity(env.Ctx, "p2", "CHECK_T1")
	require.NoError(t, err)
	assert.Equal(t, "true", check.Result)
}

func TestLongProjectAdmittedLateSkipsPreStartSteps(t *testing.T) {
	env := newTestEnv(t, days(7))
	env.Signals.Set(definition.SurveyRetro, 1)

	_, err := env.Engine.Admit(env.Ctx, project("p3", days(60)), days(7))
	require.NoError(t, err)

	env.advance(days(52))
	assert.Empty(t, env.ledger(t, "p3"))

	env.advance(days(90))
	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO", "FINISH_RETRO"}, env.ledger(t, "p3"))
	assert.Empty(t, env.Alerts.Subjects())
	assert.Equal(t, domain.PhaseFinished, env.phase(t, "p3"))
}

func TestReplayAddsNothingAlreadyLogged(t *testing.T) {
	env := newTestEnv(t, days(-1))
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)
	env.advance(days(14))
	before := env.ledger(t, "p1")
	sent := env.Notes.Sent()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.Engine.Evaluate(env.Ctx, "p1"))
		require.NoError(t, env.Engine.Start(env.Ctx))
	}

	assert.Equal(t, before, env.ledger(t, "p1"))
	assert.Equal(t, sent, env.Notes.Sent())
	assert.Equal(t, 2, env.Engine.Timers.Len())
}

func TestRecoveryAfterRestartResumesRemainingSteps(t *testing.T) {
	env := newTestEnv(t, days(-1))
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)
	env.advance(days(14))
	require.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO"}, env.ledger(t, "p1"))

	// The old engine and its timers are gone; time passed while it was down.
	env.Engine = env.newEngine()
	env.Clock.Set(days(22))
	require.NoError(t, env.Engine.Start(env.Ctx))

	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO"}, env.ledger(t, "p1"))
	pending := env.Engine.Timers.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "p1/FINISH_RETRO", pending[0].Key)
	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO"}, env.Notes.Sent())
}

func TestCheckOutcomeIsFrozenOnReplay(t *testing.T) {
	env := newTestEnv(t, days(-10))
	_, err := env.Engine.Admit(env.Ctx, project("p2", days(14)), days(-10))
	require.NoError(t, err)
	env.advance(days(7))

	check, err := env.Engine.Repo.GetActivity(env.Ctx, "p2", "CHECK_T1")
	require.NoError(t, err)
	require.Equal(t, "false", check.Result)
	require.Equal(t, 1, env.Signals.Calls(definition.SurveyT1))

	env.Signals.Set(definition.SurveyT1, 9)
	env.Engine = env.newEngine()
	require.NoError(t, env.Engine.Start(env.Ctx))
	require.NoError(t, env.Engine.Evaluate(env.Ctx, "p2"))

	assert.Equal(t, 1, env.Signals.Calls(definition.SurveyT1))
	assert.True(t, env.Engine.Timers.Has("p2/REMINDER_1_T1_RETRO"))
	assert.False(t, env.Engine.Timers.Has("p2/REMINDER_1_POST_T1"))
	assert.Contains(t, env.ledger(t, "p2"), "INFOMAIL_T1_RETRO")
	assert.NotContains(t, env.ledger(t, "p2"), "INFOMAIL_POST_T1")
}

func TestFailedStepFailsProcessAndStopsLaterSteps(t *testing.T) {
	env := newTestEnv(t, days(-1))
	env.Notes.fail = map[string]error{"REMINDER_1_RETRO": errors.New("smtp unavailable")}
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)

	env.advance(days(40))

	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO"}, env.ledger(t, "p1"))
	assert.Equal(t, domain.PhaseFailed, env.phase(t, "p1"))
	failed, err := env.Engine.Repo.GetActivity(env.Ctx, "p1", "REMINDER_1_RETRO")
	require.NoError(t, err)
	assert.Equal(t, "notify REMINDER_1/RETRO: smtp unavailable", failed.Failure)

	subjects := env.Alerts.Subjects()
	require.Len(t, subjects, 1)
	assert.Contains(t, subjects[0], "REMINDER_1_RETRO")
	assert.Equal(t, []string{"INFOMAIL_RETRO"}, env.Notes.Sent())

	require.NoError(t, env.Engine.Start(env.Ctx))
	require.NoError(t, env.Engine.Evaluate(env.Ctx, "p1"))
	assert.Len(t, env.ledger(t, "p1"), 2)
}

func TestAlertDeliveryFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t, days(-1))
	env.Notes.fail = map[string]error{"INFOMAIL_RETRO": errors.New("rejected")}
	env.Alerts.err = errors.New("pager down")
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)

	env.advance(days(6))

	assert.Equal(t, domain.PhaseFailed, env.phase(t, "p1"))
	assert.Len(t, env.Alerts.Subjects(), 1)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "p1", "alert.failed")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"error":"pager down"`)
}

func TestLateAdmissionRunsImmediateStepDuringAdmit(t *testing.T) {
	env := newTestEnv(t, days(30))
	proc, err := env.Engine.Admit(env.Ctx, project("p4", days(9)), days(30))
	require.NoError(t, err)

	assert.Equal(t, domain.PhaseActive, proc.Phase)
	assert.Equal(t, []string{"INFOMAIL_RETRO"}, env.ledger(t, "p4"))
	assert.Equal(t, 3, env.Engine.Timers.Len())
}

func TestAdmitRejectsDuplicatesAndInvalidProjects(t *testing.T) {
	env := newTestEnv(t, days(-1))
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)

	_, err = env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	assert.ErrorIs(t, err, engine.ErrAlreadyAdmitted)

	bad := project("p2", days(-3))
	_, err = env.Engine.Admit(env.Ctx, bad, days(-1))
	assert.ErrorIs(t, err, engine.ErrInvalidProject)
	_, err = env.Engine.Repo.GetProject(env.Ctx, "p2")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "p1", "process.admitted")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAcceleratedTimeBaseRunsWholeTrackInSeconds(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, base)
	env.Engine.Calc = checkpoint.Accelerated{SecondsPerDay: 1}
	p := domain.Project{ID: "fast", Name: "Fast", StartAt: base.Add(10 * time.Second), EndAt: base.Add(23 * time.Second)}

	_, err := env.Engine.Admit(env.Ctx, p, base)
	require.NoError(t, err)
	env.advance(base.Add(time.Minute))

	assert.Equal(t, []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO", "FINISH_RETRO"}, env.ledger(t, "fast"))
	assert.Equal(t, domain.PhaseFinished, env.phase(t, "fast"))
}

func TestPersistenceFailureSurfacesAndKeepsProcessActive(t *testing.T) {
	env := newTestEnv(t, days(-1))
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)

	_, err = env.Conn.Exec(`DROP TABLE activities`)
	require.NoError(t, err)
	env.Clock.Set(days(6))
	err = env.Engine.Evaluate(env.Ctx, "p1")
	require.Error(t, err)
	assert.Equal(t, domain.PhaseActive, env.phase(t, "p1"))
	assert.Empty(t, env.Notes.Sent())
}

func TestConcurrentReplayAndTimersRunEachStepOnce(t *testing.T) {
	env := newTestEnv(t, days(-1))
	_, err := env.Engine.Admit(env.Ctx, project("p1", days(13)), days(-1))
	require.NoError(t, err)
	env.Clock.Set(days(22))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- env.Engine.Evaluate(env.Ctx, "p1")
		}()
		go func() {
			defer wg.Done()
			env.Engine.Timers.RunDue(env.Ctx, days(22))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	want := []string{"INFOMAIL_RETRO", "REMINDER_1_RETRO", "REMINDER_2_RETRO"}
	assert.Equal(t, want, env.Notes.Sent())
	assert.Equal(t, want, env.ledger(t, "p1"))
	assert.True(t, env.Engine.Timers.Has("p1/FINISH_RETRO"))
}

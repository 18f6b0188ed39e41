package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"surveyline/internal/checkpoint"
	"surveyline/internal/definition"
	"surveyline/internal/domain"
	"surveyline/internal/events"
	"surveyline/internal/repo"
	"surveyline/internal/timer"
)

// Engine interprets process definitions against the activity ledger. Every
// side effect goes through runStep, so any evaluation may be repeated.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Calc     checkpoint.Calculator
	Notifier Notifier
	Signals  SignalCounter
	Alerter  Alerter
	Timers   *timer.Queue
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string

	locks sync.Map
}

// Collaborators are the external services step bodies talk to.
type Collaborators struct {
	Notifier Notifier
	Signals  SignalCounter
	Alerter  Alerter
}

func New(db *sql.DB, calc checkpoint.Calculator, c Collaborators) *Engine {
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Calc:     calc,
		Notifier: c.Notifier,
		Signals:  c.Signals,
		Alerter:  c.Alerter,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	e.Timers = timer.New(e.now)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.Must(uuid.NewV7()).String()
}

// lock serialises ledger check-then-act for one project.
func (e *Engine) lock(projectID string) func() {
	v, _ := e.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// forget drops the lock of a project whose phase is terminal. It is called
// with the lock held and after the phase commit, so a caller that gets a
// fresh mutex still reads the terminal phase and skips.
func (e *Engine) forget(projectID string) {
	e.locks.Delete(projectID)
}

func validateProject(p domain.Project) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidProject)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProject)
	case p.StartAt.IsZero() || p.EndAt.IsZero():
		return fmt.Errorf("%w: start and end are required", ErrInvalidProject)
	case p.EndAt.Before(p.StartAt):
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidProject, p.EndAt.Format(time.RFC3339), p.StartAt.Format(time.RFC3339))
	}
	return nil
}

// Admit stores p with an ACTIVE process started at processStart and
// evaluates its definition. The process is returned even when evaluation
// fails; it stays ACTIVE and is picked up by the next recovery pass.
func (e *Engine) Admit(ctx context.Context, p domain.Project, processStart time.Time) (domain.Process, error) {
	return e.AdmitAs(ctx, p, processStart, "")
}

// AdmitAs is Admit with the admitting actor recorded in the audit log.
func (e *Engine) AdmitAs(ctx context.Context, p domain.Project, processStart time.Time, actorID string) (domain.Process, error) {
	if err := validateProject(p); err != nil {
		return domain.Process{}, err
	}
	now := e.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if processStart.IsZero() {
		processStart = now
	}
	proc := domain.Process{
		ProjectID:    p.ID,
		Phase:        domain.PhaseActive,
		ProcessStart: processStart,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Process{}, fmt.Errorf("%w: %s", ErrAlreadyAdmitted, p.ID)
		}
		return domain.Process{}, err
	}
	if err := e.Repo.InsertProcessTx(ctx, tx, proc); err != nil {
		return domain.Process{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProcessAdmitted, p.ID, "process", p.ID, actorID, events.EventPayload{
		"process_start": processStart.UTC().Format(time.RFC3339),
		"start_at":      p.StartAt.UTC().Format(time.RFC3339),
		"end_at":        p.EndAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	e.log().Info("project admitted", "project", p.ID, "process_start", processStart, "actor", actorID)

	if err := e.evaluate(ctx, p, proc); err != nil {
		return proc, err
	}
	return e.Repo.GetProcess(ctx, p.ID)
}

// Start is the recovery pass: it re-evaluates every ACTIVE process.
// Failures are collected per project and do not stop the pass.
func (e *Engine) Start(ctx context.Context) error {
	procs, err := e.Repo.ListProcessesByPhase(ctx, domain.PhaseActive)
	if err != nil {
		return fmt.Errorf("load active processes: %w", err)
	}
	e.log().Info("recovery started", "active", len(procs))
	var errs []error
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		p, err := e.Repo.GetProject(ctx, proc.ProjectID)
		if err == nil {
			err = e.evaluate(ctx, p, proc)
		}
		if err != nil {
			e.log().Error("recovery failed", "project", proc.ProjectID, "err", err)
			errs = append(errs, fmt.Errorf("recover %s: %w", proc.ProjectID, err))
		}
	}
	e.log().Info("recovery finished", "active", len(procs), "failed", len(errs), "timers", e.Timers.Len())
	return errors.Join(errs...)
}

// Evaluate replays the definition for one project.
func (e *Engine) Evaluate(ctx context.Context, projectID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	proc, err := e.Repo.GetProcess(ctx, projectID)
	if err != nil {
		return err
	}
	if proc.Phase.Terminal() {
		e.log().Debug("process not active, nothing to evaluate", "project", projectID, "phase", proc.Phase)
		return nil
	}
	return e.evaluate(ctx, p, proc)
}

// Plan returns the steps p would run for a process started at processStart.
func (e *Engine) Plan(p domain.Project, processStart time.Time) []definition.Step {
	return definition.Plan(e.Calc, p.StartAt, p.EndAt, processStart)
}

// Run fires registered timers until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.Timers.Run(ctx)
}

func (e *Engine) evaluate(ctx context.Context, p domain.Project, proc domain.Process) error {
	ledger, err := e.Repo.ListActivities(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", p.ID, err)
	}
	return e.walk(ctx, p, e.Plan(p, proc.ProcessStart), ledger)
}

// walk turns steps into side effects in declaration order. ledger is a
// snapshot used to avoid registering timers for logged steps; the
// authoritative check happens under the project lock.
func (e *Engine) walk(ctx context.Context, p domain.Project, steps []definition.Step, ledger domain.Ledger) error {
	for _, s := range steps {
		var err error
		switch s := s.(type) {
		case definition.Immediate:
			err = e.runStep(ctx, p, s.Name, actionBody(s.Action))
		case definition.Scheduled:
			if ledger.Has(s.Name) {
				continue
			}
			body := actionBody(s.Action)
			err = e.scheduleAt(ctx, p, s.Name, s.At, func(ctx context.Context) error {
				return e.runStep(ctx, p, s.Name, body)
			})
		case definition.Conditional:
			thunk := func(ctx context.Context) error { return e.runCheck(ctx, p, s) }
			if ledger.Has(s.Name) {
				err = thunk(ctx)
			} else {
				err = e.scheduleAt(ctx, p, s.Name, s.At, thunk)
			}
		default:
			err = fmt.Errorf("unknown step type %T", s)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// scheduleAt runs thunk now when at has passed and registers it otherwise.
func (e *Engine) scheduleAt(ctx context.Context, p domain.Project, name string, at time.Time, thunk func(context.Context) error) error {
	if !at.After(e.now()) {
		return thunk(ctx)
	}
	key := p.ID + "/" + name
	added := e.Timers.Schedule(at, key, func(ctx context.Context) {
		if err := thunk(ctx); err != nil {
			e.log().Error("scheduled step failed to persist", "project", p.ID, "step", name, "err", err)
		}
	})
	if added {
		e.log().Debug("step scheduled", "project", p.ID, "step", name, "at", at)
	}
	return nil
}

type stepBody func(ctx context.Context, sb *Sandbox) (string, error)

func actionBody(a definition.Action) stepBody {
	switch a.Kind {
	case definition.ActionNotify:
		return func(ctx context.Context, sb *Sandbox) (string, error) {
			return sb.Notify(ctx, a.Mail, a.Variant)
		}
	case definition.ActionFinish:
		return func(ctx context.Context, sb *Sandbox) (string, error) {
			answered, err := sb.CheckSignal(ctx, a.Survey)
			if err != nil {
				return "", err
			}
			var out []string
			if !answered {
				res, err := sb.RaiseAlert(ctx, fmt.Sprintf("no responses to %s survey", a.Survey))
				if err != nil {
					return "", err
				}
				out = append(out, res)
			}
			out = append(out, sb.Finish())
			return strings.Join(out, "; "), nil
		}
	}
	return func(context.Context, *Sandbox) (string, error) {
		return "", fmt.Errorf("unknown action %q", a.Kind)
	}
}

// runStep executes body once for name over the lifetime of the process.
func (e *Engine) runStep(ctx context.Context, p domain.Project, name string, body stepBody) error {
	_, _, err := e.execute(ctx, p, name, body)
	return err
}

// runCheck records whether a survey has responses and continues with the
// matching branch. A recorded outcome is reused without asking again.
func (e *Engine) runCheck(ctx context.Context, p domain.Project, c definition.Conditional) error {
	act, ok, err := e.execute(ctx, p, c.Name, func(ctx context.Context, sb *Sandbox) (string, error) {
		answered, err := sb.CheckSignal(ctx, c.Survey)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(answered), nil
	})
	if err != nil || !ok || act.Failed() {
		return err
	}
	answered, err := strconv.ParseBool(act.Result)
	if err != nil {
		return fmt.Errorf("check %s for %s: stored outcome %q: %w", c.Name, p.ID, act.Result, err)
	}
	branch := c.OnFalse
	if answered {
		branch = c.OnTrue
	}
	ledger, err := e.Repo.ListActivities(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", p.ID, err)
	}
	return e.walk(ctx, p, branch, ledger)
}

// execute returns the ledger record for name, running body first if name
// has not been logged. ok is false when the process is no longer ACTIVE
// and the step was skipped.
func (e *Engine) execute(ctx context.Context, p domain.Project, name string, body stepBody) (domain.Activity, bool, error) {
	unlock := e.lock(p.ID)
	defer unlock()

	ledger, err := e.Repo.ListActivities(ctx, p.ID)
	if err != nil {
		return domain.Activity{}, false, fmt.Errorf("load ledger %s: %w", p.ID, err)
	}
	if act, ok := ledger.Lookup(name); ok {
		e.log().Debug("step already logged", "project", p.ID, "step", name)
		return act, true, nil
	}
	proc, err := e.Repo.GetProcess(ctx, p.ID)
	if err != nil {
		return domain.Activity{}, false, fmt.Errorf("load process %s: %w", p.ID, err)
	}
	if proc.Phase != domain.PhaseActive {
		e.log().Info("step skipped, process not active", "project", p.ID, "step", name, "phase", proc.Phase)
		return domain.Activity{}, false, nil
	}

	sb := &Sandbox{
		project:  p,
		step:     name,
		notifier: e.Notifier,
		signals:  e.Signals,
		alerter:  e.Alerter,
		log:      e.log(),
	}
	e.log().Info("step running", "project", p.ID, "step", name)
	result, runErr := body(ctx, sb)

	act := domain.Activity{
		ID:        e.newID(),
		ProcessID: p.ID,
		Name:      name,
		CreatedAt: e.now().UTC(),
	}
	if runErr != nil {
		act.Failure = runErr.Error()
	} else {
		act.Result = result
		if act.Result == "" {
			act.Result = "ok"
		}
	}
	if err := e.record(ctx, p, act, sb); err != nil {
		return domain.Activity{}, false, err
	}

	if runErr != nil {
		stepErr := &StepError{ProcessID: p.ID, Step: name, Err: runErr}
		e.log().Error("step failed", "project", p.ID, "step", name, "err", runErr)
		e.alert(ctx, p, stepErr.Error())
	} else if sb.finished {
		e.log().Info("process finished", "project", p.ID, "step", name)
	}
	if runErr != nil || sb.finished {
		e.forget(p.ID)
	}
	return act, true, nil
}

// record writes the activity, the resulting phase change and their audit
// events in one transaction.
func (e *Engine) record(ctx context.Context, p domain.Project, act domain.Activity, sb *Sandbox) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.AppendActivityTx(ctx, tx, act)
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", act.Name, p.ID, err)
	}
	if !inserted {
		return nil
	}
	for _, msg := range sb.alerts {
		if err := e.Events.Append(ctx, tx, events.AlertRaised, p.ID, "process", p.ID, "", events.EventPayload{"step": act.Name, "subject": msg}); err != nil {
			return err
		}
	}

	payload := events.EventPayload{"step": act.Name, "activity_id": act.ID}
	if len(sb.counts) > 0 {
		counts := map[string]int{}
		for k, v := range sb.counts {
			counts[string(k)] = v
		}
		payload["counts"] = counts
	}
	evt := events.StepSucceeded
	if act.Failed() {
		evt = events.StepFailed
		payload["failure"] = act.Failure
	} else {
		payload["result"] = act.Result
	}
	if err := e.Events.Append(ctx, tx, evt, p.ID, "activity", act.ID, "", payload); err != nil {
		return err
	}

	var phase domain.Phase
	switch {
	case act.Failed():
		phase = domain.PhaseFailed
	case sb.finished:
		phase = domain.PhaseFinished
	}
	if phase != "" {
		if err := e.Repo.SetPhaseTx(ctx, tx, p.ID, phase, act.CreatedAt); err != nil {
			return fmt.Errorf("set phase %s for %s: %w", phase, p.ID, err)
		}
		evtType := events.ProcessFinished
		if phase == domain.PhaseFailed {
			evtType = events.ProcessFailed
		}
		if err := e.Events.Append(ctx, tx, evtType, p.ID, "process", p.ID, "", events.EventPayload{"step": act.Name}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// alert is best effort: delivery and audit failures are only logged.
func (e *Engine) alert(ctx context.Context, p domain.Project, subject string) {
	evt := events.AlertRaised
	payload := events.EventPayload{"subject": subject}
	if err := e.Alerter.Raise(ctx, subject, p); err != nil {
		e.log().Warn("alert delivery failed", "project", p.ID, "subject", subject, "err", err)
		evt = events.AlertFailed
		payload["error"] = err.Error()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.log().Warn("alert not audited", "project", p.ID, "err", err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evt, p.ID, "process", p.ID, "", payload); err != nil {
		e.log().Warn("alert not audited", "project", p.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.log().Warn("alert not audited", "project", p.ID, "err", err)
	}
}

package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyline/internal/db"
	"surveyline/internal/domain"
	"surveyline/internal/migrate"
	"surveyline/internal/repo"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func setupRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func seedProcess(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertProjectTx(ctx, tx, domain.Project{
		ID:         id,
		Name:       "Project " + id,
		Categories: []string{"teaching", "lab"},
		StartAt:    t0,
		EndAt:      t0.AddDate(0, 0, 14),
		CreatedAt:  t0,
	}))
	require.NoError(t, r.InsertProcessTx(ctx, tx, domain.Process{
		ProjectID:    id,
		Phase:        domain.PhaseActive,
		ProcessStart: t0.AddDate(0, 0, -10),
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}))
	require.NoError(t, tx.Commit())
}

func TestProjectRoundTrip(t *testing.T) {
	r := setupRepo(t)
	seedProcess(t, r, "p1")

	p, err := r.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Project p1", p.Name)
	assert.Equal(t, []string{"teaching", "lab"}, p.Categories)
	assert.True(t, p.StartAt.Equal(t0))
	assert.True(t, p.EndAt.Equal(t0.AddDate(0, 0, 14)))

	_, err = r.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInsertProjectConflict(t *testing.T) {
	r := setupRepo(t)
	seedProcess(t, r, "p1")

	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = r.InsertProjectTx(ctx, tx, domain.Project{ID: "p1", Name: "again", StartAt: t0, EndAt: t0, CreatedAt: t0})
	assert.True(t, errors.Is(err, repo.ErrConflict), "got %v", err)
}

func TestAppendActivityIsIdempotentByName(t *testing.T) {
	r := setupRepo(t)
	seedProcess(t, r, "p1")
	ctx := context.Background()

	write := func(a domain.Activity) bool {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		inserted, err := r.AppendActivityTx(ctx, tx, a)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return inserted
	}

	assert.True(t, write(domain.Activity{ID: "a1", ProcessID: "p1", Name: "INFOMAIL_RETRO", Result: "sent", CreatedAt: t0}))
	assert.False(t, write(domain.Activity{ID: "a2", ProcessID: "p1", Name: "INFOMAIL_RETRO", Failure: "boom", CreatedAt: t0.Add(time.Hour)}))
	assert.True(t, write(domain.Activity{ID: "a3", ProcessID: "p1", Name: "REMINDER_1_RETRO", Failure: "smtp down", CreatedAt: t0.Add(time.Hour)}))

	ledger, err := r.ListActivities(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, "INFOMAIL_RETRO", ledger[0].Name)
	assert.Equal(t, "sent", ledger[0].Result)
	assert.True(t, ledger[1].Failed())

	a, err := r.GetActivity(ctx, "p1", "REMINDER_1_RETRO")
	require.NoError(t, err)
	assert.Equal(t, "smtp down", a.Failure)
}

func TestAppendActivityRejectsAmbiguousOutcome(t *testing.T) {
	r := setupRepo(t)
	seedProcess(t, r, "p1")
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = r.AppendActivityTx(ctx, tx, domain.Activity{ID: "a1", ProcessID: "p1", Name: "X", CreatedAt: t0})
	assert.Error(t, err)
	_, err = r.AppendActivityTx(ctx, tx, domain.Activity{ID: "a2", ProcessID: "p1", Name: "Y", Result: "ok", Failure: "bad", CreatedAt: t0})
	assert.Error(t, err)
}

func TestPhaseQueries(t *testing.T) {
	r := setupRepo(t)
	seedProcess(t, r, "p1")
	seedProcess(t, r, "p2")
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetPhaseTx(ctx, tx, "p2", domain.PhaseFailed, t0.Add(time.Minute)))
	assert.ErrorIs(t, r.SetPhaseTx(ctx, tx, "nope", domain.PhaseFailed, t0), repo.ErrNotFound)
	require.NoError(t, tx.Commit())

	active, err := r.ListProcessesByPhase(ctx, domain.PhaseActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ProjectID)

	p2, err := r.GetProcess(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, p2.Phase)

	counts, err := r.CountProcessesByPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.PhaseActive])
	assert.Equal(t, 1, counts[domain.PhaseFailed])

	_, err = r.ListProcessesByPhase(ctx, "")
	assert.Error(t, err)
}

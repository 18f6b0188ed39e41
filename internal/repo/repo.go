package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"surveyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id,name,COALESCE(contact_name,''),COALESCE(contact_email,''),categories_json,start_at,end_at,created_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                          domain.Project
		categories                 string
		startAt, endAt, createdAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.ContactName, &p.ContactEmail, &categories, &startAt, &endAt, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
		return p, fmt.Errorf("decode categories: %w", err)
	}
	if p.StartAt, err = parseTime(startAt); err != nil {
		return p, err
	}
	if p.EndAt, err = parseTime(endAt); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	categories := p.Categories
	if categories == nil {
		categories = []string{}
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,name,contact_name,contact_email,categories_json,start_at,end_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.ContactName), nullable(p.ContactEmail), string(data), formatTime(p.StartAt), formatTime(p.EndAt), formatTime(p.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY start_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const processColumns = `project_id,phase,process_start,created_at,updated_at`

func scanProcess(row rowScanner) (domain.Process, error) {
	var (
		p                                 domain.Process
		phase                             string
		processStart, createdAt, updatedAt string
	)
	err := row.Scan(&p.ProjectID, &phase, &processStart, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Phase = domain.Phase(phase)
	if p.ProcessStart, err = parseTime(processStart); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProcessTx(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO processes(project_id,phase,process_start,created_at,updated_at) VALUES (?,?,?,?,?)`,
		p.ProjectID, string(p.Phase), formatTime(p.ProcessStart), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("process %s: %w", p.ProjectID, ErrConflict)
	}
	return err
}

func (r Repo) GetProcess(ctx context.Context, projectID string) (domain.Process, error) {
	return getProcess(ctx, r.DB, projectID)
}

func (r Repo) GetProcessTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Process, error) {
	return getProcess(ctx, tx, projectID)
}

func getProcess(ctx context.Context, q queryer, projectID string) (domain.Process, error) {
	return scanProcess(q.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE project_id=?`, projectID))
}

// ListProcesses returns processes ordered by creation; an empty phase lists all.
func (r Repo) ListProcesses(ctx context.Context, phase domain.Phase) ([]domain.Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes`
	var args []any
	if phase != "" {
		query += ` WHERE phase=?`
		args = append(args, string(phase))
	}
	query += ` ORDER BY created_at ASC, project_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListProcessesByPhase is the recovery query.
func (r Repo) ListProcessesByPhase(ctx context.Context, phase domain.Phase) ([]domain.Process, error) {
	if phase == "" {
		return nil, errors.New("phase required")
	}
	return r.ListProcesses(ctx, phase)
}

func (r Repo) SetPhaseTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, at time.Time) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}
	res, err := tx.ExecContext(ctx, `UPDATE processes SET phase=?, updated_at=? WHERE project_id=?`, string(phase), formatTime(at), projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const activityColumns = `id,process_id,name,COALESCE(result,''),COALESCE(failure,''),created_at`

func scanActivity(row rowScanner) (domain.Activity, error) {
	var (
		a         domain.Activity
		createdAt string
	)
	err := row.Scan(&a.ID, &a.ProcessID, &a.Name, &a.Result, &a.Failure, &createdAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	return a, nil
}

// AppendActivityTx records a ledger entry. A second record under the same
// (process, name) is ignored and reported with inserted=false.
func (r Repo) AppendActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) (inserted bool, err error) {
	if a.Name == "" {
		return false, errors.New("activity name required")
	}
	if a.Failed() == (a.Result != "") {
		return false, fmt.Errorf("activity %s must carry exactly one of result or failure", a.Name)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO activities(id,process_id,name,result,failure,created_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(process_id,name) DO NOTHING`,
		a.ID, a.ProcessID, a.Name, nullable(a.Result), nullable(a.Failure), formatTime(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("append activity %s: %w", a.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append activity %s: rows affected: %w", a.Name, err)
	}
	return n > 0, nil
}

// ListActivities returns the ledger in write order.
func (r Repo) ListActivities(ctx context.Context, processID string) (domain.Ledger, error) {
	return listActivities(ctx, r.DB, processID)
}

func (r Repo) ListActivitiesTx(ctx context.Context, tx *sql.Tx, processID string) (domain.Ledger, error) {
	return listActivities(ctx, tx, processID)
}

func listActivities(ctx context.Context, q queryer, processID string) (domain.Ledger, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE process_id=? ORDER BY seq ASC`, processID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()
	ledger := domain.Ledger{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		ledger = append(ledger, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return ledger, nil
}

func (r Repo) GetActivity(ctx context.Context, processID, name string) (domain.Activity, error) {
	return scanActivity(r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE process_id=? AND name=?`, processID, name))
}

func (r Repo) CountProcessesByPhase(ctx context.Context) (map[domain.Phase]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase, COUNT(*) FROM processes GROUP BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Phase]int{}
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		res[domain.Phase(phase)] = n
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id greater than cursor in id order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// Package ingest turns uploaded project lists into validated projects.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"surveyline/internal/domain"
)

// Columns is the expected header, in any order. Only name, start and end
// are required.
var Columns = []string{"id", "name", "contact_name", "contact_email", "categories", "start", "end"}

// projectNamespace seeds ids derived from name and start.
var projectNamespace = uuid.MustParse("6f1c1a52-8f1e-4c43-9d6b-2c1b7b0d9a11")

// RowError is a validation failure on one data line.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *RowError) Unwrap() error { return e.Err }

// Parse reads projects from CSV. Rows that fail validation are reported
// together; valid rows are returned either way.
func Parse(r io.Reader, loc *time.Location) ([]domain.Project, error) {
	if loc == nil {
		loc = time.UTC
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, req := range []string{"name", "start", "end"} {
		if _, ok := idx[req]; !ok {
			return nil, fmt.Errorf("missing column %q", req)
		}
	}

	var (
		out  []domain.Project
		errs []error
		seen = map[string]int{}
	)
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return out, fmt.Errorf("read line %d: %w", line, err)
		}
		if blank(rec) {
			continue
		}
		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		p, err := build(get, loc)
		if err == nil {
			if prev, dup := seen[p.ID]; dup {
				err = fmt.Errorf("duplicate id %s (first on line %d)", p.ID, prev)
			}
		}
		if err != nil {
			errs = append(errs, &RowError{Line: line, Err: err})
			continue
		}
		seen[p.ID] = line
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func build(get func(string) string, loc *time.Location) (domain.Project, error) {
	p := domain.Project{
		ID:           get("id"),
		Name:         get("name"),
		ContactName:  get("contact_name"),
		ContactEmail: get("contact_email"),
		Categories:   splitCategories(get("categories")),
	}
	if p.Name == "" {
		return p, errors.New("name is required")
	}
	var err error
	if p.StartAt, err = ParseTime(get("start"), loc); err != nil {
		return p, fmt.Errorf("start: %w", err)
	}
	if p.EndAt, err = ParseTime(get("end"), loc); err != nil {
		return p, fmt.Errorf("end: %w", err)
	}
	if !p.EndAt.After(p.StartAt) {
		return p, errors.New("end must be after start")
	}
	if p.ContactEmail != "" && !strings.Contains(p.ContactEmail, "@") {
		return p, fmt.Errorf("invalid contact email %q", p.ContactEmail)
	}
	if p.ID == "" {
		p.ID = DeriveID(p.Name, p.StartAt)
	}
	return p, nil
}

func splitCategories(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ";") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ParseTime accepts RFC3339 instants and plain dates in loc.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", raw)
	}
	return t, nil
}

// DeriveID returns a stable id for a project without one.
func DeriveID(name string, start time.Time) string {
	key := strings.ToLower(strings.TrimSpace(name)) + "|" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(projectNamespace, []byte(key)).String()
}

package server

import (
	"encoding/json"
	"time"

	"surveyline/internal/definition"
	"surveyline/internal/domain"
)

// Request payloads

type AdmitProjectRequest struct {
	ID           *string    `json:"id,omitempty"`
	Name         string     `json:"name" minLength:"1"`
	ContactName  *string    `json:"contact_name,omitempty"`
	ContactEmail *string    `json:"contact_email,omitempty"`
	Categories   []string   `json:"categories,omitempty"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        time.Time  `json:"end_at"`
	ProcessStart *time.Time `json:"process_start,omitempty" doc:"When the process is considered started; defaults to now"`
}

// Responses

type ProjectSummaryResponse struct {
	domain.Project
	Phase domain.Phase `json:"phase,omitempty" enum:"ACTIVE,FINISHED,FAILED"`
}

type ProjectDetailResponse struct {
	Project domain.Project    `json:"project"`
	Process *domain.Process   `json:"process,omitempty"`
	Ledger  []domain.Activity `json:"ledger"`
}

type PlanStepResponse struct {
	Name    string     `json:"name"`
	Kind    string     `json:"kind" enum:"immediate,scheduled,check"`
	At      *time.Time `json:"at,omitempty" format:"date-time"`
	Detail  string     `json:"detail"`
	Branch  string     `json:"branch,omitempty"`
	Depth   int        `json:"depth"`
	Done    bool       `json:"done"`
	Outcome string     `json:"outcome,omitempty"`
	Failed  bool       `json:"failed,omitempty"`
}

type PlanResponse struct {
	ProjectID    string             `json:"project_id"`
	ProcessStart time.Time          `json:"process_start" format:"date-time"`
	Steps        []PlanStepResponse `json:"steps"`
	Rendered     string             `json:"rendered"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectDetail(p domain.Project, proc *domain.Process, ledger domain.Ledger) ProjectDetailResponse {
	if ledger == nil {
		ledger = domain.Ledger{}
	}
	return ProjectDetailResponse{Project: p, Process: proc, Ledger: ledger}
}

func planResponse(projectID string, processStart time.Time, steps []definition.Step, ledger domain.Ledger) PlanResponse {
	rows := definition.Rows(steps)
	res := PlanResponse{
		ProjectID:    projectID,
		ProcessStart: processStart,
		Steps:        make([]PlanStepResponse, 0, len(rows)),
		Rendered:     definition.Render(steps),
	}
	for _, r := range rows {
		s := PlanStepResponse{
			Name:   r.Name,
			Kind:   r.Kind,
			At:     r.At,
			Detail: r.Detail,
			Branch: r.Branch,
			Depth:  r.Depth,
		}
		if a, ok := ledger.Lookup(r.Name); ok {
			s.Done = true
			s.Failed = a.Failed()
			s.Outcome = a.Result
			if a.Failed() {
				s.Outcome = a.Failure
			}
		}
		res.Steps = append(res.Steps, s)
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

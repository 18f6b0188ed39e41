package domain

import "time"

// Phase is the lifecycle state of a project's process.
type Phase string

const (
	PhaseActive   Phase = "ACTIVE"
	PhaseFinished Phase = "FINISHED"
	PhaseFailed   Phase = "FAILED"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseActive, PhaseFinished, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether no further step may run in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseFailed
}

type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ContactName  string    `json:"contact_name,omitempty"`
	ContactEmail string    `json:"contact_email,omitempty"`
	Categories   []string  `json:"categories,omitempty"`
	StartAt      time.Time `json:"start_at" format:"date-time"`
	EndAt        time.Time `json:"end_at" format:"date-time"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type Process struct {
	ProjectID    string    `json:"project_id"`
	Phase        Phase     `json:"phase" enum:"ACTIVE,FINISHED,FAILED"`
	ProcessStart time.Time `json:"process_start" format:"date-time"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time `json:"updated_at" format:"date-time"`
}

// Activity is one ledger record. Exactly one of Result and Failure is set.
type Activity struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"process_id"`
	Name      string    `json:"name"`
	Result    string    `json:"result,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

func (a Activity) Failed() bool {
	return a.Failure != ""
}

// Ledger is the ordered activity list of one process.
type Ledger []Activity

// Lookup returns the activity recorded under name.
func (l Ledger) Lookup(name string) (Activity, bool) {
	for _, a := range l {
		if a.Name == name {
			return a, true
		}
	}
	return Activity{}, false
}

func (l Ledger) Has(name string) bool {
	_, ok := l.Lookup(name)
	return ok
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

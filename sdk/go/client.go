package surveylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal surveyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project is a funded project as admitted by the API.
type Project struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name"`
	ContactName  string    `json:"contact_name,omitempty"`
	ContactEmail string    `json:"contact_email,omitempty"`
	Categories   []string  `json:"categories,omitempty"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
}

// ProjectSummary is a list entry: the project and its process phase.
type ProjectSummary struct {
	Project
	Phase string `json:"phase"`
}

type Process struct {
	ProjectID    string    `json:"project_id"`
	Phase        string    `json:"phase"`
	ProcessStart time.Time `json:"process_start"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Activity is one ledger record; exactly one of Result and Failure is set.
type Activity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Result    string    `json:"result,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ProjectDetail struct {
	Project Project    `json:"project"`
	Process *Process   `json:"process,omitempty"`
	Ledger  []Activity `json:"ledger"`
}

type PlanStep struct {
	Name    string     `json:"name"`
	Kind    string     `json:"kind"`
	At      *time.Time `json:"at,omitempty"`
	Detail  string     `json:"detail"`
	Branch  string     `json:"branch,omitempty"`
	Depth   int        `json:"depth"`
	Done    bool       `json:"done"`
	Outcome string     `json:"outcome,omitempty"`
	Failed  bool       `json:"failed,omitempty"`
}

type Plan struct {
	ProjectID    string     `json:"project_id"`
	ProcessStart time.Time  `json:"process_start"`
	Steps        []PlanStep `json:"steps"`
	Rendered     string     `json:"rendered"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// AdmitProject admits p. A zero processStart lets the server use its clock.
func (c *Client) AdmitProject(ctx context.Context, p Project, processStart time.Time) (ProjectDetail, error) {
	body := struct {
		Project
		ProcessStart *time.Time `json:"process_start,omitempty"`
	}{Project: p}
	if !processStart.IsZero() {
		body.ProcessStart = &processStart
	}
	var resp ProjectDetail
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	var resp []ProjectSummary
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// GetProject returns the project with its process and ledger.
func (c *Client) GetProject(ctx context.Context, id string) (ProjectDetail, error) {
	var resp ProjectDetail
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Plan returns the evaluated decision tree of a project.
func (c *Client) Plan(ctx context.Context, id string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id)+"/plan", nil, &resp)
	return resp, err
}

// Processes lists processes; an empty phase lists all of them.
func (c *Client) Processes(ctx context.Context, phase string) ([]Process, error) {
	endpoint := "processes"
	if phase != "" {
		endpoint += "?phase=" + url.QueryEscape(phase)
	}
	var resp []Process
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns the first events after the start of the log.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally for one project.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, projectID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"surveyline/internal/definition"
	"surveyline/internal/domain"
)

// SurveyClient asks the survey service how many responses a project has.
type SurveyClient struct {
	BaseURL string
	Client  *http.Client
}

type countResponse struct {
	Count *int `json:"count"`
}

func (s *SurveyClient) Count(ctx context.Context, p domain.Project, survey definition.Survey) (int, error) {
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/projects/" + url.PathEscape(p.ID) + "/responses?survey=" + url.QueryEscape(string(survey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := client(s.Client).Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return 0, err
	}
	var out countResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode survey count: %w", err)
	}
	if out.Count == nil {
		return 0, fmt.Errorf("survey count missing in response")
	}
	if *out.Count < 0 {
		return 0, fmt.Errorf("negative survey count %d", *out.Count)
	}
	return *out.Count, nil
}

// NoSurvey reports zero responses when no survey service is configured.
type NoSurvey struct {
	Logger *slog.Logger
}

func (n NoSurvey) Count(_ context.Context, p domain.Project, survey definition.Survey) (int, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("no survey service configured, assuming no responses", "project", p.ID, "survey", string(survey))
	return 0, nil
}

package adrksdk

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

// Client is a minimal adrkeeper HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Option struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
}

type CodeReference struct {
	ID          string `json:"id,omitempty"`
	Path        string `json:"path"`
	Snippet     string `json:"snippet,omitempty"`
	Description string `json:"description,omitempty"`
}

type StatusChange struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
}

// Decision represents the API decision record model.
type Decision struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Status         string          `json:"status"`
	Problem        string          `json:"problem"`
	Context        string          `json:"context"`
	Decision       string          `json:"decision"`
	Outcome        string          `json:"outcome"`
	Options        []Option        `json:"options"`
	Tags           []string        `json:"tags"`
	RelatedADRs    []string        `json:"related_adrs"`
	CodeReferences []CodeReference `json:"code_references"`
	ProjectID      *string         `json:"project_id,omitempty"`
	StatusHistory  []StatusChange  `json:"status_history"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DecisionInput is the body for creating a decision record. Only Title is required.
type DecisionInput struct {
	Title          string          `json:"title"`
	Status         string          `json:"status,omitempty"`
	Problem        string          `json:"problem,omitempty"`
	Context        string          `json:"context,omitempty"`
	Decision       string          `json:"decision,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	Options        []Option        `json:"options,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	RelatedADRs    []string        `json:"related_adrs,omitempty"`
	CodeReferences []CodeReference `json:"code_references,omitempty"`
	ProjectID      string          `json:"project_id,omitempty"`
}

// DecisionPatch changes only the non-nil fields.
type DecisionPatch struct {
	Title           *string          `json:"title,omitempty"`
	Status          *string          `json:"status,omitempty"`
	Problem         *string          `json:"problem,omitempty"`
	Context         *string          `json:"context,omitempty"`
	Decision        *string          `json:"decision,omitempty"`
	Outcome         *string          `json:"outcome,omitempty"`
	Options         *[]Option        `json:"options,omitempty"`
	Tags            *[]string        `json:"tags,omitempty"`
	RelatedADRs     *[]string        `json:"related_adrs,omitempty"`
	CodeReferences  *[]CodeReference `json:"code_references,omitempty"`
	ProjectID       *string          `json:"project_id,omitempty"`
	ExpectedVersion *int64           `json:"expected_version,omitempty"`
}

type DecisionFilters struct {
	Status    string
	ProjectID string
	Tag       string
}

type Insight struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Content        string          `json:"content"`
	Tags           []string        `json:"tags"`
	CodeReferences []CodeReference `json:"code_references"`
	ADRID          *string         `json:"adr_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type InsightInput struct {
	Title          string          `json:"title"`
	Content        string          `json:"content,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	CodeReferences []CodeReference `json:"code_references,omitempty"`
	ADRID          string          `json:"adr_id,omitempty"`
}

type Promotion struct {
	Decision Decision `json:"decision"`
	Insight  Insight  `json:"insight"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDecision creates a decision record.
func (c *Client) CreateDecision(ctx context.Context, in DecisionInput) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "decisions", in, &resp)
	return resp, err
}

func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, "decisions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListDecisions(ctx context.Context, f DecisionFilters) ([]Decision, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.ProjectID != "" {
		q.Set("project_id", f.ProjectID)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	var resp []Decision
	err := c.do(ctx, http.MethodGet, withQuery("decisions", q), nil, &resp)
	return resp, err
}

func (c *Client) PatchDecision(ctx context.Context, id string, p DecisionPatch) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPatch, "decisions/"+url.PathEscape(id), p, &resp)
	return resp, err
}

// TransitionStatus moves a decision record to status, recording reason in its history.
// A non-nil expectedVersion makes the call fail with 409 when the record has moved on.
func (c *Client) TransitionStatus(ctx context.Context, id, status, reason string, expectedVersion *int64) (Decision, error) {
	body := map[string]any{
		"status": status,
		"reason": reason,
	}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "decisions/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

func (c *Client) DecisionHistory(ctx context.Context, id string) ([]StatusChange, error) {
	var resp []StatusChange
	err := c.do(ctx, http.MethodGet, "decisions/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

func (c *Client) DeleteDecision(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "decisions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateInsight(ctx context.Context, in InsightInput) (Insight, error) {
	var resp Insight
	err := c.do(ctx, http.MethodPost, "insights", in, &resp)
	return resp, err
}

// ConvertInsight links an insight to a decision record, replacing any previous link.
func (c *Client) ConvertInsight(ctx context.Context, id, adrID string) (Insight, error) {
	var resp Insight
	err := c.do(ctx, http.MethodPost, "insights/"+url.PathEscape(id)+"/convert", map[string]string{"adr_id": adrID}, &resp)
	return resp, err
}

// PromoteInsight creates a decision record drafted from the insight. overrides may be nil.
func (c *Client) PromoteInsight(ctx context.Context, id string, overrides *DecisionInput) (Promotion, error) {
	var body any
	if overrides != nil {
		body = overrides
	}
	var resp Promotion
	err := c.do(ctx, http.MethodPost, "insights/"+url.PathEscape(id)+"/promote", body, &resp)
	return resp, err
}

// ListInsightsByADR returns insights converted into the decision record adrID.
func (c *Client) ListInsightsByADR(ctx context.Context, adrID string) ([]Insight, error) {
	var resp []Insight
	err := c.do(ctx, http.MethodGet, withQuery("insights", url.Values{"adr_id": {adrID}}), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}

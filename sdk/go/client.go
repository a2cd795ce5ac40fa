package handoffsdk

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

	"github.com/hashicorp/go-retryablehttp"
)

// Client is a minimal Handoff HTTP API client. Reads are retried with
// backoff; writes go out exactly once so a save is never duplicated.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	retry *retryablehttp.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Assignment represents one held area assignment.
type Assignment struct {
	ID         string  `json:"id"`
	PositionID string  `json:"position_id"`
	FacilityID string  `json:"facility_id"`
	Position   string  `json:"position"`
	IsActive   bool    `json:"is_active"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
}

// AssignmentList is the assignments listing with the active id.
type AssignmentList struct {
	Items    []Assignment `json:"items"`
	ActiveID string       `json:"active_id"`
}

// StepStatus reports one step of an assignment's form.
type StepStatus struct {
	Visited  bool `json:"visited"`
	Complete bool `json:"complete"`
}

// SessionState is the per-user console state.
type SessionState struct {
	ActiveID   string                  `json:"active_id"`
	Step       int                     `json:"step"`
	ShowErrors bool                    `json:"show_errors"`
	Statuses   map[string][]bool       `json:"statuses"`
	Steps      map[string][]StepStatus `json:"steps"`
}

// FieldError flags a field's main value and extents as invalid.
type FieldError struct {
	Main    bool            `json:"main"`
	Extents map[string]bool `json:"extents,omitempty"`
}

// StepValues is one step's value objects with validation state.
type StepValues struct {
	AssignmentID string                    `json:"assignment_id"`
	Step         int                       `json:"step"`
	Values       map[string]map[string]any `json:"values"`
	Errors       map[string]FieldError     `json:"errors"`
	CanSave      bool                      `json:"can_save"`
}

// SaveResult is the outcome of an explicit save.
type SaveResult struct {
	Saved              bool     `json:"saved"`
	ValidationMessages []string `json:"validation_messages"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	AssignmentID string         `json:"assignment_id"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login mints a dev token and stores it on the client.
func (c *Client) Login(ctx context.Context, username string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"username": username}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// Assignments lists the open assignments.
func (c *Client) Assignments(ctx context.Context) (AssignmentList, error) {
	var resp AssignmentList
	err := c.get(ctx, "v0/assignments", &resp)
	return resp, err
}

// StartAssignment opens an assignment for a position.
func (c *Client) StartAssignment(ctx context.Context, positionID, position string) (Assignment, error) {
	body := map[string]any{
		"position_id": positionID,
		"position":    position,
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v0/assignments", body, &resp)
	return resp, err
}

// EndAssignment closes an assignment.
func (c *Client) EndAssignment(ctx context.Context, id string) (AssignmentList, error) {
	var resp AssignmentList
	endpoint := fmt.Sprintf("v0/assignments/%s/end", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Session returns the current console state.
func (c *Client) Session(ctx context.Context) (SessionState, error) {
	var resp SessionState
	err := c.get(ctx, "v0/session", &resp)
	return resp, err
}

// SetActive switches the active assignment.
func (c *Client) SetActive(ctx context.Context, assignmentID string) (SessionState, error) {
	var resp SessionState
	err := c.do(ctx, http.MethodPut, "v0/session/active", map[string]any{"assignment_id": assignmentID}, &resp)
	return resp, err
}

// SetStep moves the active assignment to a step.
func (c *Client) SetStep(ctx context.Context, step int) (SessionState, error) {
	var resp SessionState
	err := c.do(ctx, http.MethodPut, "v0/session/step", map[string]any{"step": step}, &resp)
	return resp, err
}

// SetValue records one field edit on the active assignment's current step.
// Pass key "" for the main value or an extent name for a sub-field.
func (c *Client) SetValue(ctx context.Context, field, key string, value any) (StepValues, error) {
	body := map[string]any{
		"field": field,
		"value": value,
	}
	if key != "" {
		body["key"] = key
	}
	var resp StepValues
	err := c.do(ctx, http.MethodPatch, "v0/session/values", body, &resp)
	return resp, err
}

// StepValuesFor returns one step's values and validation state.
func (c *Client) StepValuesFor(ctx context.Context, assignmentID string, step int) (StepValues, error) {
	var resp StepValues
	endpoint := fmt.Sprintf("v0/assignments/%s/steps/%d", url.PathEscape(assignmentID), step)
	err := c.get(ctx, endpoint, &resp)
	return resp, err
}

// Save performs the explicit terminal save for an assignment.
func (c *Client) Save(ctx context.Context, assignmentID string) (SaveResult, error) {
	var resp SaveResult
	endpoint := fmt.Sprintf("v0/assignments/%s/save", url.PathEscape(assignmentID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Template fetches the form template for a position.
func (c *Client) Template(ctx context.Context, positionID string, out any) error {
	endpoint := fmt.Sprintf("v0/templates/%s", url.PathEscape(positionID))
	return c.get(ctx, endpoint, out)
}

// Templates lists the known position template ids.
func (c *Client) Templates(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.get(ctx, "v0/templates", &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int, assignmentID string) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if assignmentID != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%sassignment_id=%s", endpoint, sep, url.QueryEscape(assignmentID))
	}
	var resp []Event
	err := c.get(ctx, endpoint, &resp)
	return resp, err
}

// get issues an idempotent read through the retrying client.
func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	if c.retry == nil {
		c.retry = retryablehttp.NewClient()
		c.retry.RetryMax = 3
		c.retry.Logger = nil
		c.retry.HTTPClient.Timeout = c.Timeout
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// do issues a write exactly once.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
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
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

package siteflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal siteflow HTTP API client. The tenant is implied by the
// credentials.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Template represents the API template model.
type Template struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Version represents a template version with its steps.
type Version struct {
	ID          string    `json:"id"`
	TemplateID  string    `json:"template_id"`
	Version     string    `json:"version"`
	PublishedAt *string   `json:"published_at,omitempty"`
	Steps       []StepDef `json:"steps,omitempty"`
}

type StepDef struct {
	ID        string     `json:"id"`
	StepKey   string     `json:"step_key"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	DependsOn []string   `json:"depends_on,omitempty"`
	SLAHours  *int       `json:"sla_hours,omitempty"`
	Fields    []FieldDef `json:"fields,omitempty"`
}

type FieldDef struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// StepSpec defines a step when adding it to a draft version.
type StepSpec struct {
	Key       string      `json:"key"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	DependsOn []string    `json:"depends_on,omitempty"`
	SLAHours  *int        `json:"sla_hours,omitempty"`
	Fields    []FieldSpec `json:"fields,omitempty"`
}

// FieldSpec defines a field when adding it to a draft step.
type FieldSpec struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
	Rules    string `json:"rules,omitempty"`
}

type Instance struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	TemplateID string         `json:"template_id"`
	VersionID  string         `json:"version_id"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Steps      []Step         `json:"steps,omitempty"`
}

// Step is a step instance.
type Step struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	StepKey    string  `json:"step_key"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Assignee   *string `json:"assignee,omitempty"`
	Deadline   *string `json:"deadline,omitempty"`
}

// StepByKey returns the instance's step with the given key.
func (in Instance) StepByKey(key string) (Step, bool) {
	for _, s := range in.Steps {
		if s.StepKey == key {
			return s, true
		}
	}
	return Step{}, false
}

type FieldValue struct {
	FieldKey string          `json:"field_key"`
	Type     string          `json:"type"`
	String   *string         `json:"string,omitempty"`
	Number   *float64        `json:"number,omitempty"`
	Date     *string         `json:"date,omitempty"`
	DateTime *string         `json:"datetime,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
}

type Approval struct {
	ID             string  `json:"id"`
	StepInstanceID string  `json:"step_instance_id"`
	Decision       string  `json:"decision"`
	Comment        string  `json:"comment,omitempty"`
	RequestedBy    string  `json:"requested_by"`
	ApprovedBy     *string `json:"approved_by,omitempty"`
}

// Event represents an outbox entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code is the error code from the response
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTemplate creates a template.
func (c *Client) CreateTemplate(ctx context.Context, code, name string) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, "templates", map[string]any{"code": code, "name": name}, &resp)
	return resp, err
}

// ListTemplates returns templates, optionally filtered by status.
func (c *Client) ListTemplates(ctx context.Context, status string) ([]Template, error) {
	var resp struct {
		Items []Template `json:"items"`
	}
	endpoint := "templates"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// DraftVersion starts a draft version; an empty version picks the next minor.
func (c *Client) DraftVersion(ctx context.Context, templateID, version string, cloneLatest bool) (Version, error) {
	body := map[string]any{"clone_latest": cloneLatest}
	if version != "" {
		body["version"] = version
	}
	var resp Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("templates/%s/versions", url.PathEscape(templateID)), body, &resp)
	return resp, err
}

// ImportVersion creates a draft version from a YAML document.
func (c *Client) ImportVersion(ctx context.Context, templateID, document string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("templates/%s/import", url.PathEscape(templateID)), map[string]any{"document": document}, &resp)
	return resp, err
}

func (c *Client) GetVersion(ctx context.Context, id string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodGet, "versions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddStep adds a step, with its fields, to a draft version.
func (c *Client) AddStep(ctx context.Context, versionID string, step StepSpec) (StepDef, error) {
	var resp StepDef
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("versions/%s/steps", url.PathEscape(versionID)), step, &resp)
	return resp, err
}

func (c *Client) AddField(ctx context.Context, stepDefID string, field FieldSpec) (FieldDef, error) {
	var resp FieldDef
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("step-defs/%s/fields", url.PathEscape(stepDefID)), field, &resp)
	return resp, err
}

// Publish freezes a draft version.
func (c *Client) Publish(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("versions/%s/publish", url.PathEscape(versionID)), nil, &resp)
	return resp, err
}

// StartInstance instantiates a published version for a project.
func (c *Client) StartInstance(ctx context.Context, projectID, versionID string, attributes map[string]any) (Instance, error) {
	body := map[string]any{"project_id": projectID, "version_id": versionID}
	if attributes != nil {
		body["attributes"] = attributes
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "instances", body, &resp)
	return resp, err
}

func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CancelInstance(ctx context.Context, id, reason string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%s/cancel", url.PathEscape(id)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Progress moves a step to status.
func (c *Client) Progress(ctx context.Context, stepID, status string) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("steps/%s/progress", url.PathEscape(stepID)), map[string]any{"status": status}, &resp)
	return resp, err
}

// Skip skips a step and returns every step skipped with it.
func (c *Client) Skip(ctx context.Context, stepID, reason string) ([]Step, error) {
	var resp struct {
		Skipped []Step `json:"skipped"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("steps/%s/skip", url.PathEscape(stepID)), map[string]any{"reason": reason}, &resp)
	return resp.Skipped, err
}

func (c *Client) Assign(ctx context.Context, stepID, assignee string) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("steps/%s/assign", url.PathEscape(stepID)), map[string]any{"assignee": assignee}, &resp)
	return resp, err
}

// SetValue writes a field value on a step.
func (c *Client) SetValue(ctx context.Context, stepID, fieldKey string, value any) (FieldValue, error) {
	var resp FieldValue
	endpoint := fmt.Sprintf("steps/%s/values/%s", url.PathEscape(stepID), url.PathEscape(fieldKey))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) ListValues(ctx context.Context, stepID string) ([]FieldValue, error) {
	var resp struct {
		Items []FieldValue `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("steps/%s/values", url.PathEscape(stepID)), nil, &resp)
	return resp.Items, err
}

// RequestApproval opens an approval on a step.
func (c *Client) RequestApproval(ctx context.Context, stepID, comment string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("steps/%s/approvals", url.PathEscape(stepID)), map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Decide records approved or rejected on a pending approval.
func (c *Client) Decide(ctx context.Context, approvalID, decision, comment string) (Approval, error) {
	var resp Approval
	body := map[string]any{"decision": decision, "comment": comment}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decide", url.PathEscape(approvalID)), body, &resp)
	return resp, err
}

// Overdue lists open steps past their deadline.
func (c *Client) Overdue(ctx context.Context, limit int) ([]Step, error) {
	var resp struct {
		Items []Step `json:"items"`
	}
	endpoint := "reports/overdue"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a page of events, newest first. Pass the previous
// page's NextCursor to continue.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
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
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

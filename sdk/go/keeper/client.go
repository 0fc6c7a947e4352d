package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainKeeper REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Trigger mirrors the task trigger configuration accepted by the API.
type Trigger struct {
	Type            string `json:"type"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	CronExpr        string `json:"cron_expr,omitempty"`
	EventAddress    string `json:"event_address,omitempty"`
	EventTopic      string `json:"event_topic,omitempty"`
}

// CheckerSpec mirrors the evaluation configuration accepted by the API.
type CheckerSpec struct {
	TimeField       string   `json:"time_field,omitempty"`
	IntervalSeconds int64    `json:"interval_seconds"`
	GasCeilingWei   string   `json:"gas_ceiling_wei,omitempty"`
	ExecABI         string   `json:"exec_abi"`
	ExecMethod      string   `json:"exec_method"`
	SubTargets      []string `json:"sub_targets,omitempty"`
	BudgetUnits     uint64   `json:"budget_units,omitempty"`
}

// TaskSubmission represents the payload required to register a new task.
type TaskSubmission struct {
	ID            string      `json:"id,omitempty"`
	Name          string      `json:"name"`
	ChainName     string      `json:"chain_name,omitempty"`
	TargetAddress string      `json:"target_address"`
	Trigger       Trigger     `json:"trigger"`
	Checker       CheckerSpec `json:"checker"`
}

// Task describes a registered task as reported by the API.
type Task struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	ChainName       string      `json:"chain_name,omitempty"`
	TargetAddress   string      `json:"target_address"`
	Trigger         Trigger     `json:"trigger"`
	Checker         CheckerSpec `json:"checker"`
	Status          string      `json:"status"`
	Evaluations     int64       `json:"evaluations"`
	Executions      int64       `json:"executions"`
	LastReason      string      `json:"last_reason,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	LastEvaluatedAt int64       `json:"last_evaluated_at,omitempty"`
	LastExecutedAt  int64       `json:"last_executed_at,omitempty"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

// Decision describes one evaluation outcome of a task.
type Decision struct {
	TaskID      string `json:"task_id"`
	ChainName   string `json:"chain_name,omitempty"`
	CanExec     bool   `json:"can_exec"`
	PayloadHex  string `json:"payload_hex,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CostUnits   uint64 `json:"cost_units"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash,omitempty"`
	EvaluatedAt int64  `json:"evaluated_at"`
}

// Stats aggregates task counters as reported by the API.
type Stats struct {
	Total            int   `json:"total"`
	Active           int   `json:"active"`
	Paused           int   `json:"paused"`
	Disabled         int   `json:"disabled"`
	TotalEvaluations int64 `json:"total_evaluations"`
	TotalExecutions  int64 `json:"total_executions"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("keeper api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("keeper api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainKeeper API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitTask registers a new task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks returns registered tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := "/api/v1/tasks"
	values := url.Values{}
	if status != "" {
		values.Set("status", status)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// PauseTask stops trigger evaluation for the given task.
func (c *Client) PauseTask(ctx context.Context, taskID string) (Task, error) {
	var updated Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/pause", nil, &updated); err != nil {
		return Task{}, err
	}
	return updated, nil
}

// ResumeTask re-enables trigger evaluation for a paused task.
func (c *Client) ResumeTask(ctx context.Context, taskID string) (Task, error) {
	var updated Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/resume", nil, &updated); err != nil {
		return Task{}, err
	}
	return updated, nil
}

// ListDecisions returns the most recent evaluation decisions for a task.
func (c *Client) ListDecisions(ctx context.Context, taskID string, limit int) ([]Decision, error) {
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/decisions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var decisions []Decision
	if err := c.get(ctx, endpoint, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// GetStats returns aggregated task statistics.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package remote talks to the task backend's REST API.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"protracker/board"
	"protracker/domain"
	"protracker/visibility"
)

var ErrUnsupportedView = errors.New("view has no backend endpoint")

const (
	requestIDHeader = "X-Request-ID"
	maxErrorBody    = 4 << 10
)

// envelope is the backend's response wrapper. Success is optional; a 2xx
// without it is a success.
type envelope struct {
	Success *bool                  `json:"success,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    sonic.NoCopyRawMessage `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Client wraps http.Client with the backend's auth and envelope conventions.
// It serves as both board.Fetcher and board.TaskService.
type Client struct {
	baseURL string
	bearer  string
	http    *http.Client
	filter  visibility.Filter
	logger  *log.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBearer sets the access token sent with every request.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithFilter decorates every view fetch with the filter's query parameters.
func WithFilter(f visibility.Filter) Option {
	return func(c *Client) { c.filter = f }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for baseURL, e.g. "https://tracker.example.com/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchView loads the tasks of a view from its backend endpoint.
func (c *Client) FetchView(ctx context.Context, key board.ViewKey) ([]domain.Task, error) {
	return c.FetchFiltered(ctx, key, c.filter)
}

// FetchFiltered is FetchView with f in place of the client's own filter. f
// must already include the caller's mandatory scope.
func (c *Client) FetchFiltered(ctx context.Context, key board.ViewKey, f visibility.Filter) ([]domain.Task, error) {
	path, err := viewPath(key)
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, path, f.Values(), nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// UpdateStatus moves a task to another column.
func (c *Client) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	body := struct {
		Status domain.Status `json:"status"`
	}{Status: status}
	return c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskID)+"/status", nil, body, nil)
}

// GetTask loads one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, &t)
	return t, err
}

// TasksEmail asks the backend to mail a task report.
type TasksEmail struct {
	To          []string `json:"to"`
	CC          []string `json:"cc,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Regards     string   `json:"regards,omitempty"`
	Department  string   `json:"department,omitempty"`
	EmployeeIDs []string `json:"employeeIds,omitempty"`
	BrandID     string   `json:"brandId,omitempty"`
	ProjectID   string   `json:"projectId,omitempty"`
}

type EmailReport struct {
	TasksCount int      `json:"tasksCount"`
	Accepted   []string `json:"accepted"`
	Rejected   []string `json:"rejected"`
}

func (c *Client) SendTasksEmail(ctx context.Context, req TasksEmail) (EmailReport, error) {
	var rep EmailReport
	err := c.do(ctx, http.MethodPost, "/tasks/send-email", nil, req, &rep)
	return rep, err
}

// Invite grants an external collaborator access to a brand or project.
type Invite struct {
	Email      string `json:"email"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
}

func (c *Client) Invite(ctx context.Context, inv Invite) error {
	return c.do(ctx, http.MethodPost, "/auth/invite", nil, inv, nil)
}

// DashboardStats loads the aggregate counts, narrowed by the client's filter.
func (c *Client) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	var stats domain.DashboardStats
	err := c.do(ctx, http.MethodGet, "/dashboard/stats", c.filter.Values(), nil, &stats)
	return stats, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(buf)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	empty := len(bytes.TrimSpace(raw)) == 0

	var env envelope
	var decodeErr error
	if !empty {
		decodeErr = sonic.Unmarshal(raw, &env)
	}
	if !ok || (decodeErr == nil && env.Success != nil && !*env.Success) {
		rerr := &domain.RemoteError{StatusCode: resp.StatusCode}
		if !empty && decodeErr == nil {
			rerr.Message = firstNonEmpty(env.Message, env.Error)
		}
		c.logger.WithFields(log.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
			"body":   truncate(raw, maxErrorBody),
		}).Debug("backend request failed")
		return rerr
	}
	if out == nil || empty {
		return nil
	}
	if decodeErr != nil || (env.Success == nil && len(env.Data) == 0) {
		// Not an envelope: the body is the payload itself.
		if err := sonic.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}

// viewPath maps a view key to the endpoint that serves it.
func viewPath(key board.ViewKey) (string, error) {
	seg := key.Segments()
	switch {
	case len(seg) == 1 && seg[0] == "tasks":
		return "/tasks", nil
	case len(seg) == 1 && seg[0] == "my-tasks":
		return "/tasks/my-tasks", nil
	case len(seg) == 2 && seg[0] == "tasks" && seg[1] == "assigned-by-me":
		return "/tasks/assigned-by-me", nil
	case len(seg) == 3 && seg[0] == "tasks" && seg[1] == "project" && seg[2] != "":
		return "/tasks/project/" + url.PathEscape(seg[2]), nil
	case len(seg) == 3 && seg[0] == "tasks" && seg[1] == "status":
		st, err := domain.ParseStatus(seg[2])
		if err != nil {
			return "", err
		}
		return "/tasks/status/" + string(st), nil
	case len(seg) == 1 && strings.HasPrefix(seg[0], "tasks-of-project-"):
		id := strings.TrimPrefix(seg[0], "tasks-of-project-")
		if id != "" {
			return "/tasks/project/" + url.PathEscape(id), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedView, key)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

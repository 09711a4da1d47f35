package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"protracker/board"
	"protracker/domain"
)

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// Tables stores tasks in an Azure table, partitioned by project. Project
// metadata lives in a second table partitioned by brand.
type Tables struct {
	tasks    *aztables.Client
	projects *aztables.Client
	owner    string
	logger   *log.Logger
}

// NewTables connects to the tasks table named table. An empty projectsTable
// leaves project lookups disabled.
func NewTables(connStr, table, projectsTable string, logger *log.Logger) (*Tables, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	t := &Tables{tasks: svc.NewClient(table), logger: logger}
	if projectsTable != "" {
		t.projects = svc.NewClient(projectsTable)
	}
	return t, nil
}

// HasProjects reports whether a projects table is configured.
func (t *Tables) HasProjects() bool {
	return t.projects != nil
}

// As returns a handle that resolves "my-tasks" for userID.
func (t *Tables) As(userID string) *Tables {
	cp := *t
	cp.owner = userID
	return &cp
}

type taskEntity struct {
	aztables.Entity
	ETag        string `json:"odata.etag,omitempty"`
	Title       string `json:"Title"`
	Description string `json:"Description,omitempty"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority,omitempty"`
	AssignedTo  string `json:"AssignedTo,omitempty"`
	DueDate     string `json:"DueDate,omitempty"`
	IsRecurring bool   `json:"IsRecurring"`
	Recurrence  string `json:"Recurrence,omitempty"`
	CreatedAt   string `json:"CreatedAt,omitempty"`
}

type statusUpdate struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Status       string `json:"Status"`
}

func entityFromTask(t domain.Task) taskEntity {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.ProjectID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssignedTo:  t.AssignedTo.UserID(),
		IsRecurring: t.IsRecurring,
		Recurrence:  t.Recurrence,
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	if t.CreatedAt != nil {
		ent.CreatedAt = t.CreatedAt.UTC().Format(time.RFC3339)
	}
	return ent
}

func (e taskEntity) task() domain.Task {
	t := domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		ProjectID:   e.PartitionKey,
		Status:      domain.Status(e.Status),
		Priority:    domain.Priority(e.Priority),
		AssignedTo:  domain.AssigneeRef(e.AssignedTo),
		IsRecurring: e.IsRecurring,
		Recurrence:  e.Recurrence,
	}
	if d, err := time.Parse(time.RFC3339, e.DueDate); err == nil {
		t.DueDate = &d
	}
	if c, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
		t.CreatedAt = &c
	}
	if ts := time.Time(e.Timestamp); !ts.IsZero() {
		t.UpdatedAt = &ts
	}
	return t
}

type projectEntity struct {
	aztables.Entity
	Name       string `json:"Name"`
	Company    string `json:"Company,omitempty"`
	Department string `json:"Department,omitempty"`
}

// SaveProject creates or replaces a project entity.
func (t *Tables) SaveProject(ctx context.Context, p domain.Project) error {
	if t.projects == nil {
		return errors.New("projects table is not configured")
	}
	if p.ID == "" {
		return errors.New("project id is required")
	}
	payload, err := sonic.Marshal(projectEntity{
		Entity:     aztables.Entity{PartitionKey: p.BrandID, RowKey: p.ID},
		Name:       p.Name,
		Company:    p.Company,
		Department: p.Department,
	})
	if err == nil {
		_, err = t.projects.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// Projects lists every project keyed by id.
func (t *Tables) Projects(ctx context.Context) (map[string]domain.Project, error) {
	if t.projects == nil {
		return nil, errors.New("projects table is not configured")
	}
	out := make(map[string]domain.Project)
	pager := t.projects.NewListEntitiesPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		for _, raw := range resp.Entities {
			var ent projectEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out[ent.RowKey] = domain.Project{
				ID:         ent.RowKey,
				Name:       ent.Name,
				BrandID:    ent.PartitionKey,
				Company:    ent.Company,
				Department: ent.Department,
			}
		}
	}
	return out, nil
}

// SaveTask creates or replaces a task entity.
func (t *Tables) SaveTask(ctx context.Context, task domain.Task) error {
	if !task.Status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, task.Status)
	}
	payload, err := sonic.Marshal(entityFromTask(task))
	if err == nil {
		_, err = t.tasks.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// FetchView lists the tasks matching a view key.
func (t *Tables) FetchView(ctx context.Context, key board.ViewKey) ([]domain.Task, error) {
	q, err := parseView(key, t.owner)
	if err != nil {
		return nil, err
	}
	ents, err := t.list(ctx, odataFilter(q))
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ents))
	for _, e := range ents {
		tasks = append(tasks, e.task())
	}
	return tasks, nil
}

// UpdateStatus merges the new status guarded by the entity's ETag and
// retries on a concurrency conflict with a fresh read.
func (t *Tables) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	ent, err := t.findTask(ctx, taskID)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		upd := statusUpdate{PartitionKey: ent.PartitionKey, RowKey: ent.RowKey, Status: string(status)}
		payload, err := sonic.Marshal(upd)
		if err != nil {
			return err
		}
		etag := azcore.ETag(ent.ETag)
		if etag == "" {
			etag = azcore.ETagAny
		}
		_, err = t.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
		if err == nil {
			return nil
		}
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if !isConflict(err) {
			return err
		}
		if attempt >= maxStatusAttempts {
			return fmt.Errorf("%w: task %s", ErrConcurrencyConflict, taskID)
		}
		t.logger.WithFields(log.Fields{"task": taskID, "attempt": attempt}).Debug("etag mismatch; re-reading task")
		if ent, err = t.findTask(ctx, taskID); err != nil {
			return err
		}
	}
}

func (t *Tables) findTask(ctx context.Context, taskID string) (taskEntity, error) {
	ents, err := t.list(ctx, "RowKey eq "+quote(taskID))
	if err != nil {
		return taskEntity{}, err
	}
	if len(ents) == 0 {
		return taskEntity{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return ents[0], nil
}

func (t *Tables) list(ctx context.Context, filter string) ([]taskEntity, error) {
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = &filter
	}
	pager := t.tasks.NewListEntitiesPager(opts)
	var out []taskEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func odataFilter(q viewQuery) string {
	var parts []string
	if q.projectID != "" {
		parts = append(parts, "PartitionKey eq "+quote(q.projectID))
	}
	if q.status != "" {
		parts = append(parts, "Status eq "+quote(string(q.status)))
	}
	if q.assignee != "" {
		parts = append(parts, "AssignedTo eq "+quote(q.assignee))
	}
	return strings.Join(parts, " and ")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && (respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict)
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

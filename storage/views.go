// Package storage holds the task backends the board can run against: a
// local SQLite file, Azure Tables with an activity queue, and a Redis
// read-through cache that fronts any of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"protracker/board"
	"protracker/domain"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrUnsupportedView     = errors.New("view is not served by this backend")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNoOwner             = errors.New("view requires a signed-in user")
)

// Backend is what a board session needs from persistence.
type Backend interface {
	FetchView(ctx context.Context, key board.ViewKey) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, taskID string, status domain.Status) error
}

// ProjectSource lists project metadata keyed by project id. Local backends
// use it to resolve brand and organisation filters.
type ProjectSource interface {
	Projects(ctx context.Context) (map[string]domain.Project, error)
}

// viewQuery is a view key decoded into the filters local backends apply.
type viewQuery struct {
	projectID string
	status    domain.Status
	assignee  string
}

func (q viewQuery) matches(t domain.Task) bool {
	if q.projectID != "" && t.ProjectID != q.projectID {
		return false
	}
	if q.status != "" && t.Status != q.status {
		return false
	}
	if q.assignee != "" && t.AssignedTo.UserID() != q.assignee {
		return false
	}
	return true
}

// parseView understands the same keys the REST client maps to endpoints.
// owner is the signed-in user and is required for "my-tasks".
func parseView(key board.ViewKey, owner string) (viewQuery, error) {
	seg := key.Segments()
	switch {
	case len(seg) == 1 && seg[0] == "tasks":
		return viewQuery{}, nil
	case len(seg) == 1 && seg[0] == "my-tasks":
		if owner == "" {
			return viewQuery{}, ErrNoOwner
		}
		return viewQuery{assignee: owner}, nil
	case len(seg) == 3 && seg[0] == "tasks" && seg[1] == "project" && seg[2] != "":
		return viewQuery{projectID: seg[2]}, nil
	case len(seg) == 3 && seg[0] == "tasks" && seg[1] == "status":
		st, err := domain.ParseStatus(seg[2])
		if err != nil {
			return viewQuery{}, err
		}
		return viewQuery{status: st}, nil
	case len(seg) == 1 && strings.HasPrefix(seg[0], "tasks-of-project-"):
		if id := strings.TrimPrefix(seg[0], "tasks-of-project-"); id != "" {
			return viewQuery{projectID: id}, nil
		}
	}
	return viewQuery{}, fmt.Errorf("%w: %q", ErrUnsupportedView, key)
}

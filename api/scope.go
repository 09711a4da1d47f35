package api

import (
	"context"
	"errors"
	"fmt"

	"protracker/board"
	"protracker/domain"
	"protracker/storage"
	"protracker/visibility"
)

var ErrBrandFilterUnsupported = errors.New("brand filters need project metadata this backend does not provide")

// scopeTasks applies f on the gateway. Without a project source the
// organisation pins are dropped and brand access matches nothing.
func scopeTasks(ctx context.Context, f visibility.Filter, projects storage.ProjectSource, tasks []domain.Task) ([]domain.Task, error) {
	if projects == nil {
		f.Company = ""
		f.Department = ""
		return f.FilterTasks(tasks, nil), nil
	}
	byID, err := projects.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	return f.FilterTasks(tasks, byID), nil
}

// Scoped returns the backend a board should run on for an actor with the
// given mandatory filter.
func (b Backing) Scoped(filter visibility.Filter) storage.Backend {
	if b.ServerFiltered {
		return b.Backend
	}
	return scopedBackend{Backend: b.Backend, filter: filter, projects: b.Projects}
}

// scopedBackend keeps a session's store to the tasks its actor may see, so
// only those can be transitioned.
type scopedBackend struct {
	storage.Backend
	filter   visibility.Filter
	projects storage.ProjectSource
}

func (b scopedBackend) FetchView(ctx context.Context, key board.ViewKey) ([]domain.Task, error) {
	tasks, err := b.Backend.FetchView(ctx, key)
	if err != nil {
		return nil, err
	}
	return scopeTasks(ctx, b.filter, b.projects, tasks)
}

// Package visibility computes the query filters that must accompany every
// fetch made on behalf of an actor. The filters narrow what the board shows;
// the backend still enforces access on its own.
package visibility

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"protracker/domain"
)

var ErrUnknownRole = errors.New("unknown role")

// Scope is what the gate knows about the actor.
type Scope struct {
	UserID             string
	Role               domain.Role
	Company            string
	Department         string
	AccessibleBrands   []string
	AccessibleProjects []string
}

// ScopeOf builds a Scope from a user profile.
func ScopeOf(u domain.User) Scope {
	return Scope{
		UserID:             u.ID,
		Role:               u.Role,
		Company:            u.Company,
		Department:         u.Department,
		AccessibleBrands:   u.AccessibleBrands,
		AccessibleProjects: u.AccessibleProjects,
	}
}

// Narrowing is an optional filter requested by a view.
type Narrowing struct {
	Company    string
	Department string
	EmployeeID string
	BrandIDs   []string
	ProjectIDs []string
}

// Filter is the effective filter for one fetch. A restricted id set that is
// empty matches nothing.
type Filter struct {
	Company    string
	Department string
	EmployeeID string
	AssignedTo string

	BrandIDs           []string
	ProjectIDs         []string
	BrandsRestricted   bool
	ProjectsRestricted bool

	// Ignored names requested narrowings the role may not apply.
	Ignored []string
}

// Gate combines the actor's mandatory scope with the requested narrowing.
func Gate(scope Scope, requested Narrowing) (Filter, error) {
	var f Filter
	switch scope.Role {
	case domain.RoleSuperadmin:
		f.Company = requested.Company
		f.Department = requested.Department
		f.EmployeeID = requested.EmployeeID
		f.setBrands(requested.BrandIDs)
		f.setProjects(requested.ProjectIDs)

	case domain.RoleAdmin, domain.RoleUser:
		f.Company = scope.Company
		f.Department = scope.Department
		if requested.Company != "" && requested.Company != scope.Company {
			f.Ignored = append(f.Ignored, "company")
		}
		if requested.Department != "" && requested.Department != scope.Department {
			f.Ignored = append(f.Ignored, "department")
		}
		f.EmployeeID = requested.EmployeeID
		f.setBrands(requested.BrandIDs)
		f.setProjects(requested.ProjectIDs)
		if scope.Role == domain.RoleUser {
			f.AssignedTo = scope.UserID
		}

	case domain.RoleExternal:
		f.BrandIDs = intersect(scope.AccessibleBrands, requested.BrandIDs)
		f.ProjectIDs = intersect(scope.AccessibleProjects, requested.ProjectIDs)
		f.BrandsRestricted = true
		f.ProjectsRestricted = true
		if requested.Company != "" {
			f.Ignored = append(f.Ignored, "company")
		}
		if requested.Department != "" {
			f.Ignored = append(f.Ignored, "department")
		}
		if requested.EmployeeID != "" {
			f.Ignored = append(f.Ignored, "employeeId")
		}

	default:
		return Filter{}, fmt.Errorf("%w: %q", ErrUnknownRole, scope.Role)
	}
	return f, nil
}

func (f *Filter) setBrands(ids []string) {
	if len(ids) > 0 {
		f.BrandIDs = normalize(ids)
		f.BrandsRestricted = true
	}
}

func (f *Filter) setProjects(ids []string) {
	if len(ids) > 0 {
		f.ProjectIDs = normalize(ids)
		f.ProjectsRestricted = true
	}
}

// MatchesNothing reports whether the filter can never match a task.
func (f Filter) MatchesNothing() bool {
	return f.BrandsRestricted && f.ProjectsRestricted && len(f.BrandIDs) == 0 && len(f.ProjectIDs) == 0
}

// Values encodes the filter as backend query parameters.
func (f Filter) Values() url.Values {
	v := url.Values{}
	if f.Company != "" {
		v.Set("company", f.Company)
	}
	if f.Department != "" {
		v.Set("department", f.Department)
	}
	if f.EmployeeID != "" {
		v.Set("employeeId", f.EmployeeID)
	}
	if f.AssignedTo != "" {
		v.Set("assignedTo", f.AssignedTo)
	}
	if f.BrandsRestricted {
		v.Set("brandIds", strings.Join(f.BrandIDs, ","))
	}
	if f.ProjectsRestricted {
		v.Set("projectIds", strings.Join(f.ProjectIDs, ","))
	}
	return v
}

// Allows applies the filter to a task on the client. project may be nil when
// the task's project is not loaded; filters that need it then reject.
func (f Filter) Allows(task domain.Task, project *domain.Project) bool {
	if f.AssignedTo != "" && task.AssignedTo.UserID() != f.AssignedTo {
		return false
	}
	if f.EmployeeID != "" {
		u, ok := task.AssignedTo.User()
		if !ok || u.EmployeeID != f.EmployeeID {
			return false
		}
	}
	if f.Company != "" || f.Department != "" {
		if project == nil {
			return false
		}
		if f.Company != "" && project.Company != f.Company {
			return false
		}
		if f.Department != "" && project.Department != f.Department {
			return false
		}
	}

	inProjects := f.ProjectsRestricted && slices.Contains(f.ProjectIDs, task.ProjectID)
	inBrands := f.BrandsRestricted && project != nil && slices.Contains(f.BrandIDs, project.BrandID)
	switch {
	case f.BrandsRestricted && f.ProjectsRestricted:
		return inProjects || inBrands
	case f.ProjectsRestricted:
		return inProjects
	case f.BrandsRestricted:
		return inBrands
	}
	return true
}

// FilterTasks keeps the tasks the filter allows. projects is keyed by id.
func (f Filter) FilterTasks(tasks []domain.Task, projects map[string]domain.Project) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		var p *domain.Project
		if pr, ok := projects[t.ProjectID]; ok {
			p = &pr
		}
		if f.Allows(t, p) {
			out = append(out, t)
		}
	}
	return out
}

// intersect never widens allowed: an empty request yields allowed itself.
func intersect(allowed, requested []string) []string {
	allowed = normalize(allowed)
	if len(requested) == 0 {
		return allowed
	}
	out := make([]string, 0, len(allowed))
	for _, id := range normalize(requested) {
		if slices.Contains(allowed, id) {
			out = append(out, id)
		}
	}
	return out
}

func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

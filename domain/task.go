package domain

import "time"

// Task is a single card on the board. A task belongs to exactly one project.
type Task struct {
	ID          string     `json:"_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ProjectID   string     `json:"projectId"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority,omitempty"`
	AssignedTo  AssignedTo `json:"assignedTo"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	IsRecurring bool       `json:"isRecurring,omitempty"`
	Recurrence  string     `json:"recurrence,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// WithStatus returns a copy of t in the given column.
func (t Task) WithStatus(s Status) Task {
	t.Status = s
	return t
}

// IndexOf returns the position of the task with id in tasks, or -1.
func IndexOf(tasks []Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// DashboardStats is the aggregate shown on the dashboard.
type DashboardStats struct {
	TotalBrands   int            `json:"totalBrands"`
	TotalProjects int            `json:"totalProjects"`
	TotalTasks    int            `json:"totalTasks"`
	TasksByStatus map[Status]int `json:"tasksByStatus"`
}

// CountByStatus tallies tasks per column; every known status is present.
func CountByStatus(tasks []Task) map[Status]int {
	counts := make(map[Status]int, len(statuses))
	for _, s := range statuses {
		counts[s] = 0
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts
}

package domain

import "fmt"

// Status is the kanban column a task sits in. Values must match the backend contract.
type Status string

const (
	StatusYetToStart  Status = "yts"
	StatusInProgress  Status = "in-progress"
	StatusOnHold      Status = "on-hold"
	StatusCompleted   Status = "completed"
	StatusRecurring   Status = "recurring"
	StatusAdHoc       Status = "ad-hoc"
	StatusUnderReview Status = "under-review"
	StatusCancelled   Status = "cancelled"
)

var statuses = [...]Status{
	StatusYetToStart,
	StatusInProgress,
	StatusOnHold,
	StatusCompleted,
	StatusRecurring,
	StatusAdHoc,
	StatusUnderReview,
	StatusCancelled,
}

// Statuses returns every known status in board column order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses[:])
	return out
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts raw input into a Status, rejecting unknown values.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

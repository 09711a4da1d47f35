package board

import (
	"strings"

	"protracker/domain"
)

// Policy decides which views must be refetched after a task's status was
// confirmed, beyond the views that were optimistically rewritten.
type Policy interface {
	Dependents(task domain.Task, touched []ViewKey) []ViewKey
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(task domain.Task, touched []ViewKey) []ViewKey

func (f PolicyFunc) Dependents(task domain.Task, touched []ViewKey) []ViewKey {
	return f(task, touched)
}

// RulePolicy expands key templates. Supported placeholders are {projectId},
// {taskId} and {status}; a rule whose placeholder has no value is skipped.
type RulePolicy struct {
	Rules []string `yaml:"invalidate"`
}

// DefaultPolicy mirrors what the board and task cards refresh after a status
// change: every task list, the project page and progress, and dashboard counts.
func DefaultPolicy() RulePolicy {
	return RulePolicy{Rules: []string{
		"tasks",
		"my-tasks",
		"projects/{projectId}",
		"project/{projectId}",
		"dashboard-stats",
	}}
}

func (p RulePolicy) Dependents(task domain.Task, _ []ViewKey) []ViewKey {
	values := map[string]string{
		"{projectId}": task.ProjectID,
		"{taskId}":    task.ID,
		"{status}":    string(task.Status),
	}
	keys := make([]ViewKey, 0, len(p.Rules))
	for _, rule := range p.Rules {
		if k, ok := expandRule(rule, values); ok {
			keys = append(keys, k)
		}
	}
	return dedupeKeys(keys)
}

func expandRule(rule string, values map[string]string) (ViewKey, bool) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", false
	}
	for ph, val := range values {
		if !strings.Contains(rule, ph) {
			continue
		}
		if val == "" {
			return "", false
		}
		rule = strings.ReplaceAll(rule, ph, val)
	}
	return ViewKey(rule), true
}

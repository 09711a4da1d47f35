// Package board holds the client-side task cache and the optimistic status
// transition protocol layered on top of it.
package board

import (
	"sort"
	"strings"
)

// ViewKey names one parameterized task collection, e.g. "my-tasks" or
// "tasks/project/P42". Segments are separated by '/'.
type ViewKey string

const keySep = "/"

// Key joins segments into a ViewKey.
func Key(parts ...string) ViewKey {
	return ViewKey(strings.Join(parts, keySep))
}

// Segments splits the key back into its parts.
func (k ViewKey) Segments() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), keySep)
}

// HasPrefix reports whether prefix matches k segment-wise: "tasks" matches
// "tasks/project/P42" but not "tasks-of-project-P42".
func (k ViewKey) HasPrefix(prefix ViewKey) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(string(k), string(prefix)) {
		return false
	}
	rest := string(k)[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, keySep)
}

func sortKeys(keys []ViewKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func dedupeKeys(keys []ViewKey) []ViewKey {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[ViewKey]struct{}, len(keys))
	out := make([]ViewKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

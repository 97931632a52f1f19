// Package registry persists the ordered set of locations the watcher monitors,
// so a watcher restarted without a session can resume from the last list any
// session reported.
package registry

import "context"

type Registry interface {
	// Persist overwrites the stored list. Callers persist every list a
	// session reports, changed or not.
	Persist(ctx context.Context, locations []string) error
	// Load returns the stored list, or nil when nothing was ever persisted.
	Load(ctx context.Context) ([]string, error)
}

// Normalize drops empty entries and duplicates while keeping first-seen order.
func Normalize(locations []string) []string {
	seen := make(map[string]struct{}, len(locations))
	out := make([]string, 0, len(locations))
	for _, location := range locations {
		if location == "" {
			continue
		}
		if _, ok := seen[location]; ok {
			continue
		}
		seen[location] = struct{}{}
		out = append(out, location)
	}
	return out
}

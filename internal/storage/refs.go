package storage

import (
	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/types"
)

func validateUpdates(repo string, updates []types.RefUpdate) error {
	if repo == "" {
		return &ValidationError{Message: "repository is required"}
	}
	if len(updates) == 0 {
		return &ValidationError{Message: "at least one ref update is required"}
	}
	seen := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if u.Name == "" {
			return &ValidationError{Message: "ref name is required"}
		}
		if _, dup := seen[u.Name]; dup {
			return &ValidationError{Message: "ref " + u.Name + " updated twice in one batch"}
		}
		seen[u.Name] = struct{}{}
		if u.Expected != "" && !object.ValidHash(u.Expected) {
			return &ValidationError{Message: "invalid expected hash for ref " + u.Name}
		}
		if u.New != "" && !object.ValidHash(u.New) {
			return &ValidationError{Message: "invalid new hash for ref " + u.Name}
		}
	}
	return nil
}

// staleUpdates compares every expectation against current state and returns
// the ones that no longer hold. current returns "" for absent refs.
func staleUpdates(updates []types.RefUpdate, current func(name string) string) []RefConflict {
	var conflicts []RefConflict
	for _, u := range updates {
		actual := current(u.Name)
		if actual != u.Expected {
			conflicts = append(conflicts, RefConflict{Name: u.Name, Expected: u.Expected, Actual: actual})
		}
	}
	return conflicts
}

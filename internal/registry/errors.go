package registry

import "fmt"

const (
	conflictErrorTemplateConstant = "a sync daemon for %s on branch %q is already running (pid %d)"
	notFoundErrorTemplateConstant = "no sync daemon found for %s on branch %q"
)

// ConflictError reports an attempted registration against a live instance.
type ConflictError struct {
	RepositoryPath string
	BranchName     string
	ProcessID      int
}

// Error describes the conflicting registration.
func (conflictError ConflictError) Error() string {
	return fmt.Sprintf(conflictErrorTemplateConstant, conflictError.RepositoryPath, conflictError.BranchName, conflictError.ProcessID)
}

// NotFoundError reports a lookup for a repository/branch pair without a live record.
// Listing carries the surviving records so callers can show what is running.
type NotFoundError struct {
	RepositoryPath string
	BranchName     string
	Listing        []RepositoryDaemons
}

// Error describes the missing record.
func (notFoundError NotFoundError) Error() string {
	return fmt.Sprintf(notFoundErrorTemplateConstant, notFoundError.RepositoryPath, notFoundError.BranchName)
}

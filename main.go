package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/swinglejohn/gitbranchsyncer/cmd/cli"
	"github.com/swinglejohn/gitbranchsyncer/internal/gitrepo"
	"github.com/swinglejohn/gitbranchsyncer/internal/launcher"
	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
	"github.com/swinglejohn/gitbranchsyncer/internal/syncer"
)

const (
	exitErrorTemplateConstant = "%v\n"
	exitCodeGenericConstant   = 1
	exitCodeLaunchConstant    = 2
	exitCodeGitConstant       = 3
	exitCodeNotFoundConstant  = 4
)

// main executes the git-branch-syncer command-line application.
func main() {
	executionError := cli.Execute()
	if executionError == nil {
		return
	}

	fmt.Fprintf(os.Stderr, exitErrorTemplateConstant, executionError)
	os.Exit(exitCodeFor(executionError))
}

// exitCodeFor maps failure categories to distinct exit codes: 2 for launch and
// registration conflicts, 3 for git failures, 4 for missing daemon lookups.
func exitCodeFor(executionError error) int {
	conflictError := registry.ConflictError{}
	childExitedError := launcher.ChildExitedError{}
	if errors.As(executionError, &conflictError) ||
		errors.As(executionError, &childExitedError) ||
		errors.Is(executionError, launcher.ErrLaunchTimeout) {
		return exitCodeLaunchConstant
	}

	notFoundError := registry.NotFoundError{}
	if errors.As(executionError, &notFoundError) {
		return exitCodeNotFoundConstant
	}

	operationError := gitrepo.OperationError{}
	noUpstreamError := gitrepo.NoUpstreamError{}
	branchNotFoundError := syncer.BranchNotFoundError{}
	if errors.As(executionError, &operationError) ||
		errors.As(executionError, &noUpstreamError) ||
		errors.As(executionError, &branchNotFoundError) ||
		errors.Is(executionError, gitrepo.ErrDetachedHead) {
		return exitCodeGitConstant
	}

	return exitCodeGenericConstant
}

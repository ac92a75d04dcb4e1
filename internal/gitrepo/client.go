package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/swinglejohn/gitbranchsyncer/internal/execshell"
)

const (
	requiredValueMessageConstant                = "value required"
	gitExecutorMissingMessageConstant           = "git executor not configured"
	repositoryPathRequiredMessageConstant       = "repository path must be provided"
	branchNameRequiredMessageConstant           = "branch name must be provided"
	referenceRequiredMessageConstant            = "reference must be provided"
	detachedHeadMessageConstant                 = "repository is in a detached HEAD state"
	operationErrorTemplateConstant              = "%s failed for %s: %v"
	noUpstreamErrorTemplateConstant             = "branch %q has no upstream configured"
	commitCountParseErrorTemplateConstant       = "unable to parse commit count %q: %w"
	gitRevParseSubcommandConstant               = "rev-parse"
	gitShowTopLevelFlagConstant                 = "--show-toplevel"
	gitAbbrevRefFlagConstant                    = "--abbrev-ref"
	gitSymbolicFullNameFlagConstant             = "--symbolic-full-name"
	gitVerifyFlagConstant                       = "--verify"
	gitQuietFlagConstant                        = "--quiet"
	gitFetchSubcommandConstant                  = "fetch"
	gitFetchPruneFlagConstant                   = "--prune"
	gitPullSubcommandConstant                   = "pull"
	gitPullFastForwardFlagConstant              = "--ff-only"
	gitMergeBaseSubcommandConstant              = "merge-base"
	gitIsAncestorFlagConstant                   = "--is-ancestor"
	gitRevListSubcommandConstant                = "rev-list"
	gitRevListCountFlagConstant                 = "--count"
	gitRemoteSubcommandConstant                 = "remote"
	gitRemoteGetURLSubcommandConstant           = "get-url"
	gitOriginRemoteNameConstant                 = "origin"
	gitHeadReferenceConstant                    = "HEAD"
	gitLocalBranchReferencePrefixConstant       = "refs/heads/"
	gitUpstreamReferenceSuffixConstant          = "@{upstream}"
	gitRevisionRangeSeparatorConstant           = ".."
	gitTerminalPromptEnvironmentNameConstant    = "GIT_TERMINAL_PROMPT"
	gitTerminalPromptEnvironmentDisableConstant = "0"
)

// Operation names used when reporting git failures.
const (
	operationRepositoryRoot  = "repository root resolution"
	operationCurrentBranch   = "current branch resolution"
	operationBranchExists    = "branch existence check"
	operationUpstreamRef     = "upstream resolution"
	operationFetch           = "fetch"
	operationRevisionHash    = "revision resolution"
	operationCommitsBehind   = "commit count"
	operationAncestryCheck   = "ancestry check"
	operationFastForwardPull = "fast-forward pull"
	operationRemoteURL       = "remote url resolution"
)

// ErrGitExecutorNotConfigured indicates the client was constructed without an executor.
var ErrGitExecutorNotConfigured = errors.New(gitExecutorMissingMessageConstant)

// ErrRepositoryPathRequired indicates a repository path argument was empty.
var ErrRepositoryPathRequired = errors.New(repositoryPathRequiredMessageConstant)

// ErrBranchNameRequired indicates a branch name argument was empty.
var ErrBranchNameRequired = errors.New(branchNameRequiredMessageConstant)

// ErrReferenceRequired indicates a revision reference argument was empty.
var ErrReferenceRequired = errors.New(referenceRequiredMessageConstant)

// ErrDetachedHead indicates the repository has no current branch.
var ErrDetachedHead = errors.New(detachedHeadMessageConstant)

// GitExecutor abstracts git command execution for the repository client.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// OperationError reports a git operation that failed against a repository.
type OperationError struct {
	Operation      string
	RepositoryPath string
	Cause          error
}

// Error describes the failed operation.
func (operationError OperationError) Error() string {
	return fmt.Sprintf(operationErrorTemplateConstant, operationError.Operation, operationError.RepositoryPath, operationError.Cause)
}

// Unwrap exposes the underlying cause.
func (operationError OperationError) Unwrap() error {
	return operationError.Cause
}

// NoUpstreamError reports a branch without a configured upstream.
type NoUpstreamError struct {
	BranchName string
}

// Error describes the missing upstream configuration.
func (upstreamError NoUpstreamError) Error() string {
	return fmt.Sprintf(noUpstreamErrorTemplateConstant, upstreamError.BranchName)
}

// RepositoryClient performs git operations against a single working tree.
type RepositoryClient struct {
	executor GitExecutor
}

// NewRepositoryClient constructs a RepositoryClient after validating its executor.
func NewRepositoryClient(executor GitExecutor) (*RepositoryClient, error) {
	if executor == nil {
		return nil, ErrGitExecutorNotConfigured
	}
	return &RepositoryClient{executor: executor}, nil
}

// RepositoryRoot resolves the top-level working tree directory containing candidatePath.
func (client *RepositoryClient) RepositoryRoot(executionContext context.Context, candidatePath string) (string, error) {
	trimmedPath := strings.TrimSpace(candidatePath)
	if len(trimmedPath) == 0 {
		return "", ErrRepositoryPathRequired
	}

	output, executionError := client.executeGit(executionContext, trimmedPath, gitRevParseSubcommandConstant, gitShowTopLevelFlagConstant)
	if executionError != nil {
		return "", OperationError{Operation: operationRepositoryRoot, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return strings.TrimSpace(output.StandardOutput), nil
}

// CurrentBranch resolves the branch currently checked out in the repository.
// A detached HEAD yields ErrDetachedHead.
func (client *RepositoryClient) CurrentBranch(executionContext context.Context, repositoryPath string) (string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return "", ErrRepositoryPathRequired
	}

	output, executionError := client.executeGit(executionContext, trimmedPath, gitRevParseSubcommandConstant, gitAbbrevRefFlagConstant, gitHeadReferenceConstant)
	if executionError != nil {
		return "", OperationError{Operation: operationCurrentBranch, RepositoryPath: trimmedPath, Cause: executionError}
	}

	branchName := strings.TrimSpace(output.StandardOutput)
	if len(branchName) == 0 || branchName == gitHeadReferenceConstant {
		return "", ErrDetachedHead
	}

	return branchName, nil
}

// BranchExists reports whether the named local branch exists in the repository.
func (client *RepositoryClient) BranchExists(executionContext context.Context, repositoryPath string, branchName string) (bool, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return false, ErrRepositoryPathRequired
	}
	trimmedBranchName := strings.TrimSpace(branchName)
	if len(trimmedBranchName) == 0 {
		return false, ErrBranchNameRequired
	}

	branchReference := gitLocalBranchReferencePrefixConstant + trimmedBranchName
	_, executionError := client.executeGit(executionContext, trimmedPath, gitRevParseSubcommandConstant, gitVerifyFlagConstant, gitQuietFlagConstant, branchReference)
	if executionError != nil {
		if isCommandExitFailure(executionError) {
			return false, nil
		}
		return false, OperationError{Operation: operationBranchExists, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return true, nil
}

// UpstreamRef resolves the remote tracking reference configured for the branch.
// A branch without an upstream yields NoUpstreamError.
func (client *RepositoryClient) UpstreamRef(executionContext context.Context, repositoryPath string, branchName string) (string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return "", ErrRepositoryPathRequired
	}
	trimmedBranchName := strings.TrimSpace(branchName)
	if len(trimmedBranchName) == 0 {
		return "", ErrBranchNameRequired
	}

	upstreamReference := trimmedBranchName + gitUpstreamReferenceSuffixConstant
	output, executionError := client.executeGit(executionContext, trimmedPath, gitRevParseSubcommandConstant, gitAbbrevRefFlagConstant, gitSymbolicFullNameFlagConstant, upstreamReference)
	if executionError != nil {
		if isCommandExitFailure(executionError) {
			return "", NoUpstreamError{BranchName: trimmedBranchName}
		}
		return "", OperationError{Operation: operationUpstreamRef, RepositoryPath: trimmedPath, Cause: executionError}
	}

	trackingReference := strings.TrimSpace(output.StandardOutput)
	if len(trackingReference) == 0 {
		return "", NoUpstreamError{BranchName: trimmedBranchName}
	}

	return trackingReference, nil
}

// FetchRemote updates remote tracking references, pruning ones deleted upstream.
func (client *RepositoryClient) FetchRemote(executionContext context.Context, repositoryPath string) error {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return ErrRepositoryPathRequired
	}

	_, executionError := client.executeGit(executionContext, trimmedPath, gitFetchSubcommandConstant, gitFetchPruneFlagConstant)
	if executionError != nil {
		return OperationError{Operation: operationFetch, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return nil
}

// RevisionHash resolves the commit hash for the supplied reference.
func (client *RepositoryClient) RevisionHash(executionContext context.Context, repositoryPath string, reference string) (string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return "", ErrRepositoryPathRequired
	}
	trimmedReference := strings.TrimSpace(reference)
	if len(trimmedReference) == 0 {
		return "", ErrReferenceRequired
	}

	output, executionError := client.executeGit(executionContext, trimmedPath, gitRevParseSubcommandConstant, trimmedReference)
	if executionError != nil {
		return "", OperationError{Operation: operationRevisionHash, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return strings.TrimSpace(output.StandardOutput), nil
}

// CommitsBehind counts commits reachable from remoteReference but not localReference.
func (client *RepositoryClient) CommitsBehind(executionContext context.Context, repositoryPath string, localReference string, remoteReference string) (int, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return 0, ErrRepositoryPathRequired
	}
	trimmedLocalReference := strings.TrimSpace(localReference)
	trimmedRemoteReference := strings.TrimSpace(remoteReference)
	if len(trimmedLocalReference) == 0 || len(trimmedRemoteReference) == 0 {
		return 0, ErrReferenceRequired
	}

	revisionRange := trimmedLocalReference + gitRevisionRangeSeparatorConstant + trimmedRemoteReference
	output, executionError := client.executeGit(executionContext, trimmedPath, gitRevListSubcommandConstant, gitRevListCountFlagConstant, revisionRange)
	if executionError != nil {
		return 0, OperationError{Operation: operationCommitsBehind, RepositoryPath: trimmedPath, Cause: executionError}
	}

	commitCountText := strings.TrimSpace(output.StandardOutput)
	commitCount, parseError := strconv.Atoi(commitCountText)
	if parseError != nil {
		return 0, OperationError{
			Operation:      operationCommitsBehind,
			RepositoryPath: trimmedPath,
			Cause:          fmt.Errorf(commitCountParseErrorTemplateConstant, commitCountText, parseError),
		}
	}

	return commitCount, nil
}

// IsAncestor reports whether ancestorReference is an ancestor of descendantReference.
func (client *RepositoryClient) IsAncestor(executionContext context.Context, repositoryPath string, ancestorReference string, descendantReference string) (bool, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return false, ErrRepositoryPathRequired
	}
	trimmedAncestorReference := strings.TrimSpace(ancestorReference)
	trimmedDescendantReference := strings.TrimSpace(descendantReference)
	if len(trimmedAncestorReference) == 0 || len(trimmedDescendantReference) == 0 {
		return false, ErrReferenceRequired
	}

	_, executionError := client.executeGit(executionContext, trimmedPath, gitMergeBaseSubcommandConstant, gitIsAncestorFlagConstant, trimmedAncestorReference, trimmedDescendantReference)
	if executionError != nil {
		if isCommandExitFailureWithCode(executionError, 1) {
			return false, nil
		}
		return false, OperationError{Operation: operationAncestryCheck, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return true, nil
}

// FastForwardPull advances the current branch to its upstream without creating merge commits.
func (client *RepositoryClient) FastForwardPull(executionContext context.Context, repositoryPath string) error {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return ErrRepositoryPathRequired
	}

	_, executionError := client.executeGit(executionContext, trimmedPath, gitPullSubcommandConstant, gitPullFastForwardFlagConstant)
	if executionError != nil {
		return OperationError{Operation: operationFastForwardPull, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return nil
}

// OriginRemoteURL resolves the textual URL configured for the origin remote.
func (client *RepositoryClient) OriginRemoteURL(executionContext context.Context, repositoryPath string) (string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return "", ErrRepositoryPathRequired
	}

	output, executionError := client.executeGit(executionContext, trimmedPath, gitRemoteSubcommandConstant, gitRemoteGetURLSubcommandConstant, gitOriginRemoteNameConstant)
	if executionError != nil {
		return "", OperationError{Operation: operationRemoteURL, RepositoryPath: trimmedPath, Cause: executionError}
	}

	return strings.TrimSpace(output.StandardOutput), nil
}

func (client *RepositoryClient) executeGit(executionContext context.Context, repositoryPath string, arguments ...string) (execshell.ExecutionResult, error) {
	details := execshell.CommandDetails{
		Arguments:        arguments,
		WorkingDirectory: repositoryPath,
		EnvironmentVariables: map[string]string{
			gitTerminalPromptEnvironmentNameConstant: gitTerminalPromptEnvironmentDisableConstant,
		},
	}
	return client.executor.ExecuteGit(executionContext, details)
}

func isCommandExitFailure(candidateError error) bool {
	failedError := execshell.CommandFailedError{}
	return errors.As(candidateError, &failedError)
}

func isCommandExitFailureWithCode(candidateError error, exitCode int) bool {
	failedError := execshell.CommandFailedError{}
	if !errors.As(candidateError, &failedError) {
		return false
	}
	return failedError.Result.ExitCode == exitCode
}

package gitrepo

import (
	"errors"
	"strings"

	"github.com/swinglejohn/gitbranchsyncer/internal/execshell"
)

// FailureKind categorizes git operation failures for log context.
type FailureKind string

// Recognized failure categories.
const (
	FailureKindUnknown             FailureKind = "unknown"
	FailureKindDivergedHistory     FailureKind = "diverged_history"
	FailureKindDeletedRemoteBranch FailureKind = "deleted_remote_branch"
	FailureKindAuthentication      FailureKind = "authentication"
)

const (
	fastForwardRefusedFragmentConstant   = "not possible to fast-forward"
	divergentBranchesFragmentConstant    = "divergent branches"
	missingRemoteRefFragmentConstant     = "couldn't find remote ref"
	noSuchRefFragmentConstant            = "no such ref was fetched"
	authenticationFailedFragmentConstant = "authentication failed"
	permissionDeniedFragmentConstant     = "permission denied"
	terminalPromptsFragmentConstant      = "terminal prompts disabled"
)

// ClassifyFailure inspects a git failure and categorizes it from the command's
// standard error text. Errors without exit information yield FailureKindUnknown.
func ClassifyFailure(candidateError error) FailureKind {
	failedError := execshell.CommandFailedError{}
	if !errors.As(candidateError, &failedError) {
		return FailureKindUnknown
	}

	loweredStandardError := strings.ToLower(failedError.Result.StandardError)
	switch {
	case strings.Contains(loweredStandardError, fastForwardRefusedFragmentConstant),
		strings.Contains(loweredStandardError, divergentBranchesFragmentConstant):
		return FailureKindDivergedHistory
	case strings.Contains(loweredStandardError, missingRemoteRefFragmentConstant),
		strings.Contains(loweredStandardError, noSuchRefFragmentConstant):
		return FailureKindDeletedRemoteBranch
	case strings.Contains(loweredStandardError, authenticationFailedFragmentConstant),
		strings.Contains(loweredStandardError, permissionDeniedFragmentConstant),
		strings.Contains(loweredStandardError, terminalPromptsFragmentConstant):
		return FailureKindAuthentication
	default:
		return FailureKindUnknown
	}
}

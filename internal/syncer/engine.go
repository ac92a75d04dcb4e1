package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swinglejohn/gitbranchsyncer/internal/gitrepo"
	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
)

// Phase identifies the engine's position in the sync state machine.
type Phase string

// Engine phases.
const (
	PhaseInitializing Phase = "initializing"
	PhaseWatching     Phase = "watching"
	PhasePulling      Phase = "pulling"
	PhaseRunningHook  Phase = "running_hook"
	PhaseStopped      Phase = "stopped"
	PhaseErrorStopped Phase = "error_stopped"
)

const (
	repositoryClientMissingMessageConstant  = "repository client not configured"
	hookRunnerMissingMessageConstant        = "hook runner not configured"
	registrarMissingMessageConstant         = "registrar not configured"
	engineLoggerMissingMessageConstant      = "logger not configured"
	repositoryPathMissingMessageConstant    = "repository path must be provided"
	branchNotFoundTemplateConstant          = "branch %q does not exist in %s"
	branchResolutionErrorTemplateConstant   = "failed to resolve branch: %w"
	upstreamResolutionErrorTemplateConstant = "failed to resolve upstream: %w"
	registrationErrorTemplateConstant       = "failed to register daemon: %w"
	fetchErrorTemplateConstant              = "failed to fetch remote: %w"
	compareErrorTemplateConstant            = "failed to compare revisions: %w"
	pullErrorTemplateConstant               = "failed to fast-forward: %w"

	watchingLogMessageConstant        = "Watching branch for remote updates"
	remoteIdentityLogMessageConstant  = "Resolved remote repository"
	alreadyUpToDateLogMessageConstant = "Already up to date"
	localAheadLogMessageConstant      = "Local branch ahead of upstream, nothing to pull"
	commitsFoundLogMessageConstant    = "Found new remote commits, pulling changes"
	syncedLogMessageConstant          = "Successfully synced with remote"
	syncFailureLogMessageConstant     = "Sync cycle failed"
	phaseTransitionLogMessageConstant = "Phase transition"
	stopRequestedLogMessageConstant   = "Stop requested, shutting down"

	logFieldRepositoryConstant    = "repository"
	logFieldBranchConstant        = "branch"
	logFieldRemoteConstant        = "remote"
	logFieldUpstreamConstant      = "upstream"
	logFieldPhaseConstant         = "phase"
	logFieldPollIntervalConstant  = "poll_interval"
	logFieldCommitsBehindConstant = "commits_behind"
	logFieldRemoteCommitConstant  = "remote_commit"
	logFieldFailureKindConstant   = "failure_kind"
)

// ErrRepositoryClientNotConfigured indicates the engine was constructed without a repository client.
var ErrRepositoryClientNotConfigured = errors.New(repositoryClientMissingMessageConstant)

// ErrHookRunnerNotConfigured indicates the engine was constructed without a hook runner.
var ErrHookRunnerNotConfigured = errors.New(hookRunnerMissingMessageConstant)

// ErrRegistrarNotConfigured indicates the engine was constructed without a registrar.
var ErrRegistrarNotConfigured = errors.New(registrarMissingMessageConstant)

// ErrLoggerNotConfigured indicates the engine was constructed without a logger.
var ErrLoggerNotConfigured = errors.New(engineLoggerMissingMessageConstant)

// ErrRepositoryPathRequired indicates the engine options lacked a repository path.
var ErrRepositoryPathRequired = errors.New(repositoryPathMissingMessageConstant)

// BranchNotFoundError reports a watched branch missing from the repository.
type BranchNotFoundError struct {
	RepositoryPath string
	BranchName     string
}

// Error describes the missing branch.
func (notFoundError BranchNotFoundError) Error() string {
	return fmt.Sprintf(branchNotFoundTemplateConstant, notFoundError.BranchName, notFoundError.RepositoryPath)
}

// RepositoryService enumerates the git operations the engine performs.
type RepositoryService interface {
	CurrentBranch(executionContext context.Context, repositoryPath string) (string, error)
	BranchExists(executionContext context.Context, repositoryPath string, branchName string) (bool, error)
	UpstreamRef(executionContext context.Context, repositoryPath string, branchName string) (string, error)
	FetchRemote(executionContext context.Context, repositoryPath string) error
	RevisionHash(executionContext context.Context, repositoryPath string, reference string) (string, error)
	IsAncestor(executionContext context.Context, repositoryPath string, ancestorReference string, descendantReference string) (bool, error)
	CommitsBehind(executionContext context.Context, repositoryPath string, localReference string, remoteReference string) (int, error)
	FastForwardPull(executionContext context.Context, repositoryPath string) error
	OriginRemoteURL(executionContext context.Context, repositoryPath string) (string, error)
}

// HookRunner abstracts the hook supervisor for the engine.
type HookRunner interface {
	Run(repositoryRoot string) bool
	Terminate()
}

// Registrar abstracts the registry operations the engine needs.
type Registrar interface {
	Register(record registry.DaemonRecord) error
	Deregister(repositoryPath string, branchName string) error
}

// Dependencies enumerates external collaborators required by the engine.
type Dependencies struct {
	RepositoryClient RepositoryService
	HookRunner       HookRunner
	Registrar        Registrar
	Logger           *zap.Logger
}

// Options configures one engine instance.
type Options struct {
	RepositoryPath string
	BranchName     string
	PollInterval   time.Duration
	LogFilePath    string
}

// SyncState captures the observable state of a running engine.
type SyncState struct {
	BranchName            string
	LastKnownRemoteCommit string
	Phase                 Phase
	ConsecutiveErrorCount int
}

// Engine drives the watch/pull/hook cycle for one repository branch.
type Engine struct {
	repositoryClient RepositoryService
	hookRunner       HookRunner
	registrar        Registrar
	logger           *zap.Logger
	options          Options

	stateMutex sync.Mutex
	state      SyncState
}

// NewEngine constructs an Engine after validating dependencies and options.
func NewEngine(dependencies Dependencies, options Options) (*Engine, error) {
	if dependencies.RepositoryClient == nil {
		return nil, ErrRepositoryClientNotConfigured
	}
	if dependencies.HookRunner == nil {
		return nil, ErrHookRunnerNotConfigured
	}
	if dependencies.Registrar == nil {
		return nil, ErrRegistrarNotConfigured
	}
	if dependencies.Logger == nil {
		return nil, ErrLoggerNotConfigured
	}

	options.RepositoryPath = strings.TrimSpace(options.RepositoryPath)
	if len(options.RepositoryPath) == 0 {
		return nil, ErrRepositoryPathRequired
	}
	options.BranchName = strings.TrimSpace(options.BranchName)
	if options.PollInterval <= 0 {
		options.PollInterval = time.Duration(defaultPollIntervalSecondsConstant) * time.Second
	}

	return &Engine{
		repositoryClient: dependencies.RepositoryClient,
		hookRunner:       dependencies.HookRunner,
		registrar:        dependencies.Registrar,
		logger:           dependencies.Logger,
		options:          options,
		state:            SyncState{Phase: PhaseInitializing},
	}, nil
}

// State returns a snapshot of the engine's sync state.
func (engine *Engine) State() SyncState {
	engine.stateMutex.Lock()
	defer engine.stateMutex.Unlock()
	return engine.state
}

// Run validates the watched branch, registers the daemon, and polls until the
// context is cancelled or a git operation fails. Cancellation is observed only
// between cycles, never mid-pull.
func (engine *Engine) Run(executionContext context.Context) error {
	branchName, upstreamReference, initializationError := engine.initialize(executionContext)
	if initializationError != nil {
		engine.setPhase(PhaseErrorStopped)
		return initializationError
	}

	defer func() {
		engine.hookRunner.Terminate()
		_ = engine.registrar.Deregister(engine.options.RepositoryPath, branchName)
	}()

	engine.setPhase(PhaseWatching)
	engine.logger.Info(
		watchingLogMessageConstant,
		zap.String(logFieldRepositoryConstant, engine.options.RepositoryPath),
		zap.String(logFieldBranchConstant, branchName),
		zap.String(logFieldUpstreamConstant, upstreamReference),
		zap.Duration(logFieldPollIntervalConstant, engine.options.PollInterval),
	)

	pollTimer := time.NewTimer(engine.options.PollInterval)
	defer pollTimer.Stop()

	// A stop request must not abort git mid-operation and leave the working
	// tree partially updated, so cycles run detached from cancellation and
	// Done is checked only here.
	cycleContext := context.WithoutCancel(executionContext)

	for {
		select {
		case <-executionContext.Done():
			engine.logger.Info(stopRequestedLogMessageConstant, zap.String(logFieldBranchConstant, branchName))
			engine.setPhase(PhaseStopped)
			return nil
		case <-pollTimer.C:
		}

		cycleError := engine.runCycle(cycleContext, branchName, upstreamReference)
		if cycleError != nil {
			engine.recordFailure(cycleError)
			engine.setPhase(PhaseErrorStopped)
			return cycleError
		}

		engine.setPhase(PhaseWatching)
		pollTimer.Reset(engine.options.PollInterval)
	}
}

func (engine *Engine) initialize(executionContext context.Context) (string, string, error) {
	engine.setPhase(PhaseInitializing)

	branchName := engine.options.BranchName
	if len(branchName) == 0 {
		currentBranch, branchError := engine.repositoryClient.CurrentBranch(executionContext, engine.options.RepositoryPath)
		if branchError != nil {
			return "", "", fmt.Errorf(branchResolutionErrorTemplateConstant, branchError)
		}
		branchName = currentBranch
	}

	branchExists, existenceError := engine.repositoryClient.BranchExists(executionContext, engine.options.RepositoryPath, branchName)
	if existenceError != nil {
		return "", "", fmt.Errorf(branchResolutionErrorTemplateConstant, existenceError)
	}
	if !branchExists {
		return "", "", BranchNotFoundError{RepositoryPath: engine.options.RepositoryPath, BranchName: branchName}
	}

	upstreamReference, upstreamError := engine.repositoryClient.UpstreamRef(executionContext, engine.options.RepositoryPath, branchName)
	if upstreamError != nil {
		return "", "", fmt.Errorf(upstreamResolutionErrorTemplateConstant, upstreamError)
	}

	engine.logRemoteIdentity(executionContext, branchName)

	registrationRecord := registry.DaemonRecord{
		RepositoryPath: engine.options.RepositoryPath,
		BranchName:     branchName,
		ProcessID:      os.Getpid(),
		LogFilePath:    engine.options.LogFilePath,
		StartedAt:      time.Now().UTC(),
	}
	if registrationError := engine.registrar.Register(registrationRecord); registrationError != nil {
		return "", "", fmt.Errorf(registrationErrorTemplateConstant, registrationError)
	}

	engine.stateMutex.Lock()
	engine.state.BranchName = branchName
	engine.stateMutex.Unlock()

	return branchName, upstreamReference, nil
}

func (engine *Engine) runCycle(executionContext context.Context, branchName string, upstreamReference string) error {
	if fetchError := engine.repositoryClient.FetchRemote(executionContext, engine.options.RepositoryPath); fetchError != nil {
		return fmt.Errorf(fetchErrorTemplateConstant, fetchError)
	}

	localCommit, localError := engine.repositoryClient.RevisionHash(executionContext, engine.options.RepositoryPath, branchName)
	if localError != nil {
		return fmt.Errorf(compareErrorTemplateConstant, localError)
	}

	remoteCommit, remoteError := engine.repositoryClient.RevisionHash(executionContext, engine.options.RepositoryPath, upstreamReference)
	if remoteError != nil {
		return fmt.Errorf(compareErrorTemplateConstant, remoteError)
	}

	engine.stateMutex.Lock()
	engine.state.LastKnownRemoteCommit = remoteCommit
	engine.stateMutex.Unlock()

	if localCommit == remoteCommit {
		engine.logger.Debug(alreadyUpToDateLogMessageConstant, zap.String(logFieldBranchConstant, branchName))
		return nil
	}

	remoteIsAncestor, ancestryError := engine.repositoryClient.IsAncestor(executionContext, engine.options.RepositoryPath, remoteCommit, localCommit)
	if ancestryError != nil {
		return fmt.Errorf(compareErrorTemplateConstant, ancestryError)
	}
	if remoteIsAncestor {
		engine.logger.Debug(localAheadLogMessageConstant, zap.String(logFieldBranchConstant, branchName))
		return nil
	}

	engine.setPhase(PhasePulling)

	commitsBehind, commitsBehindError := engine.repositoryClient.CommitsBehind(executionContext, engine.options.RepositoryPath, branchName, upstreamReference)
	if commitsBehindError != nil {
		commitsBehind = 0
	}
	engine.logger.Info(
		commitsFoundLogMessageConstant,
		zap.String(logFieldBranchConstant, branchName),
		zap.Int(logFieldCommitsBehindConstant, commitsBehind),
	)

	if pullError := engine.repositoryClient.FastForwardPull(executionContext, engine.options.RepositoryPath); pullError != nil {
		return fmt.Errorf(pullErrorTemplateConstant, pullError)
	}

	engine.logger.Info(
		syncedLogMessageConstant,
		zap.String(logFieldBranchConstant, branchName),
		zap.String(logFieldRemoteCommitConstant, remoteCommit),
	)

	if engine.hookRunner.Run(engine.options.RepositoryPath) {
		engine.setPhase(PhaseRunningHook)
	}

	return nil
}

// logRemoteIdentity reports the origin remote in owner/repository form when it
// can be parsed. Failures are ignored since the remote URL is informational.
func (engine *Engine) logRemoteIdentity(executionContext context.Context, branchName string) {
	remoteURLText, remoteError := engine.repositoryClient.OriginRemoteURL(executionContext, engine.options.RepositoryPath)
	if remoteError != nil {
		return
	}

	parsedRemote, parseError := gitrepo.ParseRemoteURL(remoteURLText)
	if parseError != nil {
		return
	}

	engine.logger.Info(
		remoteIdentityLogMessageConstant,
		zap.String(logFieldRemoteConstant, parsedRemote.Slug()),
		zap.String(logFieldBranchConstant, branchName),
	)
}

func (engine *Engine) setPhase(nextPhase Phase) {
	engine.stateMutex.Lock()
	previousPhase := engine.state.Phase
	engine.state.Phase = nextPhase
	engine.stateMutex.Unlock()

	if previousPhase != nextPhase {
		engine.logger.Debug(phaseTransitionLogMessageConstant, zap.String(logFieldPhaseConstant, string(nextPhase)))
	}
}

func (engine *Engine) recordFailure(cycleError error) {
	engine.stateMutex.Lock()
	engine.state.ConsecutiveErrorCount++
	engine.stateMutex.Unlock()

	engine.logger.Error(
		syncFailureLogMessageConstant,
		zap.String(logFieldRepositoryConstant, engine.options.RepositoryPath),
		zap.String(logFieldFailureKindConstant, string(gitrepo.ClassifyFailure(cycleError))),
		zap.Error(cycleError),
	)
}

package hook

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/swinglejohn/gitbranchsyncer/internal/utils"
)

const (
	loggerNotConfiguredMessageConstant     = "logger not configured"
	DefaultHookFileNameConstant            = ".git-branch-syncer-hook"
	defaultGraceTimeoutConstant            = 5 * time.Second
	executableModeMaskConstant             = 0o111
	hookMissingLogMessageConstant          = "No hook script present"
	hookNotExecutableLogMessageConstant    = "Hook script is not executable"
	hookStartedLogMessageConstant          = "Hook script started"
	hookStartFailureLogMessageConstant     = "Hook script failed to start"
	hookSupersededLogMessageConstant       = "Superseding still-running hook script"
	hookKilledAfterGraceLogMessageConstant = "Hook script killed after grace period"
	hookSucceededLogMessageConstant        = "Hook script completed"
	hookFailedLogMessageConstant           = "Hook script failed"
	logFieldHookPathConstant               = "hook_path"
	logFieldProcessIDConstant              = "process_id"
)

// ErrLoggerNotConfigured indicates the supervisor was constructed without a logger.
var ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)

// Dependencies enumerates external collaborators required by the supervisor.
type Dependencies struct {
	Logger *zap.Logger
}

// Options configures hook discovery and supervision behavior.
type Options struct {
	HookFileName string
	OutputWriter io.Writer
	GraceTimeout time.Duration
}

type hookExecution struct {
	command  *exec.Cmd
	finished chan struct{}
}

// Supervisor starts hook children and guarantees at most one is alive at a time.
type Supervisor struct {
	logger       *zap.Logger
	hookFileName string
	outputWriter io.Writer
	graceTimeout time.Duration

	mutex            sync.Mutex
	currentExecution *hookExecution
}

// NewSupervisor constructs a Supervisor after validating its dependencies.
func NewSupervisor(dependencies Dependencies, options Options) (*Supervisor, error) {
	if dependencies.Logger == nil {
		return nil, ErrLoggerNotConfigured
	}

	hookFileName := strings.TrimSpace(options.HookFileName)
	if len(hookFileName) == 0 {
		hookFileName = DefaultHookFileNameConstant
	}

	outputWriter := options.OutputWriter
	if outputWriter == nil {
		outputWriter = os.Stdout
	}

	graceTimeout := options.GraceTimeout
	if graceTimeout <= 0 {
		graceTimeout = defaultGraceTimeoutConstant
	}

	return &Supervisor{
		logger:       dependencies.Logger,
		hookFileName: hookFileName,
		outputWriter: utils.NewFlushingWriter(outputWriter),
		graceTimeout: graceTimeout,
	}, nil
}

// Run starts the hook script found in repositoryRoot and returns once the
// child is running. A missing or non-executable script is a no-op, and start
// failures are logged rather than surfaced. The returned flag reports whether
// a child actually started.
func (supervisor *Supervisor) Run(repositoryRoot string) bool {
	hookPath := filepath.Join(repositoryRoot, supervisor.hookFileName)

	hookInfo, statError := os.Stat(hookPath)
	if statError != nil {
		supervisor.logger.Debug(hookMissingLogMessageConstant, zap.String(logFieldHookPathConstant, hookPath))
		return false
	}
	if !hookInfo.Mode().IsRegular() || hookInfo.Mode().Perm()&executableModeMaskConstant == 0 {
		supervisor.logger.Debug(hookNotExecutableLogMessageConstant, zap.String(logFieldHookPathConstant, hookPath))
		return false
	}

	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()

	if supervisor.currentExecution != nil {
		supervisor.logger.Warn(
			hookSupersededLogMessageConstant,
			zap.String(logFieldHookPathConstant, hookPath),
			zap.Int(logFieldProcessIDConstant, supervisor.currentExecution.command.Process.Pid),
		)
		supervisor.terminateLocked(supervisor.currentExecution)
	}

	hookCommand := exec.Command(hookPath)
	hookCommand.Dir = repositoryRoot
	hookCommand.Env = os.Environ()
	hookCommand.Stdout = supervisor.outputWriter
	hookCommand.Stderr = supervisor.outputWriter

	if startError := hookCommand.Start(); startError != nil {
		supervisor.logger.Warn(hookStartFailureLogMessageConstant, zap.String(logFieldHookPathConstant, hookPath), zap.Error(startError))
		return false
	}

	execution := &hookExecution{command: hookCommand, finished: make(chan struct{})}
	supervisor.currentExecution = execution
	supervisor.logger.Info(hookStartedLogMessageConstant, zap.String(logFieldHookPathConstant, hookPath), zap.Int(logFieldProcessIDConstant, hookCommand.Process.Pid))

	go supervisor.awaitExit(execution, hookPath)

	return true
}

// Terminate stops any live hook child, applying the grace period before SIGKILL.
func (supervisor *Supervisor) Terminate() {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()

	if supervisor.currentExecution != nil {
		supervisor.terminateLocked(supervisor.currentExecution)
	}
}

// Alive reports whether a hook child is currently running.
func (supervisor *Supervisor) Alive() bool {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.currentExecution != nil
}

func (supervisor *Supervisor) awaitExit(execution *hookExecution, hookPath string) {
	waitError := execution.command.Wait()
	close(execution.finished)

	supervisor.mutex.Lock()
	if supervisor.currentExecution == execution {
		supervisor.currentExecution = nil
	}
	supervisor.mutex.Unlock()

	if waitError != nil {
		supervisor.logger.Warn(hookFailedLogMessageConstant, zap.String(logFieldHookPathConstant, hookPath), zap.Error(waitError))
		return
	}
	supervisor.logger.Info(hookSucceededLogMessageConstant, zap.String(logFieldHookPathConstant, hookPath))
}

// terminateLocked signals the execution and blocks until it exits, escalating
// to SIGKILL after the grace period. Callers must hold the mutex.
func (supervisor *Supervisor) terminateLocked(execution *hookExecution) {
	_ = execution.command.Process.Signal(syscall.SIGTERM)

	graceTimer := time.NewTimer(supervisor.graceTimeout)
	defer graceTimer.Stop()

	select {
	case <-execution.finished:
	case <-graceTimer.C:
		supervisor.logger.Warn(hookKilledAfterGraceLogMessageConstant, zap.Int(logFieldProcessIDConstant, execution.command.Process.Pid))
		_ = execution.command.Process.Kill()
		<-execution.finished
	}

	if supervisor.currentExecution == execution {
		supervisor.currentExecution = nil
	}
}

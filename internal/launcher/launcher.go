package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
)

const (
	loggerNotConfiguredMessageConstant    = "logger not configured"
	recordResolverMissingMessageConstant  = "record resolver not configured"
	executablePathRequiredMessageConstant = "executable path must be provided"
	repositoryPathRequiredMessageConstant = "repository path must be provided"
	logFilePathRequiredMessageConstant    = "log file path must be provided"
	launchTimeoutMessageConstant          = "daemon did not register before the timeout"
	childExitedTemplateConstant           = "daemon exited during startup: %s"
	logDirectoryErrorTemplateConstant     = "failed to prepare log directory: %w"
	logFileErrorTemplateConstant          = "failed to open daemon log file: %w"
	spawnErrorTemplateConstant            = "failed to spawn daemon process: %w"
	defaultRegistrationTimeoutConstant    = 5 * time.Second
	defaultRegistrationPollStepConstant   = 100 * time.Millisecond
	logDirectoryPermissionsConstant       = 0o755
	logFilePermissionsConstant            = 0o644
	daemonSpawnedLogMessageConstant       = "Spawned background daemon"
	logFieldProcessIDConstant             = "process_id"
	logFieldLogFilePathConstant           = "log_file_path"
)

// ErrLoggerNotConfigured indicates the launcher was constructed without a logger.
var ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)

// ErrRecordResolverNotConfigured indicates the launcher was constructed without a registry resolver.
var ErrRecordResolverNotConfigured = errors.New(recordResolverMissingMessageConstant)

// ErrExecutablePathRequired indicates launch options lacked an executable path.
var ErrExecutablePathRequired = errors.New(executablePathRequiredMessageConstant)

// ErrRepositoryPathRequired indicates launch options lacked a repository path.
var ErrRepositoryPathRequired = errors.New(repositoryPathRequiredMessageConstant)

// ErrLogFilePathRequired indicates launch options lacked a log file path.
var ErrLogFilePathRequired = errors.New(logFilePathRequiredMessageConstant)

// ErrLaunchTimeout indicates a spawned daemon never appeared in the registry.
var ErrLaunchTimeout = errors.New(launchTimeoutMessageConstant)

// ChildExitedError reports a daemon process that terminated before registering.
type ChildExitedError struct {
	ExitState string
}

// Error describes the premature exit.
func (exitedError ChildExitedError) Error() string {
	return fmt.Sprintf(childExitedTemplateConstant, exitedError.ExitState)
}

// RecordResolver locates daemon records, typically backed by the registry store.
type RecordResolver interface {
	Resolve(repositoryPath string, branchName string) (registry.DaemonRecord, error)
}

// EngineRunner abstracts the sync engine for interactive runs.
type EngineRunner interface {
	Run(executionContext context.Context) error
}

// Dependencies enumerates external collaborators required by the launcher.
type Dependencies struct {
	Logger         *zap.Logger
	RecordResolver RecordResolver
}

// Options configures one daemon launch.
type Options struct {
	ExecutablePath      string
	Arguments           []string
	RepositoryPath      string
	BranchName          string
	LogFilePath         string
	RegistrationTimeout time.Duration
	RegistrationStep    time.Duration
}

// Launcher spawns detached daemon processes and awaits their registration.
type Launcher struct {
	logger         *zap.Logger
	recordResolver RecordResolver
}

// NewLauncher constructs a Launcher after validating its dependencies.
func NewLauncher(dependencies Dependencies) (*Launcher, error) {
	if dependencies.Logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if dependencies.RecordResolver == nil {
		return nil, ErrRecordResolverNotConfigured
	}
	return &Launcher{logger: dependencies.Logger, recordResolver: dependencies.RecordResolver}, nil
}

// RunInteractive drives the engine in the current process until it finishes
// or an interrupt/termination signal arrives.
func RunInteractive(parentContext context.Context, engineRunner EngineRunner) error {
	signalContext, stopNotifications := signal.NotifyContext(parentContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopNotifications()
	return engineRunner.Run(signalContext)
}

// LaunchDaemon spawns the executable as a detached session leader with stdio
// redirected to the instance log file, then waits for the child's registry
// record to appear. The returned record carries the child's pid and log path.
func (launcher *Launcher) LaunchDaemon(options Options) (registry.DaemonRecord, error) {
	if validationError := validateOptions(options); validationError != nil {
		return registry.DaemonRecord{}, validationError
	}

	registrationTimeout := options.RegistrationTimeout
	if registrationTimeout <= 0 {
		registrationTimeout = defaultRegistrationTimeoutConstant
	}
	registrationStep := options.RegistrationStep
	if registrationStep <= 0 {
		registrationStep = defaultRegistrationPollStepConstant
	}

	if directoryError := os.MkdirAll(filepath.Dir(options.LogFilePath), logDirectoryPermissionsConstant); directoryError != nil {
		return registry.DaemonRecord{}, fmt.Errorf(logDirectoryErrorTemplateConstant, directoryError)
	}

	logFile, logFileError := os.OpenFile(options.LogFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, logFilePermissionsConstant)
	if logFileError != nil {
		return registry.DaemonRecord{}, fmt.Errorf(logFileErrorTemplateConstant, logFileError)
	}
	defer func() {
		_ = logFile.Close()
	}()

	daemonCommand := exec.Command(options.ExecutablePath, options.Arguments...)
	daemonCommand.Dir = options.RepositoryPath
	daemonCommand.Stdout = logFile
	daemonCommand.Stderr = logFile
	daemonCommand.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if startError := daemonCommand.Start(); startError != nil {
		return registry.DaemonRecord{}, fmt.Errorf(spawnErrorTemplateConstant, startError)
	}

	childExited := make(chan error, 1)
	go func() {
		childExited <- daemonCommand.Wait()
	}()

	registrationDeadline := time.Now().Add(registrationTimeout)
	for {
		record, resolutionError := launcher.recordResolver.Resolve(options.RepositoryPath, options.BranchName)
		if resolutionError == nil {
			launcher.logger.Info(
				daemonSpawnedLogMessageConstant,
				zap.Int(logFieldProcessIDConstant, record.ProcessID),
				zap.String(logFieldLogFilePathConstant, record.LogFilePath),
			)
			return record, nil
		}

		select {
		case waitError := <-childExited:
			return registry.DaemonRecord{}, ChildExitedError{ExitState: describeExit(waitError)}
		default:
		}

		if time.Now().After(registrationDeadline) {
			_ = daemonCommand.Process.Kill()
			return registry.DaemonRecord{}, ErrLaunchTimeout
		}

		time.Sleep(registrationStep)
	}
}

func validateOptions(options Options) error {
	if len(strings.TrimSpace(options.ExecutablePath)) == 0 {
		return ErrExecutablePathRequired
	}
	if len(strings.TrimSpace(options.RepositoryPath)) == 0 {
		return ErrRepositoryPathRequired
	}
	if len(strings.TrimSpace(options.LogFilePath)) == 0 {
		return ErrLogFilePathRequired
	}
	return nil
}

func describeExit(waitError error) string {
	if waitError == nil {
		return "exit status 0"
	}
	return waitError.Error()
}

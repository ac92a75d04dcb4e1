package syncer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/swinglejohn/gitbranchsyncer/internal/execshell"
	"github.com/swinglejohn/gitbranchsyncer/internal/gitrepo"
	"github.com/swinglejohn/gitbranchsyncer/internal/hook"
	"github.com/swinglejohn/gitbranchsyncer/internal/launcher"
	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
	"github.com/swinglejohn/gitbranchsyncer/internal/utils"
	pathutils "github.com/swinglejohn/gitbranchsyncer/internal/utils/path"
)

const (
	startCommandUseConstant               = "start [branch]"
	startCommandShortDescriptionConstant  = "Start a sync daemon for a branch"
	startCommandLongDescriptionConstant   = "start watches a branch for remote updates, fast-forwards it on an interval, and runs the repository hook script after each update. By default the watcher detaches into a background daemon."
	daemonFlagNameConstant                = "daemon"
	daemonFlagDescriptionConstant         = "Detach and run the watcher as a background daemon"
	foregroundFlagNameConstant            = "foreground"
	foregroundFlagDescriptionConstant     = "Run the watcher in the current process"
	startSubcommandNameConstant           = "start"
	configFlagNameConstant                = "config"
	configFlagTemplateConstant            = "--%s"
	executableResolutionTemplateConstant  = "failed to resolve executable: %w"
	workingDirectoryErrorTemplateConstant = "failed to resolve working directory: %w"
	daemonStartedMessageTemplateConstant  = "Started sync daemon for %s on branch %q (pid %d)\nLog: %s\n"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// DaemonLoggerProvider yields a file-backed logger for detached daemon processes.
type DaemonLoggerProvider func(logFilePath string) (*zap.Logger, error)

// CommandBuilder assembles the start command.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	DaemonLoggerProvider  DaemonLoggerProvider
	ConfigurationProvider func() CommandConfiguration
	WorkingDirectory      string
	GitExecutor           gitrepo.GitExecutor
}

// Build constructs the start command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   startCommandUseConstant,
		Short: startCommandShortDescriptionConstant,
		Long:  startCommandLongDescriptionConstant,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}

	command.Flags().Bool(daemonFlagNameConstant, true, daemonFlagDescriptionConstant)
	command.Flags().Bool(foregroundFlagNameConstant, false, foregroundFlagDescriptionConstant)
	if hideError := command.Flags().MarkHidden(foregroundFlagNameConstant); hideError != nil {
		return nil, hideError
	}

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	configuration := builder.resolveConfiguration()
	consoleLogger := builder.resolveLogger()

	gitExecutor, executorError := builder.resolveGitExecutor(consoleLogger)
	if executorError != nil {
		return executorError
	}
	repositoryClient, clientError := gitrepo.NewRepositoryClient(gitExecutor)
	if clientError != nil {
		return clientError
	}

	workingDirectory := pathutils.NewRepositoryPathNormalizer().Normalize(builder.WorkingDirectory)
	if len(workingDirectory) == 0 {
		resolvedWorkingDirectory, workingDirectoryError := os.Getwd()
		if workingDirectoryError != nil {
			return fmt.Errorf(workingDirectoryErrorTemplateConstant, workingDirectoryError)
		}
		workingDirectory = resolvedWorkingDirectory
	}

	repositoryRoot, rootError := repositoryClient.RepositoryRoot(command.Context(), workingDirectory)
	if rootError != nil {
		return rootError
	}

	branchName := ""
	if len(arguments) > 0 {
		branchName = strings.TrimSpace(arguments[0])
	}
	if len(branchName) == 0 {
		currentBranch, branchError := repositoryClient.CurrentBranch(command.Context(), repositoryRoot)
		if branchError != nil {
			return branchError
		}
		branchName = currentBranch
	}

	stateDirectory := pathutils.NewHomeExpander().Expand(configuration.StateDirectory)
	store, storeError := registry.NewStore(registry.Dependencies{Logger: consoleLogger}, stateDirectory)
	if storeError != nil {
		return storeError
	}
	logFilePath := store.LogFilePathFor(repositoryRoot, branchName)

	daemonRequested, daemonFlagError := command.Flags().GetBool(daemonFlagNameConstant)
	if daemonFlagError != nil {
		return daemonFlagError
	}
	foregroundRequested, foregroundFlagError := command.Flags().GetBool(foregroundFlagNameConstant)
	if foregroundFlagError != nil {
		return foregroundFlagError
	}

	if daemonRequested && !foregroundRequested {
		return builder.launchDaemon(command, consoleLogger, store, repositoryRoot, branchName, logFilePath)
	}

	return builder.runForeground(command, configuration, consoleLogger, stateDirectory, repositoryRoot, branchName, logFilePath, foregroundRequested)
}

// launchDaemon re-executes this binary with the hidden foreground marker and
// waits for the child to register itself. A live record for the branch fails
// the launch before a child is spawned, since the registry poll would
// otherwise resolve the existing daemon as the new one.
func (builder *CommandBuilder) launchDaemon(command *cobra.Command, consoleLogger *zap.Logger, store *registry.Store, repositoryRoot string, branchName string, logFilePath string) error {
	if existingRecord, resolveError := store.Resolve(repositoryRoot, branchName); resolveError == nil {
		return registry.ConflictError{
			RepositoryPath: existingRecord.RepositoryPath,
			BranchName:     existingRecord.BranchName,
			ProcessID:      existingRecord.ProcessID,
		}
	} else {
		notFoundError := registry.NotFoundError{}
		if !errors.As(resolveError, &notFoundError) {
			return resolveError
		}
	}

	executablePath, executableError := os.Executable()
	if executableError != nil {
		return fmt.Errorf(executableResolutionTemplateConstant, executableError)
	}

	childArguments := []string{startSubcommandNameConstant, branchName, fmt.Sprintf(configFlagTemplateConstant, foregroundFlagNameConstant)}
	contextAccessor := utils.NewCommandContextAccessor()
	if configurationFilePath, configurationAvailable := contextAccessor.ConfigurationFilePath(command.Context()); configurationAvailable {
		childArguments = append(childArguments, fmt.Sprintf(configFlagTemplateConstant, configFlagNameConstant), configurationFilePath)
	}

	daemonLauncher, launcherError := launcher.NewLauncher(launcher.Dependencies{Logger: consoleLogger, RecordResolver: store})
	if launcherError != nil {
		return launcherError
	}

	launchedRecord, launchError := daemonLauncher.LaunchDaemon(launcher.Options{
		ExecutablePath: executablePath,
		Arguments:      childArguments,
		RepositoryPath: repositoryRoot,
		BranchName:     branchName,
		LogFilePath:    logFilePath,
	})
	if launchError != nil {
		return launchError
	}

	fmt.Fprintf(
		command.OutOrStdout(),
		daemonStartedMessageTemplateConstant,
		launchedRecord.RepositoryPath,
		launchedRecord.BranchName,
		launchedRecord.ProcessID,
		launchedRecord.LogFilePath,
	)
	return nil
}

func (builder *CommandBuilder) runForeground(command *cobra.Command, configuration CommandConfiguration, consoleLogger *zap.Logger, stateDirectory string, repositoryRoot string, branchName string, logFilePath string, detachedChild bool) error {
	engineLogger := consoleLogger
	if detachedChild && builder.DaemonLoggerProvider != nil {
		daemonLogger, daemonLoggerError := builder.DaemonLoggerProvider(logFilePath)
		if daemonLoggerError != nil {
			return daemonLoggerError
		}
		engineLogger = daemonLogger
	}

	gitExecutor, executorError := builder.resolveGitExecutor(engineLogger)
	if executorError != nil {
		return executorError
	}
	repositoryClient, clientError := gitrepo.NewRepositoryClient(gitExecutor)
	if clientError != nil {
		return clientError
	}

	engineStore, storeError := registry.NewStore(registry.Dependencies{Logger: engineLogger}, stateDirectory)
	if storeError != nil {
		return storeError
	}
	if directoriesError := engineStore.EnsureDirectories(); directoriesError != nil {
		return directoriesError
	}

	hookSupervisor, supervisorError := hook.NewSupervisor(
		hook.Dependencies{Logger: engineLogger},
		hook.Options{HookFileName: configuration.HookFileName, OutputWriter: command.OutOrStdout()},
	)
	if supervisorError != nil {
		return supervisorError
	}

	engine, engineError := NewEngine(
		Dependencies{
			RepositoryClient: repositoryClient,
			HookRunner:       hookSupervisor,
			Registrar:        engineStore,
			Logger:           engineLogger,
		},
		Options{
			RepositoryPath: repositoryRoot,
			BranchName:     branchName,
			PollInterval:   configuration.PollInterval(),
			LogFilePath:    logFilePath,
		},
	)
	if engineError != nil {
		return engineError
	}

	return launcher.RunInteractive(command.Context(), engine)
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration()
	}
	return builder.ConfigurationProvider().Sanitize()
}

func (builder *CommandBuilder) resolveGitExecutor(logger *zap.Logger) (gitrepo.GitExecutor, error) {
	if builder.GitExecutor != nil {
		return builder.GitExecutor, nil
	}
	return execshell.NewShellExecutor(logger, execshell.NewOSCommandRunner())
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	if builder.LoggerProvider == nil {
		return zap.NewNop()
	}
	logger := builder.LoggerProvider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/swinglejohn/gitbranchsyncer/internal/execshell"
	"github.com/swinglejohn/gitbranchsyncer/internal/gitrepo"
	pathutils "github.com/swinglejohn/gitbranchsyncer/internal/utils/path"
)

const (
	stopCommandUseConstant                    = "stop [branch|all]"
	stopCommandShortDescriptionConstant       = "Stop a running sync daemon"
	stopCommandLongDescriptionConstant        = "stop terminates the sync daemon watching a branch of the current repository. Passing \"all\" stops every running daemon across repositories."
	stopAllArgumentConstant                   = "all"
	stoppedMessageTemplateConstant            = "Stopped sync daemon for %s on branch %q (pid %d)\n"
	alreadyStoppedMessageTemplateConstant     = "Sync daemon for %s on branch %q had already exited; removed its record\n"
	stoppedCountMessageTemplateConstant       = "Stopped %d sync daemon(s)\n"
	noDaemonsRunningMessageConstant           = "No sync daemons running.\n"
	stopWorkingDirectoryErrorTemplateConstant = "failed to resolve working directory: %w"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// StopCommandBuilder assembles the stop command.
type StopCommandBuilder struct {
	LoggerProvider         LoggerProvider
	StateDirectoryProvider func() string
	WorkingDirectory       string
	GitExecutor            gitrepo.GitExecutor
}

// Build constructs the stop command.
func (builder *StopCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   stopCommandUseConstant,
		Short: stopCommandShortDescriptionConstant,
		Long:  stopCommandLongDescriptionConstant,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}
	return command, nil
}

func (builder *StopCommandBuilder) run(command *cobra.Command, arguments []string) error {
	logger := resolveCommandLogger(builder.LoggerProvider)
	store, storeError := newCommandStore(logger, builder.StateDirectoryProvider)
	if storeError != nil {
		return storeError
	}

	if len(arguments) > 0 && arguments[0] == stopAllArgumentConstant {
		stoppedCount, stopAllError := store.StopAll()
		if stopAllError != nil {
			return stopAllError
		}
		if stoppedCount == 0 {
			fmt.Fprint(command.OutOrStdout(), noDaemonsRunningMessageConstant)
			return nil
		}
		fmt.Fprintf(command.OutOrStdout(), stoppedCountMessageTemplateConstant, stoppedCount)
		return nil
	}

	repositoryRoot, branchName, resolutionError := builder.resolveTarget(command, arguments)
	if resolutionError != nil {
		return resolutionError
	}

	record, lookupError := store.Resolve(repositoryRoot, branchName)
	if lookupError != nil {
		return lookupError
	}

	stopResult, stopError := store.Stop(record)
	if stopError != nil {
		return stopError
	}

	if stopResult.AlreadyStopped {
		fmt.Fprintf(command.OutOrStdout(), alreadyStoppedMessageTemplateConstant, record.RepositoryPath, record.BranchName)
		return nil
	}

	fmt.Fprintf(command.OutOrStdout(), stoppedMessageTemplateConstant, record.RepositoryPath, record.BranchName, record.ProcessID)
	return nil
}

// resolveTarget locates the repository root from the working directory and the
// branch either from the argument or from the checked-out branch.
func (builder *StopCommandBuilder) resolveTarget(command *cobra.Command, arguments []string) (string, string, error) {
	logger := resolveCommandLogger(builder.LoggerProvider)

	gitExecutor := builder.GitExecutor
	if gitExecutor == nil {
		shellExecutor, executorError := execshell.NewShellExecutor(logger, execshell.NewOSCommandRunner())
		if executorError != nil {
			return "", "", executorError
		}
		gitExecutor = shellExecutor
	}

	repositoryClient, clientError := gitrepo.NewRepositoryClient(gitExecutor)
	if clientError != nil {
		return "", "", clientError
	}

	workingDirectory := pathutils.NewRepositoryPathNormalizer().Normalize(builder.WorkingDirectory)
	if len(workingDirectory) == 0 {
		resolvedWorkingDirectory, workingDirectoryError := os.Getwd()
		if workingDirectoryError != nil {
			return "", "", fmt.Errorf(stopWorkingDirectoryErrorTemplateConstant, workingDirectoryError)
		}
		workingDirectory = resolvedWorkingDirectory
	}

	repositoryRoot, rootError := repositoryClient.RepositoryRoot(command.Context(), workingDirectory)
	if rootError != nil {
		return "", "", rootError
	}

	branchName := ""
	if len(arguments) > 0 {
		branchName = strings.TrimSpace(arguments[0])
	}
	if len(branchName) == 0 {
		currentBranch, branchError := repositoryClient.CurrentBranch(command.Context(), repositoryRoot)
		if branchError != nil {
			return "", "", branchError
		}
		branchName = currentBranch
	}

	return repositoryRoot, branchName, nil
}

func resolveCommandLogger(provider LoggerProvider) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func newCommandStore(logger *zap.Logger, stateDirectoryProvider func() string) (*Store, error) {
	stateDirectory := ""
	if stateDirectoryProvider != nil {
		stateDirectory = stateDirectoryProvider()
	}
	return NewStore(Dependencies{Logger: logger}, pathutils.NewHomeExpander().Expand(stateDirectory))
}

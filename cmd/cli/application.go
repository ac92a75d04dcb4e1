package cli

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
	"github.com/swinglejohn/gitbranchsyncer/internal/syncer"
	"github.com/swinglejohn/gitbranchsyncer/internal/utils"
	pathutils "github.com/swinglejohn/gitbranchsyncer/internal/utils/path"
)

const (
	applicationNameConstant                 = "git-branch-syncer"
	applicationShortDescriptionConstant     = "Keep local branches in sync with their remotes"
	applicationLongDescriptionConstant      = "git-branch-syncer watches branches for remote updates, fast-forwards them on a poll interval, and runs a repository hook script after each update. Background daemons are managed through the start, stop, and list commands."
	configFileFlagNameConstant              = "config"
	configFileFlagUsageConstant             = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant                = "log-level"
	logLevelFlagUsageConstant               = "Override the configured log level (debug, info, warn, error)."
	logFormatFlagNameConstant               = "log-format"
	logFormatFlagUsageConstant              = "Override the configured log format (structured or console)."
	commonConfigurationKeyConstant          = "common"
	commonLogLevelConfigKeyConstant         = commonConfigurationKeyConstant + ".log_level"
	commonLogFormatConfigKeyConstant        = commonConfigurationKeyConstant + ".log_format"
	environmentPrefixConstant               = "GITBRANCHSYNCER"
	configurationNameConstant               = "config"
	configurationTypeConstant               = "yaml"
	configurationInitializedMessageConstant = "configuration initialized"
	configurationLogLevelFieldConstant      = "log_level"
	configurationFileFieldConstant          = "config_file"
	configurationLoadErrorTemplateConstant  = "unable to load configuration: %w"
	loggerCreationErrorTemplateConstant     = "unable to create logger: %w"
	loggerSyncErrorTemplateConstant         = "unable to flush logger: %w"
	commandBuildErrorTemplateConstant       = "unable to build %s command: %w"
	defaultConfigurationSearchPathConstant  = "."
	startCommandLabelConstant               = "start"
	stopCommandLabelConstant                = "stop"
	listCommandLabelConstant                = "list"
)

// ApplicationCommonConfiguration captures logging configuration shared by every command.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// ApplicationToolsConfiguration groups per-tool configuration sections.
type ApplicationToolsConfiguration struct {
	Sync syncer.CommandConfiguration `mapstructure:"sync"`
}

// ApplicationConfiguration describes the persisted configuration for the CLI.
type ApplicationConfiguration struct {
	Common ApplicationCommonConfiguration `mapstructure:"common"`
	Tools  ApplicationToolsConfiguration  `mapstructure:"tools"`
}

// Application wires the Cobra command hierarchy, configuration loader, and structured logger.
type Application struct {
	rootCommand            *cobra.Command
	configurationLoader    *utils.ConfigurationLoader
	loggerFactory          *utils.LoggerFactory
	logger                 *zap.Logger
	configuration          ApplicationConfiguration
	configurationMetadata  utils.LoadedConfiguration
	configurationFilePath  string
	logLevelFlagValue      string
	logFormatFlagValue     string
	commandContextAccessor utils.CommandContextAccessor
	initializationError    error
}

// NewApplication assembles the CLI application with its command hierarchy.
func NewApplication() *Application {
	defaultStateDirectory := pathutils.NewHomeExpander().Expand(syncer.DefaultCommandConfiguration().StateDirectory)

	application := &Application{
		configurationLoader: utils.NewConfigurationLoader(
			configurationNameConstant,
			configurationTypeConstant,
			environmentPrefixConstant,
			[]string{defaultConfigurationSearchPathConstant, defaultStateDirectory},
		),
		loggerFactory:          utils.NewLoggerFactory(),
		commandContextAccessor: utils.NewCommandContextAccessor(),
	}

	rootCommand := &cobra.Command{
		Use:           applicationNameConstant,
		Short:         applicationShortDescriptionConstant,
		Long:          applicationLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return application.initializeConfiguration(command)
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}

	rootCommand.SetContext(context.Background())
	rootCommand.PersistentFlags().StringVar(&application.configurationFilePath, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	rootCommand.PersistentFlags().StringVar(&application.logLevelFlagValue, logLevelFlagNameConstant, "", logLevelFlagUsageConstant)
	rootCommand.PersistentFlags().StringVar(&application.logFormatFlagValue, logFormatFlagNameConstant, "", logFormatFlagUsageConstant)

	application.rootCommand = rootCommand
	application.registerCommands()

	return application
}

// Execute runs the default application. It is the entrypoint used by main.
func Execute() error {
	return NewApplication().Execute()
}

// Execute runs the configured Cobra command hierarchy and ensures logger flushing.
func (application *Application) Execute() error {
	if application.initializationError != nil {
		return application.initializationError
	}

	executionError := application.rootCommand.Execute()
	if syncError := application.flushLogger(); syncError != nil && executionError == nil {
		return fmt.Errorf(loggerSyncErrorTemplateConstant, syncError)
	}
	return executionError
}

// RootCommand exposes the assembled root command, primarily for tests.
func (application *Application) RootCommand() *cobra.Command {
	return application.rootCommand
}

func (application *Application) registerCommands() {
	startBuilder := &syncer.CommandBuilder{
		LoggerProvider:       application.loggerProvider(),
		DaemonLoggerProvider: application.daemonLoggerProvider(),
		ConfigurationProvider: func() syncer.CommandConfiguration {
			return application.configuration.Tools.Sync
		},
	}
	application.addBuiltCommand(startCommandLabelConstant, startBuilder.Build)

	stopBuilder := &registry.StopCommandBuilder{
		LoggerProvider:         application.loggerProvider(),
		StateDirectoryProvider: application.stateDirectoryProvider(),
	}
	application.addBuiltCommand(stopCommandLabelConstant, stopBuilder.Build)

	listBuilder := &registry.ListCommandBuilder{
		LoggerProvider:         application.loggerProvider(),
		StateDirectoryProvider: application.stateDirectoryProvider(),
	}
	application.addBuiltCommand(listCommandLabelConstant, listBuilder.Build)
}

func (application *Application) addBuiltCommand(commandLabel string, buildCommand func() (*cobra.Command, error)) {
	builtCommand, buildError := buildCommand()
	if buildError != nil {
		application.initializationError = errors.Join(
			application.initializationError,
			fmt.Errorf(commandBuildErrorTemplateConstant, commandLabel, buildError),
		)
		return
	}
	application.rootCommand.AddCommand(builtCommand)
}

func (application *Application) loggerProvider() func() *zap.Logger {
	return func() *zap.Logger {
		return application.logger
	}
}

func (application *Application) daemonLoggerProvider() syncer.DaemonLoggerProvider {
	return func(logFilePath string) (*zap.Logger, error) {
		return application.loggerFactory.CreateRotatingFileLogger(
			application.resolvedLogLevel(),
			application.resolvedLogFormat(),
			logFilePath,
		)
	}
}

func (application *Application) stateDirectoryProvider() func() string {
	return func() string {
		return application.configuration.Tools.Sync.Sanitize().StateDirectory
	}
}

func (application *Application) initializeConfiguration(command *cobra.Command) error {
	defaultValues := map[string]any{
		commonLogLevelConfigKeyConstant:  string(utils.LogLevelInfo),
		commonLogFormatConfigKeyConstant: string(utils.LogFormatStructured),
	}
	for configurationKey, configurationValue := range syncer.DefaultConfigurationValues() {
		defaultValues[configurationKey] = configurationValue
	}

	loadedConfiguration, loadError := application.configurationLoader.LoadConfiguration(application.configurationFilePath, defaultValues, &application.configuration)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplateConstant, loadError)
	}
	application.configurationMetadata = loadedConfiguration

	if application.persistentFlagChanged(logLevelFlagNameConstant) {
		application.configuration.Common.LogLevel = application.logLevelFlagValue
	}
	if application.persistentFlagChanged(logFormatFlagNameConstant) {
		application.configuration.Common.LogFormat = application.logFormatFlagValue
	}

	logger, loggerCreationError := application.loggerFactory.CreateLogger(application.resolvedLogLevel(), application.resolvedLogFormat())
	if loggerCreationError != nil {
		return fmt.Errorf(loggerCreationErrorTemplateConstant, loggerCreationError)
	}
	application.logger = logger

	commandContext := application.commandContextAccessor.WithConfigurationFilePath(command.Context(), application.configurationMetadata.ConfigFileUsed)
	command.SetContext(commandContext)

	application.logger.Debug(
		configurationInitializedMessageConstant,
		zap.String(configurationLogLevelFieldConstant, string(application.resolvedLogLevel())),
		zap.String(configurationFileFieldConstant, application.configurationMetadata.ConfigFileUsed),
	)

	return nil
}

func (application *Application) resolvedLogLevel() utils.LogLevel {
	if len(application.configuration.Common.LogLevel) == 0 {
		return utils.LogLevelInfo
	}
	return utils.LogLevel(application.configuration.Common.LogLevel)
}

func (application *Application) resolvedLogFormat() utils.LogFormat {
	if len(application.configuration.Common.LogFormat) == 0 {
		return utils.LogFormatStructured
	}
	return utils.LogFormat(application.configuration.Common.LogFormat)
}

func (application *Application) persistentFlagChanged(flagName string) bool {
	return flagChanged(application.rootCommand.PersistentFlags().Lookup(flagName))
}

func flagChanged(persistentFlag *pflag.Flag) bool {
	return persistentFlag != nil && persistentFlag.Changed
}

func (application *Application) flushLogger() error {
	if application.logger == nil {
		return nil
	}

	syncError := application.logger.Sync()
	switch {
	case syncError == nil:
		return nil
	case errors.Is(syncError, syscall.ENOTSUP):
		return nil
	case errors.Is(syncError, syscall.EINVAL):
		return nil
	default:
		return syncError
	}
}

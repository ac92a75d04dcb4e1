package syncer

import (
	"strings"
	"time"

	"github.com/swinglejohn/gitbranchsyncer/internal/hook"
)

const (
	defaultPollIntervalSecondsConstant = 5
	defaultStateDirectoryConstant      = "~/.git-branch-syncer"

	pollIntervalConfigurationKeyConstant   = "tools.sync.poll_interval_seconds"
	hookFileNameConfigurationKeyConstant   = "tools.sync.hook_file_name"
	stateDirectoryConfigurationKeyConstant = "tools.sync.state_directory"
)

// CommandConfiguration captures configuration values for the sync commands.
type CommandConfiguration struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	HookFileName        string `mapstructure:"hook_file_name"`
	StateDirectory      string `mapstructure:"state_directory"`
}

// DefaultCommandConfiguration provides baseline configuration values for the sync commands.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		PollIntervalSeconds: defaultPollIntervalSecondsConstant,
		HookFileName:        hook.DefaultHookFileNameConstant,
		StateDirectory:      defaultStateDirectoryConstant,
	}
}

// DefaultConfigurationValues exposes the configuration defaults keyed for the loader.
func DefaultConfigurationValues() map[string]any {
	defaults := DefaultCommandConfiguration()
	return map[string]any{
		pollIntervalConfigurationKeyConstant:   defaults.PollIntervalSeconds,
		hookFileNameConfigurationKeyConstant:   defaults.HookFileName,
		stateDirectoryConfigurationKeyConstant: defaults.StateDirectory,
	}
}

// Sanitize trims configuration values and replaces invalid ones with defaults.
func (configuration CommandConfiguration) Sanitize() CommandConfiguration {
	sanitized := configuration

	if sanitized.PollIntervalSeconds <= 0 {
		sanitized.PollIntervalSeconds = defaultPollIntervalSecondsConstant
	}

	sanitized.HookFileName = strings.TrimSpace(configuration.HookFileName)
	if len(sanitized.HookFileName) == 0 {
		sanitized.HookFileName = hook.DefaultHookFileNameConstant
	}

	sanitized.StateDirectory = strings.TrimSpace(configuration.StateDirectory)
	if len(sanitized.StateDirectory) == 0 {
		sanitized.StateDirectory = defaultStateDirectoryConstant
	}

	return sanitized
}

// PollInterval converts the configured seconds into a duration.
func (configuration CommandConfiguration) PollInterval() time.Duration {
	sanitized := configuration.Sanitize()
	return time.Duration(sanitized.PollIntervalSeconds) * time.Second
}

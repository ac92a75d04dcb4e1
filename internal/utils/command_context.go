package utils

import "context"

// commandContextKey scopes context values owned by this package.
type commandContextKey string

const configurationFilePathContextKeyConstant = commandContextKey("configuration_file_path")

// CommandContextAccessor reads and writes command-scoped context values. The
// daemon launch path uses it to hand the resolved configuration file down to
// the re-executed child process.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithConfigurationFilePath stores the resolved configuration file path on the context.
func (accessor CommandContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, configurationFilePathContextKeyConstant, configurationFilePath)
}

// ConfigurationFilePath reports the stored configuration file path. The
// boolean is false when no path was stored or the stored path is empty.
func (accessor CommandContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	configurationFilePath, pathStored := executionContext.Value(configurationFilePathContextKeyConstant).(string)
	if !pathStored || len(configurationFilePath) == 0 {
		return "", false
	}
	return configurationFilePath, true
}

package registry

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const (
	listCommandUseConstant              = "list"
	listCommandShortDescriptionConstant = "List running sync daemons"
	listCommandLongDescriptionConstant  = "list shows every running sync daemon grouped by repository, with its branch, process id, start time, and log file."
	listRepositoryLineTemplateConstant  = "%s\n"
	listRecordLineTemplateConstant      = "  %s (pid %d, started %s, log %s)\n"
)

// ListCommandBuilder assembles the list command.
type ListCommandBuilder struct {
	LoggerProvider         LoggerProvider
	StateDirectoryProvider func() string
}

// Build constructs the list command.
func (builder *ListCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   listCommandUseConstant,
		Short: listCommandShortDescriptionConstant,
		Long:  listCommandLongDescriptionConstant,
		Args:  cobra.NoArgs,
		RunE:  builder.run,
	}
	return command, nil
}

func (builder *ListCommandBuilder) run(command *cobra.Command, _ []string) error {
	logger := resolveCommandLogger(builder.LoggerProvider)
	store, storeError := newCommandStore(logger, builder.StateDirectoryProvider)
	if storeError != nil {
		return storeError
	}

	listing, listError := store.List()
	if listError != nil {
		return listError
	}

	if len(listing) == 0 {
		fmt.Fprint(command.OutOrStdout(), noDaemonsRunningMessageConstant)
		return nil
	}

	for _, repositoryDaemons := range listing {
		fmt.Fprintf(command.OutOrStdout(), listRepositoryLineTemplateConstant, repositoryDaemons.RepositoryPath)
		for _, record := range repositoryDaemons.Records {
			fmt.Fprintf(
				command.OutOrStdout(),
				listRecordLineTemplateConstant,
				record.BranchName,
				record.ProcessID,
				record.StartedAt.Format(time.RFC3339),
				record.LogFilePath,
			)
		}
	}

	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// Example: go build -ldflags "-X github.com/xkilldash9x/repoagent/cmd.Version=1.0.0"
var Version = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the repoagent version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "repoagent %s\n", Version)
			return err
		},
	}
}

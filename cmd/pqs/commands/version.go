package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/pqs/pqs/protocol"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the program and protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pqs %s (session protocol %d)\n", Version, protocol.SessionProtocolVersion)
			return nil
		},
	}
}

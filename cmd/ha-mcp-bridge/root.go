package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ha-mcp-bridge",
		Short:         "OAuth-protected MCP bridge for Home Assistant",
		Long:          "ha-mcp-bridge exposes Home Assistant to MCP clients through a self-hosted OAuth 2.0 authorization server with per-user credential vaulting.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ha-mcp-bridge", version)
		},
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.weald.dev/reviver/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "reviver",
		Short: "Reviver - restart proxy for MCP stdio servers",
		Long: `Reviver sits between an MCP client and a stdio MCP server and keeps the
client's session alive while the server process is restarted, crashed or not.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewServeCommand(),
		NewInspectCommand(),
		NewEventsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// childSpecFromArgs merges a "-- command args..." tail over the configured
// child block. The command line wins so ad hoc runs need no config file.
func childSpecFromArgs(cfg *core.Configuration, args []string) (core.ChildConfig, error) {
	child := cfg.Child
	if len(args) > 0 {
		child.Command = args[0]
		child.Args = args[1:]
	}
	if child.Command == "" {
		return child, fmt.Errorf("no child command: pass one after -- or set the child block in %s", core.ConfigFilePath(cfg.ConfigPath))
	}
	return child, nil
}

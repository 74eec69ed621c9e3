package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.weald.dev/reviver/internal/core"
	"go.weald.dev/reviver/internal/inspect"
	"go.weald.dev/reviver/internal/proxy"
)

func NewInspectCommand() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect [tools|resources|prompts|all] -- command [args...]",
		Short: "Query a server's listings once and print them",
		Long: `Inspect spawns the MCP server directly (no proxying, no restart tool),
performs the initialize handshake, queries the requested listings and prints
the raw JSON results. With no sections named, all are queried.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config-path")
			verbose, _ := cmd.Flags().GetCount("verbose")
			core.SetupLogging(verbose, "")

			sectionArgs, childArgs := args, []string(nil)
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				sectionArgs, childArgs = args[:dash], args[dash:]
			}
			sections, err := inspectSections(sectionArgs)
			if err != nil {
				return err
			}

			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			child, err := childSpecFromArgs(cfg, childArgs)
			if err != nil {
				return err
			}

			return inspect.Run(cmd.Context(), inspect.Options{
				Spec: proxy.Spec{
					Command:     child.Command,
					Args:        child.Args,
					Workdir:     child.Workdir,
					Environment: child.Environment,
				},
				Timeout: cfg.Timeouts.Request,
				What:    sections,
			}, os.Stdout)
		},
	}

	return inspectCmd
}

// inspectSections validates the positional section names. "all" and an empty
// list both mean every section.
func inspectSections(args []string) ([]string, error) {
	var sections []string
	for _, arg := range args {
		switch arg {
		case "all":
			return nil, nil
		case "tools", "resources", "prompts":
			sections = append(sections, arg)
		default:
			return nil, fmt.Errorf("unknown section %q (want tools, resources, prompts or all)", arg)
		}
	}
	return sections, nil
}

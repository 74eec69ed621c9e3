package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.weald.dev/reviver/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(core.FormatVersion(core.Version))
		},
	}
}

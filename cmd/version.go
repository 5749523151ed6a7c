package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/azurebridge/pkg/version"
)

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("azurebridge"))
		},
	}
	rootCmd.AddCommand(versionCmd)
}

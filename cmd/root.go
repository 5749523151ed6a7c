package cmd

import (
	"fmt"
	"os"

	log "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/azurebridge/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "azurebridge",
	Short: "OpenAI-compatible bridge for the Azure completion backend",
	Long:  "OpenAI-compatible bridge that mints backend credentials, proxies chat and image requests, and rewrites media URLs.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Warn("load .env", "error", err)
		}
		if err := logutil.Configure(rootLogLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/azurebridge/pkg/config"
	"github.com/lkarlslund/azurebridge/pkg/keypool"
	"github.com/lkarlslund/azurebridge/pkg/proxy"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}

			var store keypool.Store
			if cfg.KeyPool.UseSQLite {
				sqlStore, err := keypool.NewSQLiteStore(cfg.KeyPool.SQLitePath)
				if err != nil {
					return fmt.Errorf("open credential store: %w", err)
				}
				store = sqlStore
			} else {
				store = keypool.NewMemoryStore()
			}
			defer store.Close()
			log.Info("credential store ready", "sqlite", cfg.KeyPool.UseSQLite)

			srv := proxy.NewServer(cfg, store)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8000)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/genchain/
var version = "dev"

// commandContext lazily loads configuration and the wired engine for
// subcommands.
type commandContext struct {
	configFlag *string

	once   sync.Once
	cfg    *Config
	cfgErr error
	logger *slog.Logger
}

func (c *commandContext) config() (*Config, error) {
	c.once.Do(func() {
		c.cfg, c.cfgErr = loadConfig(*c.configFlag)
		if c.cfgErr == nil {
			c.logger = newLogger(c.cfg, os.Stderr)
			slog.SetDefault(c.logger)
		}
	})
	return c.cfg, c.cfgErr
}

// app wires the full engine. Callers must Close it.
func (c *commandContext) app(ctx context.Context) (*app, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, c.logger)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "genchain",
		Short:         "Chained AI generation workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default ~/.genchain/settings.*)")

	rootCmd.AddCommand(
		newServeCommand(ctx),
		newMCPCommand(ctx),
		newMigrateCommand(ctx),
		newSweepCommand(ctx),
		newTemplatesCommand(ctx),
		newModelsCommand(ctx),
		newExecutionsCommand(ctx),
		newAccountsCommand(ctx),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return rootCmd
}

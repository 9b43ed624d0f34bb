package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/session-pipeline/internal/bootstrap"
	"github.com/kirillkom/session-pipeline/internal/config"
	"github.com/kirillkom/session-pipeline/internal/observability/logging"
)

// appOpener builds the application graph; release frees what it opened.
type appOpener func(ctx context.Context, configPath string) (app *bootstrap.App, release func(), err error)

func openBootstrapApp(ctx context.Context, configPath string) (*bootstrap.App, func(), error) {
	if path := strings.TrimSpace(configPath); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, nil, fmt.Errorf("set config file: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := requireSharedBackends(cfg); err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logging.New(os.Stderr, "pipelinectl", cfg.LogLevel, "text"))
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return app, app.Close, nil
}

// requireSharedBackends rejects in-process backends: the CLI would read its own empty
// store or enqueue into a queue that no worker drains.
func requireSharedBackends(cfg config.Config) error {
	var memory []string
	if cfg.StoreBackend == config.StoreMemory {
		memory = append(memory, "STORE_BACKEND")
	}
	if cfg.QueueBackend == config.QueueMemory {
		memory = append(memory, "QUEUE_BACKEND")
	}
	if len(memory) > 0 {
		return fmt.Errorf("pipelinectl needs the shared postgres store and nats queue; %s=memory is local to one process", strings.Join(memory, " and "))
	}
	return nil
}

type commandContext struct {
	open       appOpener
	configPath string
	jsonOutput bool
}

func (c *commandContext) withApp(ctx context.Context, fn func(*bootstrap.App) error) error {
	app, release, err := c.open(ctx, c.configPath)
	if err != nil {
		return err
	}
	defer release()
	return fn(app)
}

func newRootCommand(open appOpener) *cobra.Command {
	ctx := &commandContext{open: open}

	rootCmd := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Inspect sessions and recover pipeline work",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOutput, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newRequeueCommand(ctx))
	rootCmd.AddCommand(newReclaimCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	return rootCmd
}

func printLine(out io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(out, format+"\n", args...)
}

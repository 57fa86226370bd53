package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"builder/internal/app"
	"builder/internal/config"
	"builder/internal/logging"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
)

const usage = `Page builder.

Configuration comes from the environment (STORAGE_DRIVER, STORAGE_DSN,
COMPONENTS_DIR, HISTORY_*, AUTOSAVE_*, LOG_LEVEL, METRICS_ADDR).

Usage:
    builder serve-mcp
    builder sync-component <name>
    builder export-page <page_id> [--published]
    builder -h | --help
    builder --version

Options:
    -h --help     Show this screen.
    --version     Show version.
    --published   Export the published version instead of the draft.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], app.Version)
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, cfg, logger); err != nil {
		logger.Error("command failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts, cfg *config.Config, logger *zap.Logger) error {
	serve, _ := opts.Bool("serve-mcp")
	if !serve {
		// One-shot commands never keep pages open long enough to autosave.
		cfg.Autosave.Enabled = false
		cfg.Components.Watch = false
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if serve {
		if err := a.Start(); err != nil {
			return err
		}
		return a.ServeMCP(ctx)
	}

	if sync, _ := opts.Bool("sync-component"); sync {
		name, _ := opts.String("<name>")
		report, err := a.SyncComponent(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	if export, _ := opts.Bool("export-page"); export {
		id, _ := opts.String("<page_id>")
		published, _ := opts.Bool("--published")
		data, err := a.ExportPage(ctx, id, published)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

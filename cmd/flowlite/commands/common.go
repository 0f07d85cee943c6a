package commands

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/flowlite/internal/config"
)

// Global carries state shared across subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI is the root command definition.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:""`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve     ServeCmd     `cmd:"" help:"Run the cockpit daemon with the order-fulfillment sample flow"`
	Demo      DemoCmd      `cmd:"" help:"Run one sample instance end to end and print its timeline"`
	Visualize VisualizeCmd `cmd:"" help:"Print the sample flow as a Mermaid state diagram"`
}

// AfterApply runs after flag parsing; sets up default logging once. Serve
// replaces it with the configured handler.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// levelVar is shared between the serve command and the config watcher so a
// config reload can change verbosity without a restart.
var levelVar = new(slog.LevelVar)

// buildLogger constructs the logger described by the logging section.
func buildLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	switch cfg.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	if verbose {
		levelVar.Set(slog.LevelDebug)
	}

	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// applyLogLevel adjusts the shared level var on config reload.
func applyLogLevel(cfg config.LoggingConfig) {
	switch cfg.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

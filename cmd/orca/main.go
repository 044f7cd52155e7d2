// Command orca plans natural-language goals into step graphs and runs them
// against SQL, document and tool data sources, asking before anything risky.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "orca",
		Short: "Plan and run natural-language goals",
		Long: `Orca turns a goal such as "count last week's orders in the warehouse" into a
small step graph, asks for approval before running generated SQL, and
records every step in a local event log.

Configuration is read from ~/.orca/settings.yaml (or settings.json) and
ORCA_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		runCmd(g),
		planCmd(g),
		serveCmd(g),
		statusCmd(g),
		eventsCmd(g),
		runsCmd(g),
		auditCmd(g),
		pruneCmd(g),
		configCmd(g),
		versionCmd(),
	)
	return cmd
}

// loadSettings loads and validates the layered config.
func (g *globalFlags) loadSettings() (Config, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, cfg.Validate()
}

// withApp wires the application, runs fn and tears everything down.
func (g *globalFlags) withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := g.loadSettings()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

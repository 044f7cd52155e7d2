package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/orca/internal/diagram"
	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/expressions"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/internal/scheduler"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/pkg/mcp"
	"github.com/rendis/orca/pkg/schema"
)

func runCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan a goal and run it, asking before gated steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")
			return g.withApp(cmd.Context(), func(a *app) error {
				approve := promptApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
				if yes {
					approve = engine.AutoApprove
				}
				info, err := a.runner.Run(cmd.Context(), goal, runner.StartOptions{Approve: approve})
				if info != nil {
					if perr := printJSON(cmd.OutOrStdout(), info); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if info.Status != schema.RunStatusCompleted {
					return fmt.Errorf("run %s %s: %s", info.ID, info.Status, info.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every gated step without asking")
	return cmd
}

func planCmd(g *globalFlags) *cobra.Command {
	var (
		format string
		pngOut string
	)
	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Show the plan for a goal without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")
			return g.withApp(cmd.Context(), func(a *app) error {
				plan, err := a.runner.Plan(cmd.Context(), goal)
				if err != nil {
					return err
				}
				model, err := diagram.Build(plan.Goal, plan.DiagramSteps(), nil)
				if err != nil {
					return err
				}
				if pngOut != "" {
					png, err := diagram.RenderImage(cmd.Context(), model)
					if err != nil {
						return err
					}
					if err := os.WriteFile(pngOut, png, 0o644); err != nil {
						return fmt.Errorf("write %s: %w", pngOut, err)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "Diagram written to %s\n", pngOut)
				}
				out := cmd.OutOrStdout()
				switch format {
				case "json":
					return printJSON(out, plan)
				case "ascii":
					_, err = fmt.Fprint(out, diagram.RenderASCII(model))
				default:
					_, err = fmt.Fprint(out, diagram.RenderMermaid(model))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "Output format: mermaid, ascii or json")
	cmd.Flags().StringVar(&pngOut, "png", "", "Also render the plan as a PNG image to this file")
	return cmd
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio and run scheduled goals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				deps := mcp.ServerDeps{Runner: a.runner, Logger: a.logger, Version: version}
				if len(a.cfg.Schedules) > 0 {
					sched, err := scheduler.New(a.cfg.Schedules, a.runner, a.logger)
					if err != nil {
						return err
					}
					if err := sched.Start(ctx); err != nil {
						return err
					}
					defer sched.Stop()
					deps.Schedules = sched
				}
				a.logger.Info("serving MCP on stdio", "version", version)
				return mcp.NewOrcaServer(deps).Serve(ctx)
			})
		},
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a recorded run, step by step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd.Context(), func(a *app) error {
				info, err := a.runner.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
}

func eventsCmd(g *globalFlags) *cobra.Command {
	var (
		since  int64
		filter string
	)
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd.Context(), func(a *app) error {
				events, err := a.runner.Events(cmd.Context(), args[0], since)
				if err != nil {
					return err
				}
				return printEvents(cmd.Context(), cmd.OutOrStdout(), events, filter)
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Only events with a sequence greater than this")
	cmd.Flags().StringVar(&filter, "jq", "", "jq expression applied to the event list")
	return cmd
}

// printEvents writes one JSON event per line, or the jq results when a
// filter is given.
func printEvents(ctx context.Context, w io.Writer, events []*store.Event, filter string) error {
	if filter == "" {
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return err
	}
	results, err := expressions.NewGoJQEngine().Query(ctx, filter, input)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func runsCmd(g *globalFlags) *cobra.Command {
	var (
		status string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.RunFilter{Limit: limit}
			if status != "" {
				rs := schema.RunStatus(status)
				filter.Status = &rs
			}
			if since > 0 {
				t := time.Now().UTC().Add(-since)
				filter.Since = &t
			}
			return g.withApp(cmd.Context(), func(a *app) error {
				runs, err := a.runner.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, r := range runs {
					fmt.Fprintf(w, "%s  %-9s  %-6s  %s  %s\n",
						r.ID, r.Status, r.Intent, r.CreatedAt.Local().Format(time.DateTime), r.Goal)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs created within this duration, e.g. 24h")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	return cmd
}

func auditCmd(g *globalFlags) *cobra.Command {
	var (
		filter store.EventFilter
		kind   string
		since  time.Duration
		jq     string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Search recorded events across runs, newest first",
		Long: `Search the event log across runs. For example, every statement sent to the
database in the last day:

  orca audit --kind sql_execution --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Kind = schema.EventKind(kind)
			if since > 0 {
				t := time.Now().UTC().Add(-since)
				filter.Since = &t
			}
			return g.withApp(cmd.Context(), func(a *app) error {
				events, err := a.runner.Audit(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printEvents(cmd.Context(), cmd.OutOrStdout(), events, jq)
			})
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run", "", "Only events of this run")
	cmd.Flags().StringVar(&filter.StepID, "step", "", "Only events of this step")
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind, e.g. sql_execution")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events within this duration, e.g. 24h")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "Maximum number of events")
	cmd.Flags().StringVar(&jq, "jq", "", "jq expression applied to the event list")
	return cmd
}

func pruneCmd(g *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs and their events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return schema.NewError(schema.ErrCodeValidation, "--older-than must be positive")
			}
			return g.withApp(cmd.Context(), func(a *app) error {
				n, err := a.runner.Prune(cmd.Context(), time.Now().UTC().Add(-olderThan))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d runs\n", n)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Only runs created longer ago than this")
	return cmd
}

func configCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadSettings()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

// printConfig writes cfg as YAML with the API key masked.
func printConfig(w io.Writer, cfg Config) error {
	if cfg.LLM.APIKey != "" {
		cfg.LLM.APIKey = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

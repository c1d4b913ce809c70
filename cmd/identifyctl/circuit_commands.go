package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zatekoja/plantid/backend/internal/application/circuit"
)

func newCircuitCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect and override provider circuit breakers",
	}
	cmd.AddCommand(newCircuitStatusCommand(ctx))
	cmd.AddCommand(newCircuitResetCommand(ctx))
	cmd.AddCommand(newCircuitOpenCommand(ctx))
	cmd.AddCommand(newCircuitWatchCommand(ctx))
	return cmd
}

func newCircuitStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every provider circuit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				states, err := a.service.CircuitStates(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, states)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCircuitTable(states, time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newCircuitResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <provider>",
		Short: "Close a provider circuit and clear its failure count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				if err := a.service.ResetCircuit(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Circuit for %s reset to CLOSED\n", args[0])
				return nil
			})
		},
	}
}

func newCircuitOpenCommand(ctx *commandContext) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "open <provider>",
		Short: "Force a provider circuit OPEN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				if err := a.service.ForceOpenCircuit(cmd.Context(), args[0], duration); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Circuit for %s forced OPEN\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "How long to keep the circuit open (default: provider reset timeout)")
	return cmd
}

func newCircuitWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print circuit transitions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				watchCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				ch, err := a.events.Subscribe(watchCtx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "Watching circuit transitions (Ctrl+C to stop)")
				for event := range ch {
					line := fmt.Sprintf("%s  %-12s %s -> %s",
						event.OccurredAt.Local().Format(time.RFC3339), event.Provider, event.From, event.To)
					if !event.RetryAt.IsZero() {
						line += "  retry at " + event.RetryAt.Local().Format(time.TimeOnly)
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
}

func renderCircuitTable(states []circuit.Status, now time.Time) string {
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		retry := "-"
		if !s.State.RetryAt.IsZero() {
			if s.ProbeEligible {
				retry = "now"
			} else {
				retry = s.State.RetryAt.Sub(now).Round(time.Second).String()
			}
		}
		rows = append(rows, []string{
			s.State.Provider,
			string(s.State.Phase),
			strconv.Itoa(s.State.ConsecutiveFailures),
			strconv.Itoa(s.State.OpenCount),
			retry,
		})
	}
	return renderTable(
		[]string{"Provider", "Phase", "Failures", "Opened", "Retry In"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"fieldsync/internal/export"

	"github.com/spf13/cobra"
)

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Start a sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			started, err := c.client.Sync(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if c.jsonOutput() {
				return c.printJSON(map[string]bool{"started": started})
			}
			if started {
				okColor.Fprintln(c.out, "Sync pass started")
			} else {
				warnColor.Fprintln(c.out, "No pass started: offline, nothing due, or a pass is already running")
			}
			return nil
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Give failed actions a fresh retry budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.client.RetryFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("retry failed actions: %w", err)
			}
			if c.jsonOutput() {
				return c.printJSON(map[string]int{"reset": n})
			}
			if n == 0 {
				dimColor.Fprintln(c.out, "No failed actions")
				return nil
			}
			okColor.Fprintf(c.out, "Reset %d failed action(s)\n", n)
			return nil
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := c.client.SyncRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("sync history: %w", err)
			}
			if c.jsonOutput() {
				return c.printJSON(runs)
			}
			if len(runs) == 0 {
				dimColor.Fprintln(c.out, "No sync passes recorded")
				return nil
			}

			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tDURATION\tATTEMPTED\tSUCCEEDED\tRESCHEDULED\tFAILED")
			for _, r := range runs {
				failed := fmt.Sprint(r.Failed)
				if r.Failed > 0 {
					failed = errColor.Sprint(r.Failed)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
					formatTime(&r.StartedAt),
					r.Duration.Round(time.Millisecond),
					r.Attempted, r.Succeeded, r.Rescheduled, failed,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of passes to show")
	return cmd
}

func (c *cli) deadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Show actions that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := c.client.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("dead letters: %w", err)
			}
			if c.jsonOutput() {
				return c.printJSON(entries)
			}
			if len(entries) == 0 {
				dimColor.Fprintln(c.out, "No dead letters")
				return nil
			}

			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FAILED AT\tID\tTYPE\tTARGET\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					formatTime(&e.FailedAt),
					e.Action.ID,
					e.Action.Type,
					e.Action.TargetID,
					truncate(e.Error, 60),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the queue to an Excel workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := c.client.State(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("get state: %w", err)
			}
			path, err := export.SaveQueue(dir, *state, time.Now())
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			okColor.Fprintf(c.out, "Exported %d action(s) to %s\n", len(state.Actions), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "output directory")
	return cmd
}

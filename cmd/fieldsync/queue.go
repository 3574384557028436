package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"fieldsync/internal/client"
	"fieldsync/internal/models"

	"github.com/spf13/cobra"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := c.client.State(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("get state: %w", err)
			}
			state.Actions = nil
			if c.jsonOutput() {
				return c.printJSON(state)
			}

			fmt.Fprint(c.out, "Network:  ")
			if state.IsOnline {
				okColor.Fprintln(c.out, "online")
			} else {
				errColor.Fprintln(c.out, "offline")
			}
			fmt.Fprint(c.out, "Syncing:  ")
			if state.IsSyncing {
				warnColor.Fprintln(c.out, "yes")
			} else {
				fmt.Fprintln(c.out, "no")
			}
			fmt.Fprintf(c.out, "Queued:   %d (pending %d, syncing %d, ", state.Count, state.PendingCount, state.SyncingCount)
			if state.FailedCount > 0 {
				errColor.Fprintf(c.out, "failed %d", state.FailedCount)
			} else {
				fmt.Fprint(c.out, "failed 0")
			}
			fmt.Fprintln(c.out, ")")
			if state.LastSyncAt == nil {
				fmt.Fprintln(c.out, "Last sync: never")
			} else {
				fmt.Fprintf(c.out, "Last sync: %s\n", formatTime(state.LastSyncAt))
			}
			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := c.client.State(cmd.Context(), models.ActionStatus(status))
			if err != nil {
				return fmt.Errorf("list actions: %w", err)
			}
			if c.jsonOutput() {
				return c.printJSON(state.Actions)
			}
			if len(state.Actions) == 0 {
				dimColor.Fprintln(c.out, "Queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tTARGET\tSTATUS\tRETRIES\tNEXT RETRY\tLAST ERROR")
			for _, a := range state.Actions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					a.ID,
					a.Type,
					a.TargetID,
					statusColor(a.Status).Sprint(a.Status),
					a.RetryCount, a.MaxRetries,
					formatTime(a.NextRetryAt),
					truncate(a.LastError, 40),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "\nTotal: %d\n", len(state.Actions))
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (pending, syncing, failed)")
	return cmd
}

func (c *cli) enqueueCmd() *cobra.Command {
	var (
		actionType string
		target     string
		payload    string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an action for the next sync pass",
		Example: `  fieldsync enqueue --type status_update --target wo-42 --payload '{"status":"done"}'
  fieldsync enqueue --type note_add --target wo-42 --payload '{"text":"gate code 1234"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			na := models.NewAction{
				Type:       models.ActionType(actionType),
				TargetID:   target,
				MaxRetries: maxRetries,
			}
			if p := strings.TrimSpace(payload); p != "" {
				if !json.Valid([]byte(p)) {
					return errors.New("payload is not valid JSON")
				}
				na.Payload = json.RawMessage(p)
			}

			action, err := c.client.Enqueue(cmd.Context(), na)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			if c.jsonOutput() {
				return c.printJSON(action)
			}
			okColor.Fprintf(c.out, "Enqueued %s", action.ID)
			fmt.Fprintf(c.out, " (%s on %s)\n", action.Type, action.TargetID)
			return nil
		},
	}

	types := make([]string, len(models.KnownActionTypes))
	for i, t := range models.KnownActionTypes {
		types[i] = string(t)
	}
	cmd.Flags().StringVarP(&actionType, "type", "t", "", "action type ("+strings.Join(types, ", ")+")")
	cmd.Flags().StringVar(&target, "target", "", "work order the action applies to")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (server default when 0)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID...",
		Short: "Drop actions from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var missing int
			for _, id := range args {
				err := c.client.Remove(cmd.Context(), id)
				switch {
				case err == nil:
					okColor.Fprintf(c.out, "Removed %s\n", id)
				case client.IsNotFound(err):
					missing++
					warnColor.Fprintf(c.out, "Not found %s\n", id)
				default:
					return fmt.Errorf("remove %s: %w", id, err)
				}
			}
			if missing == len(args) {
				return errors.New("no actions removed")
			}
			return nil
		},
	}
}

func (c *cli) clearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every action from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear the queue without --yes")
			}
			if err := c.client.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			okColor.Fprintln(c.out, "Queue cleared")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm dropping all queued actions")
	return cmd
}

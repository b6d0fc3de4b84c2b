package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Work the human escalation queue",
	}
	cmd.AddCommand(
		newQueueListCmd(),
		newQueueAssumeCmd(),
		newQueueFinalizeCmd(),
		newQueueCancelCmd(),
		newQueueReclaimCmd(),
	)
	return cmd
}

func newQueueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/queue"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			raw, err := newClient(cmd).do(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, printEntries)
		},
	}
	cmd.Flags().String("status", "waiting", "Filter by status (waiting, locked, done, cancelled; empty for all)")
	cmd.Flags().Int("limit", 0, "Maximum entries")
	return cmd
}

func printEntries(w io.Writer, raw json.RawMessage) error {
	var entries []models.EscalationEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tCUSTOMER\tSTATUS\tPRIORITY\tOPERATOR\tWAITING\tREASON")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1, e.CustomerID, e.Status, e.Priority, dash(e.OperatorID),
			time.Since(e.CreatedAt).Round(time.Second), e.Reason)
	}
	return tw.Flush()
}

func printEntry(w io.Writer, raw json.RawMessage) error {
	var e models.EscalationEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s  customer=%s  status=%s  operator=%s", e.ID, e.CustomerID, e.Status, dash(e.OperatorID))
	if e.LockExpiresAt != nil {
		fmt.Fprintf(w, "  lock until %s", e.LockExpiresAt.Local().Format(time.Kitchen))
	}
	fmt.Fprintln(w)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newQueueAssumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assume <customer-id>",
		Short: "Lock a waiting customer for an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			lock, _ := cmd.Flags().GetDuration("lock")
			body := map[string]any{"operator_id": operator}
			if lock > 0 {
				body["lock_seconds"] = int(lock.Seconds())
			}
			raw, err := newClient(cmd).do(cmd.Context(), "POST", "/api/v1/queue/"+url.PathEscape(args[0])+"/assume", body)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, printEntry)
		},
	}
	cmd.Flags().String("operator", envOr("PARLEY_OPERATOR", ""), "Operator ID")
	cmd.Flags().Duration("lock", 0, "Lock duration (server default when zero)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newQueueFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <customer-id>",
		Short: "Close a customer the operator has locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			outcome, _ := cmd.Flags().GetString("outcome")
			raw, err := newClient(cmd).do(cmd.Context(), "POST", "/api/v1/queue/"+url.PathEscape(args[0])+"/finalize",
				map[string]string{"operator_id": operator, "outcome": outcome})
			if err != nil {
				return err
			}
			return printResult(cmd, raw, printEntry)
		},
	}
	cmd.Flags().String("operator", envOr("PARLEY_OPERATOR", ""), "Operator ID")
	cmd.Flags().String("outcome", "", "Resolution note")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newQueueCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <customer-id>",
		Short: "Remove a customer from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			var body any
			if reason != "" {
				body = map[string]string{"reason": reason}
			}
			raw, err := newClient(cmd).do(cmd.Context(), "POST", "/api/v1/queue/"+url.PathEscape(args[0])+"/cancel", body)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, printEntry)
		},
	}
	cmd.Flags().String("reason", "", "Cancellation reason")
	return cmd
}

func newQueueReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return entries with expired locks to the waiting queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newClient(cmd).do(cmd.Context(), "POST", "/api/v1/queue/reclaim", nil)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, func(w io.Writer, raw json.RawMessage) error {
				var out struct {
					Reclaimed int `json:"reclaimed"`
				}
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				fmt.Fprintf(w, "reclaimed %d entries\n", out.Reclaimed)
				return nil
			})
		},
	}
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage configuration pack rules",
	}
	reload := &cobra.Command{
		Use:   "reload",
		Short: "Drop cached rule sets on every node",
		Long: `Reload the tenant's compiled rules, or those of every tenant of a
vertical with --vertical. The next message recompiles from the pack.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vertical, _ := cmd.Flags().GetString("vertical")
			var body any
			if vertical != "" {
				body = map[string]string{"vertical": vertical}
			}
			raw, err := newClient(cmd).do(cmd.Context(), "POST", "/api/v1/rules/reload", body)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, nil)
		},
	}
	reload.Flags().String("vertical", "", "Reload every tenant of this vertical")
	cmd.AddCommand(reload)
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <from> <text...>",
		Short: "Simulate an inbound customer message",
		Long: `Send a message as if it arrived from the messaging channel and print
the engine's reply.

Examples:
  parleyctl send 5511999990000 oi
  parleyctl send 5511999990000 quero falar com um atendente --name Ana`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			channel, _ := cmd.Flags().GetString("channel")
			msg := models.InboundMessage{
				From:    args[0],
				Name:    name,
				Channel: channel,
				Text:    strings.Join(args[1:], " "),
			}
			raw, err := newClient(cmd).do(cmd.Context(), "POST", "/api/v1/messages", msg)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, printResponse)
		},
	}
	cmd.Flags().String("name", "", "Customer display name")
	cmd.Flags().String("channel", "whatsapp", "Channel name")
	return cmd
}

func printResponse(w io.Writer, raw json.RawMessage) error {
	var r models.Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return err
	}
	if !r.Silent {
		fmt.Fprintln(w, r.Text)
	}
	fmt.Fprintf(w, "\nstate: %s  action: %s\n", r.State, r.Action)
	if r.Escalated {
		fmt.Fprintf(w, "escalated: priority=%s reason=%q entry=%s\n", r.Priority, r.Reason, r.EntryID)
	}
	return nil
}

func newDossierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dossier <customer-id>",
		Short: "Show the case dossier of a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newClient(cmd).do(cmd.Context(), "GET", "/api/v1/customers/"+url.PathEscape(args[0])+"/dossier", nil)
			if err != nil {
				return err
			}
			return printResult(cmd, raw, printDossier)
		},
	}
}

func printDossier(w io.Writer, raw json.RawMessage) error {
	var d models.Dossier
	if err := json.Unmarshal(raw, &d); err != nil {
		return err
	}
	fmt.Fprintf(w, "flow: %s  priority: %s  completeness: %.2f  complexity: %.2f\n",
		d.FlowType, d.Priority, d.Completeness, d.Complexity)
	fmt.Fprintf(w, "state: %s  last intent: %s\n", d.State, d.LastIntent)
	if d.Approach != "" {
		fmt.Fprintf(w, "approach: %s\n", d.Approach)
	}
	if len(d.Pending) > 0 {
		fmt.Fprintf(w, "pending: %s\n", strings.Join(d.Pending, ", "))
	}
	for _, s := range d.NextSteps {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/tidelink/internal/agent"
	"github.com/zulandar/tidelink/internal/compress"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/queue"
)

func newSendCmd() *cobra.Command {
	var (
		addr     string
		asJSON   bool
		priority string
		file     string
		reduce   int
	)

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Queue a message for delivery",
		Long: "Submits a message to the running agent. The payload is the text " +
			"argument, the contents of --file, or standard input when --file is \"-\".",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, addr, asJSON, priority, file, reduce, args)
		},
	}

	addClientFlags(cmd, &addr, &asJSON)
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "message priority (low, normal, high, critical)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file (\"-\" for stdin)")
	cmd.Flags().IntVar(&reduce, "reduce", -1, "treat the payload as JSON: drop nulls and round numbers to this many decimals (lossy)")
	return cmd
}

func runSend(cmd *cobra.Command, addr string, asJSON bool, priority, file string, reduce int, args []string) error {
	if _, err := message.ParsePriority(priority); err != nil {
		return err
	}

	var payload []byte
	switch {
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = data
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		payload = data
	case len(args) == 1:
		payload = []byte(args[0])
	}
	if len(payload) == 0 {
		return fmt.Errorf("nothing to send: give text, --file or --file -")
	}
	if reduce >= 0 {
		reduced, err := compress.ReduceJSON(payload, compress.ReduceOptions{DropNulls: true, Precision: reduce})
		if err != nil {
			return err
		}
		payload = reduced
	}

	var created struct {
		ID       string `json:"id"`
		Priority string `json:"priority"`
	}
	c := newAPIClient(addr)
	path := "/v1/messages?priority=" + url.QueryEscape(priority)
	if err := c.do(cmd.Context(), http.MethodPost, path, "application/octet-stream", payload, &created); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		return printJSON(out, created)
	}
	fmt.Fprintf(out, "Queued %s (%s, %d bytes)\n", created.ID, created.Priority, len(payload))
	return nil
}

func newStatusCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a message's delivery status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr, asJSON, args[0])
		},
	}

	addClientFlags(cmd, &addr, &asJSON)
	return cmd
}

func runStatus(cmd *cobra.Command, addr string, asJSON bool, id string) error {
	var r agent.StatusReport
	if err := newAPIClient(addr).get(cmd.Context(), "/v1/messages/"+escapeID(id), &r); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		return printJSON(out, r)
	}
	fmt.Fprint(out, formatStatus(r))
	return nil
}

// formatStatus renders a status report as a block of fields followed by the
// attempt history.
func formatStatus(r agent.StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message:   %s\n", r.ID)
	fmt.Fprintf(&b, "Status:    %s\n", r.Status)
	fmt.Fprintf(&b, "Priority:  %s\n", r.Priority)
	fmt.Fprintf(&b, "Attempts:  %d/%d\n", r.Attempts, r.MaxAttempts)
	fmt.Fprintf(&b, "Size:      %d bytes", r.Size)
	if r.Method != "" {
		fmt.Fprintf(&b, " (%s, %d encoded)", r.Method, r.EncodedSize)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Created:   %s\n", r.CreatedAt.Local().Format(time.DateTime))
	if r.AssignedTransport != "" {
		fmt.Fprintf(&b, "Transport: %s\n", r.AssignedTransport)
	}
	if r.NextRetryAt != nil {
		fmt.Fprintf(&b, "Retry at:  %s\n", r.NextRetryAt.Local().Format(time.DateTime))
	}
	if r.LastError != "" {
		fmt.Fprintf(&b, "Error:     %s\n", r.LastError)
	}

	if len(r.History) == 0 {
		return b.String()
	}
	b.WriteString("\nHistory:\n")
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tTRANSPORT\tRESULT\tBYTES\tLATENCY\tCOST")
	for _, a := range r.History {
		result := "ok " + a.AckID
		if !a.Success {
			result = a.ErrorKind
		}
		if a.Broadcast {
			result += " (broadcast)"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\t%.4f\n",
			a.Attempt, a.Transport, strings.TrimSpace(result), a.Bytes, a.Latency.Round(time.Millisecond), a.Cost)
	}
	w.Flush()
	return b.String()
}

func newCancelCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued message",
		Long:  "Withdraws a message that is still waiting in the queue. Messages already being transmitted cannot be cancelled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, addr, asJSON, args[0])
		},
	}

	addClientFlags(cmd, &addr, &asJSON)
	return cmd
}

func runCancel(cmd *cobra.Command, addr string, asJSON bool, id string) error {
	var res struct {
		ID        string `json:"id"`
		Cancelled bool   `json:"cancelled"`
	}
	if err := newAPIClient(addr).do(cmd.Context(), http.MethodDelete, "/v1/messages/"+escapeID(id), "", nil, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		return printJSON(out, res)
	}
	if res.Cancelled {
		fmt.Fprintf(out, "Cancelled %s\n", id)
	} else {
		fmt.Fprintf(out, "%s is no longer queued; not cancelled\n", id)
	}
	return nil
}

func newMessagesCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List messages from the store",
		Long:  "Lists messages straight from the queue database, including delivered and failed ones. Works while the agent is stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessages(cmd, configPath, status, limit, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tidelink.yaml", "path to tidelink config file")
	cmd.Flags().StringVar(&status, "status", "", "only show messages in this status (QUEUED, SENT, FAILED, ...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func runMessages(cmd *cobra.Command, configPath, status string, limit int, asJSON bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	msgs, err := queue.NewGormStore(gormDB).List(queue.ListFilter{
		Status: message.Status(strings.ToUpper(status)),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		type row struct {
			ID        string         `json:"id"`
			Priority  string         `json:"priority"`
			Status    message.Status `json:"status"`
			Attempts  int            `json:"attempts"`
			Transport string         `json:"transport,omitempty"`
			Size      int            `json:"size"`
			CreatedAt time.Time      `json:"created_at"`
		}
		rows := make([]row, len(msgs))
		for i, m := range msgs {
			rows[i] = row{m.ID, m.Priority.String(), m.Status, m.Attempts, m.AssignedTransport, len(m.Payload), m.CreatedAt}
		}
		return printJSON(out, rows)
	}

	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tSTATUS\tATTEMPTS\tTRANSPORT\tSIZE\tCREATED")
	for _, m := range msgs {
		transport := m.AssignedTransport
		if transport == "" {
			transport = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%d\t%s\n",
			m.ID, m.Priority, m.Status, m.Attempts, m.MaxAttempts, transport, len(m.Payload),
			m.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/tidelink/internal/queue"
)

// transportView is the client-side shape of a transport snapshot.
type transportView struct {
	Name            string        `json:"name"`
	Kind            string        `json:"kind"`
	State           string        `json:"state"`
	MaxPayloadBytes int           `json:"max_payload_bytes"`
	CostPerByte     float64       `json:"cost_per_byte"`
	TypicalLatency  time.Duration `json:"typical_latency"`
	Signal          int           `json:"signal"`
	SignalKnown     bool          `json:"signal_known"`
	MinSignal       int           `json:"min_signal"`
	SuccessRate     float64       `json:"success_rate"`
	LastError       string        `json:"last_error,omitempty"`
}

func newTransportsCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "transports",
		Short: "Show transport link status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransports(cmd, addr, asJSON)
		},
	}

	addClientFlags(cmd, &addr, &asJSON)
	return cmd
}

func runTransports(cmd *cobra.Command, addr string, asJSON bool) error {
	var res struct {
		Transports []transportView `json:"transports"`
	}
	if err := newAPIClient(addr).get(cmd.Context(), "/v1/transports", &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		return printJSON(out, res.Transports)
	}
	fmt.Fprint(out, formatTransports(res.Transports))
	return nil
}

func formatTransports(ts []transportView) string {
	if len(ts) == 0 {
		return "No transports configured.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSTATE\tSIGNAL\tMTU\tCOST/BYTE\tLATENCY\tSUCCESS\tLAST ERROR")
	for _, t := range ts {
		signal := "?"
		if t.SignalKnown {
			signal = fmt.Sprintf("%d/%d", t.Signal, t.MinSignal)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.4f\t%s\t%.0f%%\t%s\n",
			t.Name, t.Kind, t.State, signal, t.MaxPayloadBytes, t.CostPerByte,
			t.TypicalLatency, t.SuccessRate*100, t.LastError)
	}
	w.Flush()
	return b.String()
}

func newQueueCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show transmission queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd, addr, asJSON)
		},
	}

	addClientFlags(cmd, &addr, &asJSON)
	return cmd
}

func runQueue(cmd *cobra.Command, addr string, asJSON bool) error {
	var stats queue.Stats
	if err := newAPIClient(addr).get(cmd.Context(), "/v1/queue", &stats); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		return printJSON(out, stats)
	}
	fmt.Fprint(out, formatQueue(stats))
	return nil
}

func formatQueue(s queue.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d/%d\n", s.Size, s.Capacity)
	if s.Oldest != nil {
		fmt.Fprintf(&b, "Oldest: %s\n", s.Oldest.Local().Format(time.DateTime))
	}
	writeCounts(&b, "By priority", s.ByPriority)
	writeCounts(&b, "By status", s.ByStatus)
	return b.String()
}

func writeCounts(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "\n%s:\n", title)
	w := tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[k])
	}
	w.Flush()
}

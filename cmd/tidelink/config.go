package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/tidelink/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and show the resolved settings",
		Long:  "Loads the config, applies TIDELINK_* environment overrides and defaults, and builds every transport without connecting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tidelink.yaml", "path to tidelink config file")
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	pipe, err := buildPipeline(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	pipe.Close()

	fmt.Fprintf(out, "Vessel:      %s\n", cfg.Vessel)
	fmt.Fprintf(out, "Store:       %s %s\n", cfg.Store.Driver, storeName(cfg.Store))
	fmt.Fprintf(out, "Queue:       capacity %d, %d attempts, retry base %s, evict %s\n",
		cfg.Queue.Capacity, cfg.Queue.MaxAttempts, cfg.Queue.RetryBase, cfg.Queue.Eviction)
	fmt.Fprintf(out, "Drain:       every %s, send timeout %s, maintenance %q\n",
		cfg.Agent.DrainInterval, cfg.Agent.SendTimeout, cfg.Agent.Maintenance)
	if cfg.API.Enabled {
		fmt.Fprintf(out, "API:         %s\n", cfg.API.Listen)
	} else {
		fmt.Fprintln(out, "API:         disabled")
	}

	fmt.Fprintln(out, "\nTransports:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tKIND\tMTU\tMIN SIGNAL\tCOST/BYTE")
	for _, s := range reg.Snapshots() {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%.4f\n", s.Name, s.Kind, s.MaxPayloadBytes, s.MinSignal, s.CostPerByte)
	}
	w.Flush()

	fmt.Fprintf(out, "\nConfig %s is valid.\n", configPath)
	return nil
}

// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command amdte runs treat-and-extend anti-VEGF simulations for
// neovascular AMD cohorts.
//
// Usage:
//
//	amdte run --config config.yaml --replicates 10 --format json
//	amdte validate --config config.yaml
package main

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinsim/amdte/pkg/logging"
	"github.com/clinsim/amdte/services/sim"
)

var (
	flagConfig      string
	flagSeed        int64
	flagReplicates  int
	flagFormat      string
	flagMetricsAddr string
	flagVisitTable  string
	flagLogLevel    string
	flagQuiet       bool

	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "amdte",
	Short: "Discrete-event simulation of treat-and-extend anti-VEGF therapy",
	Long: `amdte simulates cohorts of neovascular AMD patients under a
treat-and-extend protocol: loading injections, interval extension and
contraction, protocol and non-protocol treatment discontinuation,
post-discontinuation monitoring, and retreatment on recurrence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelInfo
		switch flagLogLevel {
		case "debug":
			level = logging.LevelDebug
		case "warn":
			level = logging.LevelWarn
		case "error":
			level = logging.LevelError
		}
		logger = logging.New(logging.Config{
			Level:   level,
			Service: "amdte",
			Quiet:   flagQuiet,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more simulation replicates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sim.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("seed") {
			cfg.Simulation.Seed = flagSeed
		}
		if flagReplicates < 1 {
			return fmt.Errorf("replicates must be at least 1, got %d", flagReplicates)
		}

		var telemetry *sim.Telemetry
		if flagMetricsAddr != "" {
			registry := prometheus.NewRegistry()
			telemetry = sim.NewTelemetry(registry)
			go serveMetrics(flagMetricsAddr, registry)
		}

		results, err := runReplicates(cfg, flagReplicates, telemetry)
		if err != nil {
			return err
		}

		if flagVisitTable != "" {
			if err := writeVisitTable(cfg, flagVisitTable); err != nil {
				return err
			}
		}

		return printSummary(results)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file without running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sim.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "configuration valid: %d patients, %d weeks, seed %d\n",
			cfg.Simulation.PatientCount, cfg.Simulation.DurationWeeks, cfg.Simulation.Seed)
		return nil
	},
}

// runReplicates runs n independent replicates concurrently, one Driver
// per goroutine, each with seed = base seed + replicate index.
func runReplicates(cfg sim.Config, n int, telemetry *sim.Telemetry) ([]*sim.RunResult, error) {
	results := make([]*sim.RunResult, n)
	var g errgroup.Group

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			replicateCfg := cfg
			replicateCfg.Simulation.Seed = cfg.Simulation.Seed + int64(i)

			opts := []sim.DriverOption{sim.WithLogger(logger.With("replicate", i))}
			if telemetry != nil {
				opts = append(opts, sim.WithTelemetry(telemetry))
			}
			driver, err := sim.NewDriver(replicateCfg, opts...)
			if err != nil {
				return fmt.Errorf("replicate %d: %w", i, err)
			}
			result, err := driver.Run()
			if err != nil {
				return fmt.Errorf("replicate %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// writeVisitTable runs a single extra replicate at the base seed and
// exports its flat visit table as JSON.
func writeVisitTable(cfg sim.Config, path string) error {
	driver, err := sim.NewDriver(cfg, sim.WithLogger(logger.With("replicate", "visit-table")))
	if err != nil {
		return err
	}
	if _, err := driver.Run(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(driver.VisitTable(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal visit table: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write visit table: %w", err)
	}
	logger.Info("visit table written", "path", path)
	return nil
}

type replicateSummary struct {
	Replicates             int                `json:"replicates"`
	Patients               int                `json:"patients"`
	MeanFinalVision        float64            `json:"mean_final_vision"`
	SDFinalVision          float64            `json:"sd_final_vision"`
	MeanVisionChange       float64            `json:"mean_vision_change"`
	MeanTotalInjections    float64            `json:"mean_total_injections"`
	MeanUniqueDiscontinued float64            `json:"mean_unique_discontinued"`
	MeanUniqueRetreated    float64            `json:"mean_unique_retreated"`
	DiscontinuationsByType map[string]float64 `json:"mean_discontinuation_events_by_type"`
}

func summarize(results []*sim.RunResult) replicateSummary {
	n := float64(len(results))
	summary := replicateSummary{
		Replicates:             len(results),
		Patients:               results[0].Patients,
		DiscontinuationsByType: make(map[string]float64),
	}

	var visionSum, visionSqSum float64
	for _, r := range results {
		visionSum += r.MeanFinalVision
		visionSqSum += r.MeanFinalVision * r.MeanFinalVision
		summary.MeanVisionChange += r.MeanVisionChange / n
		summary.MeanTotalInjections += float64(r.TotalInjections) / n
		summary.MeanUniqueDiscontinued += float64(r.Discontinuation.UniqueDiscontinued) / n
		summary.MeanUniqueRetreated += float64(r.Discontinuation.UniqueRetreated) / n
		for ct, count := range r.Discontinuation.EventsByType {
			summary.DiscontinuationsByType[ct.String()] += float64(count) / n
		}
	}
	summary.MeanFinalVision = visionSum / n
	variance := visionSqSum/n - summary.MeanFinalVision*summary.MeanFinalVision
	if variance > 0 {
		summary.SDFinalVision = math.Sqrt(variance)
	}
	return summary
}

func printSummary(results []*sim.RunResult) error {
	summary := summarize(results)

	switch flagFormat {
	case "json":
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
	case "text":
		fmt.Fprintf(os.Stdout, "replicates:              %d\n", summary.Replicates)
		fmt.Fprintf(os.Stdout, "patients per replicate:  %d\n", summary.Patients)
		fmt.Fprintf(os.Stdout, "mean final vision:       %.2f letters (sd %.2f)\n",
			summary.MeanFinalVision, summary.SDFinalVision)
		fmt.Fprintf(os.Stdout, "mean vision change:      %+.2f letters\n", summary.MeanVisionChange)
		fmt.Fprintf(os.Stdout, "mean total injections:   %.1f\n", summary.MeanTotalInjections)
		fmt.Fprintf(os.Stdout, "mean unique discontinued: %.1f\n", summary.MeanUniqueDiscontinued)
		fmt.Fprintf(os.Stdout, "mean unique retreated:    %.1f\n", summary.MeanUniqueRetreated)

		types := make([]string, 0, len(summary.DiscontinuationsByType))
		for ct := range summary.DiscontinuationsByType {
			types = append(types, ct)
		}
		sort.Strings(types)
		for _, ct := range types {
			fmt.Fprintf(os.Stdout, "  %-24s %.1f events/replicate\n", ct+":", summary.DiscontinuationsByType[ct])
		}
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", flagFormat)
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", "error", err.Error())
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML or JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress console logging")

	runCmd.Flags().Int64Var(&flagSeed, "seed", 0, "override the configured random seed")
	runCmd.Flags().IntVar(&flagReplicates, "replicates", 1, "number of independent replicates to run")
	runCmd.Flags().StringVar(&flagFormat, "format", "text", "summary output format (text or json)")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().StringVar(&flagVisitTable, "visit-table", "", "write the flat visit table as JSON to this path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

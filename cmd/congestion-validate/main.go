// Congestion-validate loads the congestion signal collector, prints a
// periodic report of the aggregated signals, and checks the
// collector's own CPU cost against a pre-start baseline so the
// instrumentation overhead claim can be verified on a live host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	congestion "github.com/netpressure/congestion-signals"
)

var rootCmd = &cobra.Command{
	Use:   "congestion-validate",
	Short: "Validate the eBPF congestion signal collector on this host",
	Long: `Loads the congestion producers, starts collection and prints a
one-line report per interval. Drive traffic through the host (for
example iperf3) to see the signals move. CPU usage is measured before
collection starts and re-checked periodically; exceeding the overhead
budget prints a warning but never stops collection.`,
	RunE:          runValidate,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().Duration("interval", time.Second, "reporting interval")
	rootCmd.Flags().Duration("duration", 0, "how long to collect; 0 means until interrupted")
	rootCmd.Flags().Bool("simulate", false, "use the in-process simulated producers instead of kernel instrumentation")
	rootCmd.Flags().Float64("overhead-budget", 2.0, "acceptable CPU overhead over baseline, in percentage points")
	rootCmd.Flags().Duration("baseline-window", 10*time.Second, "how long to sample baseline CPU usage before collection")
	rootCmd.Flags().Duration("overhead-window", 5*time.Second, "how long to sample CPU usage for each overhead check")

	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("congestion_validate")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	interval := viper.GetDuration("interval")
	duration := viper.GetDuration("duration")
	overheadBudget := viper.GetFloat64("overhead-budget")
	baselineWindow := viper.GetDuration("baseline-window")
	overheadWindow := viper.GetDuration("overhead-window")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return fmt.Errorf("opening procfs: %w", err)
	}

	fmt.Println("Measuring baseline CPU usage...")
	baselineCPU, err := measureCPUUsage(ctx, fs, baselineWindow)
	if err != nil {
		return fmt.Errorf("measuring baseline CPU usage: %w", err)
	}
	fmt.Printf("Baseline CPU: %.2f%%\n\n", baselineCPU)

	var collector *congestion.Collector
	if viper.GetBool("simulate") {
		collector, err = congestion.LoadSimulated(logger)
	} else {
		collector, err = congestion.Load(logger)
	}
	if err != nil {
		return fmt.Errorf("loading collector: %w", err)
	}
	defer collector.Close()

	if err := collector.StartCollection(ctx); err != nil {
		return fmt.Errorf("starting collection: %w", err)
	}

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	report(ctx, collector, fs, interval, overheadWindow, baselineCPU, overheadBudget)

	return nil
}

// Report prints one line per interval and a final total, and
// re-measures CPU usage every ten intervals to check the overhead
// budget.
func report(ctx context.Context,
	collector *congestion.Collector,
	fs procfs.FS,
	interval time.Duration,
	overheadWindow time.Duration,
	baselineCPU float64,
	overheadBudget float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var totals congestion.CongestionSignals
	intervals := 0

	for {
		select {
		case <-ctx.Done():
			printTotals(&totals, time.Since(start))
			return
		case <-ticker.C:
		}

		intervals++
		signals := collector.ReadAndReset()

		totals.SendBytes += signals.SendBytes
		totals.Drops += signals.Drops
		totals.SoftirqNS += signals.SoftirqNS
		totals.EventCount += signals.EventCount

		fmt.Printf("[%4ds] events %7d | send %8.2f MB | drops %5d | wmem %5.1f%% | softirq %8d µs\n",
			int(time.Since(start).Seconds()),
			signals.EventCount,
			float64(signals.SendBytes)/1e6,
			signals.Drops,
			signals.AvgWmemPressure*100.0,
			signals.SoftirqNS/1000)

		if intervals%10 == 0 {
			currentCPU, err := measureCPUUsage(ctx, fs, overheadWindow)
			if err != nil {
				continue
			}

			overhead := currentCPU - baselineCPU
			fmt.Printf("  -> CPU overhead: %+.2f%% (budget %.1f%%)\n", overhead, overheadBudget)
			if overhead > overheadBudget {
				fmt.Printf("  !! CPU overhead exceeds the %.1f%% budget\n", overheadBudget)
			}
		}
	}
}

func printTotals(totals *congestion.CongestionSignals, elapsed time.Duration) {
	fmt.Printf("\nTotals after %s: events %d | send %.2f MB | drops %d | softirq %d µs\n",
		elapsed.Round(time.Second),
		totals.EventCount,
		float64(totals.SendBytes)/1e6,
		totals.Drops,
		totals.SoftirqNS/1000)
}

// MeasureCPUUsage samples the host-wide CPU time counters at both
// ends of the window and returns the busy share as a percentage.
func measureCPUUsage(ctx context.Context, fs procfs.FS, window time.Duration) (float64, error) {
	before, err := fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("reading CPU times: %w", err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(window):
	}

	after, err := fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("reading CPU times: %w", err)
	}

	busyDelta := (after.CPUTotal.User - before.CPUTotal.User) +
		(after.CPUTotal.Nice - before.CPUTotal.Nice) +
		(after.CPUTotal.System - before.CPUTotal.System)
	idleDelta := after.CPUTotal.Idle - before.CPUTotal.Idle
	totalDelta := busyDelta + idleDelta

	if totalDelta <= 0 {
		return 0, nil
	}

	return 100.0 * busyDelta / totalDelta, nil
}

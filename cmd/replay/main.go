// Replay tool for measuring Kestrel's rule set against labelled data.
//
// Usage:
//
//	go run ./cmd/replay --csv /path/to/labelled.csv --url http://localhost:8080
//
// Each row is sent to POST /evaluate and the verdict is compared with the
// row's fraud label. The tool prints a confusion matrix with precision,
// recall and F1. Both Kestrel's own column names and the PaySim dataset
// layout are understood.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var opts replayOptions

var rootCmd = &cobra.Command{
	Use:          "replay",
	Short:        "Replay labelled transactions through a running Kestrel",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, opts)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.CSVPath, "csv", "", "labelled transaction CSV")
	f.StringVar(&opts.BaseURL, "url", "http://localhost:8080", "Kestrel base URL")
	f.IntVar(&opts.Limit, "limit", 10000, "maximum transactions to replay (0 = all)")
	f.IntVar(&opts.Workers, "workers", 10, "concurrent requests")
	f.BoolVar(&opts.FraudOnly, "fraud-only", false, "only replay fraud rows")
	f.Float64Var(&opts.SampleRate, "sample", 1.0, "sample rate for non-fraud rows (0.0-1.0)")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	f.BoolVar(&opts.Verbose, "verbose", false, "print each verdict")
	_ = rootCmd.MarkFlagRequired("csv")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, o replayOptions) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "KESTREL REPLAY")
	fmt.Fprintf(out, "\nCSV File:    %s\n", o.CSVPath)
	fmt.Fprintf(out, "Kestrel URL: %s\n", o.BaseURL)
	fmt.Fprintf(out, "Workers:     %d\n", o.Workers)
	fmt.Fprintf(out, "Limit:       %d\n", o.Limit)
	fmt.Fprintf(out, "Fraud Only:  %v\n", o.FraudOnly)
	fmt.Fprintf(out, "Sample Rate: %.2f\n\n", o.SampleRate)

	client := newClient(o.BaseURL, o.Timeout)
	if err := client.health(cmd.Context()); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", o.BaseURL, err)
	}
	fmt.Fprintln(out, "Kestrel is healthy")

	f, err := os.Open(o.CSVPath)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := readCSV(f, o)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no rows selected from %s", o.CSVPath)
	}

	fraud := 0
	for _, r := range rows {
		if r.IsFraud {
			fraud++
		}
	}
	fmt.Fprintf(out, "Loaded %d transactions (%d fraud, %d non-fraud)\n", len(rows), fraud, len(rows)-fraud)

	fmt.Fprintf(out, "\nReplaying with %d workers...\n", o.Workers)
	start := time.Now()
	m := replay(cmd.Context(), client, rows, o.Workers, verboseWriter(o.Verbose, out))
	m.Print(out, time.Since(start))
	return nil
}

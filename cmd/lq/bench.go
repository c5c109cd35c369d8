package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/livequery/internal/loadtest"
	"github.com/mschirtzinger/livequery/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Load test the tree store and the query cache",
	Long: `Run a load test against a scratch tree store.

The test populates rooms of pushed events, then measures:
  - one-shot array queries from concurrent clients through the cache
  - the delay between a write and its delivery to subscribers
  - ordering of deliveries under concurrent transactions

Examples:
  lq bench
  lq bench --clients 200 --rooms 500
  lq bench --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clients, _ := cmd.Flags().GetInt("clients")
		queries, _ := cmd.Flags().GetInt("queries")
		rooms, _ := cmd.Flags().GetInt("rooms")
		events, _ := cmd.Flags().GetInt("events")
		subscribers, _ := cmd.Flags().GetInt("subscribers")
		writes, _ := cmd.Flags().GetInt("writes")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		for name, v := range map[string]int{"clients": clients, "queries": queries, "rooms": rooms, "events": events, "subscribers": subscribers, "writes": writes} {
			if v <= 0 {
				return fmt.Errorf("--%s must be positive", name)
			}
		}

		dir, err := os.MkdirTemp("", "lq-bench-")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "Populating %d rooms with %d events each...\n", rooms, events)
		}
		f, err := loadtest.CreateFixture(filepath.Join(dir, "bench.db"), rooms, events, logs.New("bench"))
		if err != nil {
			return err
		}
		defer f.Close()

		start := time.Now()
		queryStats, err := f.RunConcurrentQueries(clients, queries)
		if err != nil {
			return err
		}
		queryDuration := time.Since(start)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		deliveryStats, err := f.RunDeliveryLatency(ctx, subscribers, writes)
		if err != nil {
			return err
		}

		orderErr := f.VerifyOrdering(4, subscribers, time.Second)

		if jsonOutput {
			result := map[string]any{
				"queries":         statsJSON(queryStats),
				"queries_per_sec": float64(queryStats.Total) / queryDuration.Seconds(),
				"delivery":        statsJSON(deliveryStats),
				"ordering_ok":     orderErr == nil,
			}
			if orderErr != nil {
				result["ordering_error"] = orderErr.Error()
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		fmt.Fprintf(out, "\n%s\n", ui.RenderAccent("One-shot queries"))
		queryStats.PrintStats(out)
		fmt.Fprintf(out, "  Throughput:    %.0f queries/second\n", float64(queryStats.Total)/queryDuration.Seconds())

		fmt.Fprintf(out, "\n%s\n", ui.RenderAccent("Write to delivery"))
		deliveryStats.PrintStats(out)

		fmt.Fprintln(out)
		if orderErr != nil {
			fmt.Fprintf(out, "%s Ordering: %v\n", ui.RenderFail("✗"), orderErr)
			return fmt.Errorf("ordering check failed")
		}
		fmt.Fprintf(out, "%s Ordering preserved under concurrent writes\n", ui.RenderPass("✓"))
		return nil
	},
}

func statsJSON(s *loadtest.LatencyStats) map[string]any {
	return map[string]any{
		"total":   s.Total,
		"errors":  s.Errors,
		"min_ms":  ms(s.Min),
		"mean_ms": ms(s.Mean),
		"p50_ms":  ms(s.P50),
		"p95_ms":  ms(s.P95),
		"p99_ms":  ms(s.P99),
		"max_ms":  ms(s.Max),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func init() {
	benchCmd.Flags().Int("clients", 50, "Number of concurrent query clients")
	benchCmd.Flags().Int("queries", 10, "Number of queries per client")
	benchCmd.Flags().Int("rooms", 100, "Number of rooms to populate")
	benchCmd.Flags().Int("events", 20, "Number of events per room")
	benchCmd.Flags().Int("subscribers", 10, "Number of subscribers for delivery latency")
	benchCmd.Flags().Int("writes", 100, "Number of writes for delivery latency")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")

	rootCmd.AddCommand(benchCmd)
}

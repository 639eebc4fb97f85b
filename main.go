package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"promptloop/internal/agent"
	"promptloop/internal/config"
	"promptloop/internal/database"
	"promptloop/internal/mcp"
	"promptloop/internal/metrics"
	"promptloop/internal/refine"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "promptloop",
		Short:         "Adversarial prompt refinement between a generator and a critic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "path to config file")
	root.AddCommand(newRunCmd(), newServeCmd(), newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the loaded configuration and the three open databases.
type app struct {
	cfg         config.Config
	lifecycleDB *sql.DB
	outputDB    *sql.DB
	metadataDB  *sql.DB
}

func openApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	a.lifecycleDB, err = database.OpenLifecycle(filepath.Join(cfg.DataDir, "promptloop.lifecycle.db"))
	if err != nil {
		return nil, fmt.Errorf("lifecycle DB: %w", err)
	}
	a.outputDB, err = database.OpenOutput(filepath.Join(cfg.DataDir, "promptloop.output.db"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("output DB: %w", err)
	}
	a.metadataDB, err = database.OpenMetadata(filepath.Join(cfg.DataDir, "promptloop.metadata.db"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("metadata DB: %w", err)
	}

	return a, nil
}

func (a *app) close() {
	for name, db := range map[string]*sql.DB{
		"lifecycle": a.lifecycleDB,
		"output":    a.outputDB,
		"metadata":  a.metadataDB,
	} {
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("Error closing %s database: %v", name, err)
			}
		}
	}
}

// resolveAPIKey checks the environment first, then the metadata database.
func (a *app) resolveAPIKey() (string, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}

	metaDB := database.NewMetadataDB(a.metadataDB)
	has, err := metaDB.HasSecret("OPENAI_API_KEY")
	if err != nil {
		return "", fmt.Errorf("failed to check for API key: %w", err)
	}
	if !has {
		return "", fmt.Errorf("no API key: set OPENAI_API_KEY or store it with the metadata database")
	}
	return metaDB.GetSecret("OPENAI_API_KEY")
}

// buildAgents constructs the generator and critic over the same backend,
// wiring usage accounting into the lifecycle and output databases.
func (a *app) buildAgents() (generator, critic agent.Agent, err error) {
	apiKey, err := a.resolveAPIKey()
	if err != nil {
		return nil, nil, err
	}

	lifecycle := database.NewLifecycleDB(a.lifecycleDB)
	output := database.NewOutputDB(a.outputDB)
	histogram := metrics.NewHistogram(a.outputDB)

	onUsage := func(u agent.Usage) {
		if err := lifecycle.RecordAgentUsage(uuid.New().String(), u.Agent, u.Model,
			u.PromptTokens, u.CompletionTokens, u.LatencyMs); err != nil {
			log.Printf("Failed to record agent usage: %v", err)
		}
		if err := output.RecordMetric("tokens_total", float64(u.PromptTokens+u.CompletionTokens)); err != nil {
			log.Printf("Failed to record token metric: %v", err)
		}
		if err := histogram.RecordLatency(u.Agent, u.LatencyMs); err != nil {
			log.Printf("Failed to record latency: %v", err)
		}
	}

	generator = agent.NewOpenAIAgent(agent.OpenAIOptions{
		Name:              "generator",
		APIKey:            apiKey,
		BaseURL:           a.cfg.BaseURL,
		Model:             a.cfg.Model,
		Temperature:       a.cfg.GeneratorTemperature,
		RequestsPerMinute: a.cfg.RequestsPerMinute,
		OnUsage:           onUsage,
	})
	critic = agent.NewOpenAIAgent(agent.OpenAIOptions{
		Name:              "critic",
		APIKey:            apiKey,
		BaseURL:           a.cfg.BaseURL,
		Model:             a.cfg.Model,
		Temperature:       a.cfg.CriticTemperature,
		RequestsPerMinute: a.cfg.RequestsPerMinute,
		OnUsage:           onUsage,
	})
	return generator, critic, nil
}

func newRunCmd() *cobra.Command {
	var maxRounds int

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Refine a prompt for a task and print the transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			generator, critic, err := a.buildAgents()
			if err != nil {
				return err
			}

			loopCfg := a.cfg.LoopConfig()
			if maxRounds > 0 {
				loopCfg.MaxRounds = maxRounds
			}

			storage := refine.NewStorage(a.lifecycleDB, a.outputDB)
			controller, err := refine.NewController(loopCfg, generator, critic,
				refine.WithObserver(storage))
			if err != nil {
				return err
			}

			result, runErr := controller.Run(cmd.Context(), task)
			if runErr != nil {
				if result != nil && errors.Is(runErr, refine.ErrGenerationFailed) {
					// The rounds completed before the failure are still
					// worth showing.
					renderResult(cmd.OutOrStdout(), result)
				}
				return runErr
			}

			renderResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "round budget override for this run")
	return cmd
}

func renderResult(w io.Writer, result *refine.RunResult) {
	fmt.Fprintf(w, "Run %s (%d rounds, %s)\n", result.RunID, result.Rounds, result.Reason)

	for _, rec := range result.History {
		fmt.Fprintf(w, "\n--- Round %d [%s] ---\n", rec.Index, rec.Verdict)
		fmt.Fprintf(w, "Candidate:\n%s\n", rec.Candidate)
		fmt.Fprintf(w, "Critique:\n%s\n", rec.Critique)
		if rewrite, ok := refine.ApprovedPrompt(rec.Critique); ok {
			fmt.Fprintf(w, "Critic rewrite (informational):\n%s\n", rewrite)
		}
	}

	if result.FinalPrompt != "" {
		fmt.Fprintf(w, "\n=== Final Prompt ===\n%s\n", result.FinalPrompt)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the refinement loop over MCP on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			generator, critic, err := a.buildAgents()
			if err != nil {
				return err
			}

			workerID := fmt.Sprintf("promptloop-%d", time.Now().Unix())
			metaDB := database.NewMetadataDB(a.metadataDB)
			if err := metaDB.RecordTelemetryEvent("startup",
				fmt.Sprintf("Worker %s starting", workerID)); err != nil {
				log.Printf("Failed to record startup event: %v", err)
			}

			server := mcp.NewServer(a.cfg, generator, critic, a.lifecycleDB, a.outputDB)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

			serveDone := make(chan error, 1)
			go func() {
				serveDone <- server.Serve(os.Stdin, os.Stdout)
			}()

			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()

			log.Printf("Worker %s started successfully", workerID)

			for {
				select {
				case <-ticker.C:
					sendHeartbeat(a, workerID, "running")
				case sig := <-sigChan:
					log.Printf("Received signal %v, shutting down gracefully...", sig)
					shutdown(a, server, metaDB, workerID)
					return nil
				case err := <-serveDone:
					if err != nil {
						log.Printf("MCP server error: %v", err)
					}
					shutdown(a, server, metaDB, workerID)
					return err
				}
			}
		},
	}
}

func sendHeartbeat(a *app, workerID, status string) {
	lifecycle := database.NewLifecycleDB(a.lifecycleDB)

	active, err := lifecycle.CountRuns("running")
	if err != nil {
		log.Printf("Failed to count active runs: %v", err)
	}
	completed, err := lifecycle.CountRuns("terminated")
	if err != nil {
		log.Printf("Failed to count completed runs: %v", err)
	}

	output := database.NewOutputDB(a.outputDB)
	if err := output.RecordHeartbeat(workerID, status, active, completed); err != nil {
		log.Printf("Failed to send heartbeat: %v", err)
	}
}

func shutdown(a *app, server *mcp.Server, metaDB *database.MetadataDB, workerID string) {
	log.Println("Starting graceful shutdown...")

	sendHeartbeat(a, workerID, "shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("MCP server shutdown error: %v", err)
	}

	log.Println("Checkpointing WAL files...")
	for name, db := range map[string]*sql.DB{
		"lifecycle": a.lifecycleDB,
		"output":    a.outputDB,
		"metadata":  a.metadataDB,
	} {
		if _, err := db.Exec("PRAGMA wal_checkpoint(RESTART)"); err != nil {
			log.Printf("WAL checkpoint error (%s): %v", name, err)
		}
	}

	if err := metaDB.RecordTelemetryEvent("shutdown",
		fmt.Sprintf("Worker %s shutdown gracefully", workerID)); err != nil {
		log.Printf("Failed to record shutdown event: %v", err)
	}
	log.Println("Graceful shutdown completed")
}

func newStatsCmd() *cobra.Command {
	var windowMinutes int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage metrics and latency percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			output := database.NewOutputDB(a.outputDB)

			since := time.Now().Add(-time.Duration(windowMinutes) * time.Minute).Unix()
			aggregates, err := output.GetAggregatedMetrics(since)
			if err != nil {
				return fmt.Errorf("failed to get metrics: %w", err)
			}

			fmt.Fprintf(out, "Metrics (last %d minutes):\n", windowMinutes)
			if len(aggregates) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for name, agg := range aggregates {
				fmt.Fprintf(out, "  %-28s count=%d sum=%.0f avg=%.1f\n",
					name, agg.Count, agg.Sum, agg.Avg)
			}

			histogram := metrics.NewHistogram(a.outputDB)
			percentiles, err := histogram.AllPercentiles(windowMinutes)
			if err != nil {
				return fmt.Errorf("failed to get latency percentiles: %w", err)
			}

			fmt.Fprintln(out, "\nLatency (ms):")
			if len(percentiles) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for op, p := range percentiles {
				fmt.Fprintf(out, "  %-12s p50=%.0f p95=%.0f p99=%.0f n=%d\n",
					op, p.P50, p.P95, p.P99, p.Count)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&windowMinutes, "window", 60, "aggregation window in minutes")
	return cmd
}

// Command datastore brings up the multi-store persistence layer, prints a
// health snapshot, and optionally performs a demo coordinated write. It is
// the in-process entry point the API server embeds; running it standalone
// is useful for smoke-testing a deployment's store topology.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/coordinator"
	"github.com/clipmind/datastore/src/health"
	"github.com/clipmind/datastore/src/manager"
	"github.com/clipmind/datastore/src/model"
)

func main() {
	envFile := flag.String("env", "", "path to a dotenv file (default: ./.env if present)")
	saveVideo := flag.String("save", "", "perform a demo coordinated write for the given video id")
	wait := flag.Bool("wait", false, "keep running (health probes active) until interrupted")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load(*envFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := manager.New(cfg, logger)
	if err := m.Initialize(ctx); err != nil {
		logger.Error("initialize failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	reporter := health.NewReporter(m)
	printSnapshot(reporter)

	if *saveVideo != "" {
		coord := coordinator.New(m, cfg, logger)
		outcome := coord.SaveResult(ctx, &model.PipelineResult{
			VideoID:             *saveVideo,
			Status:              "completed",
			OverallQualityScore: 0.9,
			CompletedAt:         time.Now().UTC(),
		})
		switch outcome.Kind {
		case coordinator.OutcomeSaved:
			fmt.Printf("saved %s (row %s)\n", *saveVideo, outcome.ID)
		case coordinator.OutcomeSkipped:
			fmt.Printf("skipped %s: already processed\n", *saveVideo)
		case coordinator.OutcomeFailed:
			logger.Error("save failed", "video_id", *saveVideo, "error", outcome.Err)
		}
	}

	if *wait {
		<-ctx.Done()
		logger.Info("interrupt received, shutting down")
	}
}

func printSnapshot(reporter *health.Reporter) {
	snapshot := reporter.Snapshot()
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fmt.Println(snapshot)
		return
	}
	fmt.Println(string(out))
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/export-queue/internal/cli"
	"github.com/ChuLiYu/export-queue/internal/config"
	"github.com/ChuLiYu/export-queue/internal/controller"
	"github.com/ChuLiYu/export-queue/pkg/types"
)

const demoJobs = 200

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if mode == "start" {
		if err := seedProjects(cfg.Content.Dir); err != nil {
			log.Fatalf("Failed to seed demo projects: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := cli.NewApp(ctx, cfg, cli.AppOptions{Version: cli.Version})
	if err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	ctrl := app.Controller

	fmt.Printf("✓ Export queue started (mode: %s)\n", mode)

	shutdown := func() {
		fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace+10*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
		fmt.Println("✓ Export queue stopped")
	}

	switch mode {
	case "start":
		time.Sleep(500 * time.Millisecond)

		status := ctrl.GetStatus()
		if total(status) > 0 {
			fmt.Printf("\n⚠️  Found existing jobs from a previous run\n")
			printStatus("Current Status (after restore)", status)
			fmt.Printf("\n💡 Pending jobs were re-queued; jobs caught mid-export were failed as interrupted.\n")
			fmt.Printf("   Delete %s to start fresh\n", cfg.Snapshot.Path)
		} else {
			if err := submitDemoJobs(ctx, ctrl); err != nil {
				log.Fatalf("Failed to submit jobs: %v", err)
			}
			fmt.Printf("✓ Submitted %d export jobs\n", demoJobs)
			fmt.Printf("\n⚡ Jobs are being exported by %d workers...\n", cfg.Scheduler.MaxConcurrentJobs)
			fmt.Printf("💡 Press Ctrl+C NOW to stop with jobs still queued, then run 'recover'\n\n")

			for i := 0; i < 20; i++ {
				select {
				case <-ctx.Done():
					shutdown()
					return
				case <-time.After(100 * time.Millisecond):
					q := ctrl.GetQueueStatus()
					if q.PendingCount > 0 || q.ProcessingCount > 0 {
						fmt.Printf("📊 Queue: Pending=%d, Processing=%d, EstimatedWait=%s\n",
							q.PendingCount, q.ProcessingCount, q.EstimatedWait.Round(time.Millisecond))
					}
				}
			}
			printStatus("Status Snapshot (after 2 seconds)", ctrl.GetStatus())
		}

	case "recover":
		status := ctrl.GetStatus()
		printStatus("Immediate Status After Restore", status)
		if n := total(status); n > 0 {
			fmt.Printf("\n✓ Restored %d jobs from the last snapshot\n", n)
		}

		fmt.Printf("\n⏳ Waiting 2 seconds for queued jobs to export...\n")
		time.Sleep(2 * time.Second)
		printStatus("Final Status", ctrl.GetStatus())

		st := ctrl.GetStatistics()
		fmt.Printf("\n📈 Statistics: total=%d completed=%d failed=%d cancelled=%d avg=%s quality=%.1f\n",
			st.TotalJobs, st.CompletedJobs, st.FailedJobs, st.CancelledJobs,
			st.AverageProcessingTime.Round(time.Millisecond), st.AverageQualityScore)

	default:
		fmt.Printf("unknown mode %q\n", mode)
	}

	<-ctx.Done()
	shutdown()
}

var demoFormats = []types.Format{
	types.FormatEPUB, types.FormatHTML, types.FormatMarkdown, types.FormatPDF, types.FormatText,
}

var demoPriorities = []types.Priority{
	types.PriorityLow, types.PriorityNormal, types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent,
}

func submitDemoJobs(ctx context.Context, ctrl *controller.Controller) error {
	for i := 0; i < demoJobs; i++ {
		_, err := ctrl.CreateExportJob(ctx, controller.JobRequest{
			OwnerID:    fmt.Sprintf("writer-%d", i%7),
			ProjectID:  "demo-novel",
			ContentIDs: []string{"01-arrival", "02-harbour", "03-departure"},
			Format:     demoFormats[i%len(demoFormats)],
			Priority:   demoPriorities[i%len(demoPriorities)],
			Metadata:   types.Metadata{Title: "Harbour Lights", Author: "Demo Author", Language: "en"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func seedProjects(root string) error {
	dir := filepath.Join(root, "demo-novel")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := map[string]string{
		"project.yaml":    "title: Harbour Lights\nauthor: Demo Author\nlanguage: en\n",
		"01-arrival.md":   "# Arrival\n\nThe ferry came in under a low grey sky.\n\nNobody on the quay looked up.\n",
		"02-harbour.md":   "# Harbour\n\nNets dried on the wall. Gulls argued over the scraps.\n",
		"03-departure.md": "# Departure\n\nShe left before the lamps were lit.\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func total(status map[string]interface{}) int {
	n := 0
	for _, k := range []string{"pending", "processing", "completed", "failed", "cancelled"} {
		if v, ok := status[k].(int); ok {
			n += v
		}
	}
	return n
}

func printStatus(title string, status map[string]interface{}) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:    %v\n", status["pending"])
	fmt.Printf("  Processing: %v\n", status["processing"])
	fmt.Printf("  Completed:  %v\n", status["completed"])
	fmt.Printf("  Failed:     %v\n", status["failed"])
	fmt.Printf("  Cancelled:  %v\n", status["cancelled"])
}

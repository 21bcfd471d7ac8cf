// ============================================================================
// exportq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the manuscript export queue
//
// Command Structure:
//   exportq                        # Root command
//   ├── run                        # Start the queue with admin HTTP / gRPC health
//   ├── export                     # Run export jobs from a JSON file and wait
//   │   └── --file, -f            # Job file
//   ├── status                     # Show config, last snapshot and journal summary
//   ├── journal                    # Dump the event journal (or a rotated archive)
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config and install the slog handler
//   2. Assemble and start the App (controller, sinks, listeners)
//   3. Wait for SIGINT / SIGTERM
//   4. Graceful shutdown: listeners, controller (final snapshot), sinks
//
// export Command:
//   Runs an in-process queue without listeners, submits every job and batch
//   in the file and waits until all of them reach a terminal state. The file
//   format is:
//   {
//     "jobs":    [{"owner_id": "u1", "project_id": "novel", "content_ids": ["ch1"], "format": "epub"}],
//     "batches": [{"owner_id": "u1", "project_ids": ["novel", "essays"], "format": "html"}]
//   }
//   Passwords are never read from the file; use --password.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/export-queue/internal/config"
	"github.com/ChuLiYu/export-queue/internal/controller"
	"github.com/ChuLiYu/export-queue/internal/snapshot"
	"github.com/ChuLiYu/export-queue/internal/storage/wal"
	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Version is reported by --version and the admin API.
var Version = "0.1.0"

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exportq",
		Short: "exportq: a manuscript export job queue",
		Long: `exportq turns manuscript projects into EPUB, PDF, screenplay, HTML and
Markdown exports through a prioritised, concurrency-bounded job queue with:
- quality checks before conversion
- cooperative cancellation and deadlines
- snapshot-based restart recovery
- a checksummed event journal
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig loads the config file and installs the logger it describes.
func loadConfig(errOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(errOut, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging installs the default slog handler.
func setupLogging(w io.Writer, level, format string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	// package loggers captured before SetDefault route through the log package
	slog.SetLogLoggerLevel(lvl)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the export queue",
		Long:  "Start the queue, the admin HTTP server (/metrics, read-only job views) and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cmd.ErrOrStderr())
		},
	}
}

func runSystem(ctx context.Context, errOut io.Writer) error {
	cfg, err := loadConfig(errOut)
	if err != nil {
		return err
	}

	app, err := NewApp(ctx, cfg, AppOptions{Version: Version})
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		app.Close(context.Background())
		return err
	}
	slog.Info("exportq started",
		"config", configFile,
		"workers", cfg.Scheduler.MaxConcurrentJobs,
		"storage", cfg.Storage.Driver,
		"admin", cfg.Metrics.Addr)

	<-ctx.Done()
	slog.Info("received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("exportq stopped")
	return nil
}

// ============================================================================
// export
// ============================================================================

// exportFile is the job file read by the export command.
type exportFile struct {
	Jobs    []controller.JobRequest `json:"jobs"`
	Batches []types.BatchRequest    `json:"batches"`
}

func buildExportCommand() *cobra.Command {
	var (
		jobFile  string
		password string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run export jobs from a JSON file",
		Long:  "Run an in-process queue, submit the jobs and batches in a JSON file and wait for them to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return errors.New("job file is required (use --file or -f)")
			}
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return exportJobs(ctx, cmd.OutOrStdout(), cfg, jobFile, password, timeout)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing jobs and batches")
	cmd.Flags().StringVar(&password, "password", "", "protect every output with this password")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the jobs")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readExportFile(path string) (*exportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var f exportFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(f.Jobs) == 0 && len(f.Batches) == 0 {
		return nil, errors.New("job file contains no jobs or batches")
	}
	return &f, nil
}

func exportJobs(ctx context.Context, out io.Writer, cfg *config.Config, path, password string, timeout time.Duration) error {
	file, err := readExportFile(path)
	if err != nil {
		return err
	}

	app, err := NewApp(ctx, cfg, AppOptions{Registry: prometheus.NewRegistry(), NoServer: true, Version: Version})
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		app.Close(context.Background())
		return err
	}
	defer app.Close(context.Background())
	ctrl := app.Controller

	var ids []types.JobID
	for i, req := range file.Jobs {
		if password != "" {
			req.Options.Output.Password = password
		}
		id, err := ctrl.CreateExportJob(ctx, req)
		if err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	for i, req := range file.Batches {
		if password != "" {
			req.Options.Output.Password = password
		}
		batch, err := ctrl.CreateBatchExport(ctx, req)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		ids = append(ids, batch.JobIDs...)
	}
	slog.Info("export jobs submitted", "jobs", len(ids), "file", path)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	jobs, waitErr := waitForJobs(waitCtx, ctrl, ids)

	printJobs(out, jobs)
	if waitErr != nil {
		return fmt.Errorf("waiting for jobs: %w", waitErr)
	}
	for _, job := range jobs {
		if job.Status != types.StatusCompleted {
			return fmt.Errorf("%d of %d jobs did not complete", countNotCompleted(jobs), len(jobs))
		}
	}
	return nil
}

// waitForJobs polls until every job is terminal or ctx is done. It always
// returns the latest view of each job.
func waitForJobs(ctx context.Context, ctrl *controller.Controller, ids []types.JobID) ([]*types.Job, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		jobs := make([]*types.Job, 0, len(ids))
		done := true
		for _, id := range ids {
			job, err := ctrl.GetJob(id)
			if err != nil {
				return jobs, err
			}
			jobs = append(jobs, job)
			if !job.Status.IsTerminal() {
				done = false
			}
		}
		if done {
			return jobs, nil
		}
		select {
		case <-ctx.Done():
			return jobs, ctx.Err()
		case <-ticker.C:
		}
	}
}

func countNotCompleted(jobs []*types.Job) int {
	n := 0
	for _, j := range jobs {
		if j.Status != types.StatusCompleted {
			n++
		}
	}
	return n
}

func printJobs(out io.Writer, jobs []*types.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tPROJECT\tFORMAT\tSTATUS\tPROGRESS\tQUALITY\tRESULT")
	for _, j := range jobs {
		result := j.OutputPath
		if j.Status != types.StatusCompleted {
			result = j.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\n",
			j.ID, j.ProjectID, j.Format, j.Status, j.Progress, j.QualityScore, result)
	}
	tw.Flush()
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the configuration, the job table of the last snapshot and the journal summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(out io.Writer, cfg *config.Config) error {
	fmt.Fprintln(out, "exportq status")
	fmt.Fprintln(out, strings.Repeat("=", 60))

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  config file:      %s\n", configFile)
	fmt.Fprintf(out, "  workers:          %d\n", cfg.Scheduler.MaxConcurrentJobs)
	if cfg.Scheduler.MaxQueueDepth > 0 {
		fmt.Fprintf(out, "  max queue depth:  %d\n", cfg.Scheduler.MaxQueueDepth)
	} else {
		fmt.Fprintln(out, "  max queue depth:  unlimited")
	}
	fmt.Fprintf(out, "  storage:          %s (%s)\n", cfg.Storage.Driver, storageLocation(cfg))
	fmt.Fprintf(out, "  content:          %s\n", cfg.Content.Dir)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Snapshot:")
	if !cfg.Snapshot.Enabled {
		fmt.Fprintln(out, "  disabled")
	} else {
		data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		fmt.Fprintf(out, "  path:             %s\n", cfg.Snapshot.Path)
		if data.SavedAt.IsZero() {
			fmt.Fprintln(out, "  no snapshot yet")
		} else {
			fmt.Fprintf(out, "  saved at:         %s\n", data.SavedAt.Format(time.RFC3339))
			counts := map[types.JobStatus]int{}
			for _, j := range data.Jobs {
				counts[j.Status]++
			}
			for _, st := range []types.JobStatus{types.StatusPending, types.StatusProcessing, types.StatusCompleted, types.StatusFailed, types.StatusCancelled} {
				fmt.Fprintf(out, "  %-17s %d\n", string(st)+":", counts[st])
			}
			fmt.Fprintf(out, "  batches:          %d\n", len(data.Batches))
			if data.Stats != nil {
				fmt.Fprintf(out, "  avg processing:   %s\n", time.Duration(data.Stats.AvgProcessingMs*float64(time.Millisecond)).Round(time.Millisecond))
				fmt.Fprintf(out, "  avg quality:      %.1f\n", data.Stats.AvgQualityScore)
			}
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Journal:")
	if !cfg.Journal.Enabled {
		fmt.Fprintln(out, "  disabled")
	} else if _, err := os.Stat(cfg.Journal.Path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(out, "  no journal yet")
	} else if st, err := wal.GetWALStats(cfg.Journal.Path); err != nil {
		fmt.Fprintf(out, "  %s: %v\n", cfg.Journal.Path, err)
	} else {
		fmt.Fprintf(out, "  path:             %s\n", cfg.Journal.Path)
		fmt.Fprintf(out, "  records:          %d (seq %d-%d)\n", st.TotalEvents, st.FirstSeq, st.LastSeq)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Admin:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  http:             %s (/metrics, /jobs/{id}, /queue, /stats)\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  http:             disabled")
	}
	if cfg.GRPC.Enabled {
		fmt.Fprintf(out, "  grpc health:      %s\n", cfg.GRPC.Addr)
	} else {
		fmt.Fprintln(out, "  grpc health:      disabled")
	}
	return nil
}

func storageLocation(cfg *config.Config) string {
	if cfg.Storage.Driver == "sqlite" {
		return cfg.Storage.DSN
	}
	return cfg.Storage.Dir
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var (
		archive   string
		limit     int
		statsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Dump the event journal",
		Long:  "Print journal records in order, verifying checksums. Use --archive to read a rotated .gz journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			path := cfg.Journal.Path
			if archive != "" {
				path = archive
			}
			return dumpJournal(cmd.OutOrStdout(), path, archive != "", limit, statsOnly)
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "read a rotated, gzip-compressed journal instead")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most n records (0 = all)")
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "print per-type counts only")
	return cmd
}

func dumpJournal(out io.Writer, path string, compressed bool, limit int, statsOnly bool) error {
	var records []wal.Event
	collect := func(e wal.Event) error {
		if limit > 0 && len(records) >= limit {
			return nil
		}
		records = append(records, e)
		return nil
	}

	var err error
	if compressed {
		err = wal.ReplayArchive(path, collect)
	} else if statsOnly || limit > 0 {
		records, err = wal.FirstN(path, limit)
	} else {
		return wal.DumpWAL(path, out)
	}
	if err != nil {
		return err
	}

	if statsOnly {
		counts := map[wal.EventType]int{}
		for _, r := range records {
			counts[r.Type]++
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		fmt.Fprintf(out, "records: %d\n", len(records))
		for _, k := range keys {
			fmt.Fprintf(out, "  %-14s %d\n", k, counts[wal.EventType(k)])
		}
		return nil
	}

	for _, e := range records {
		jobID := string(e.JobID)
		if jobID == "" {
			jobID = "-"
		}
		fmt.Fprintf(out, "[Seq:%d] %s %s at %s\n", e.Seq, e.Type, jobID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339))
	}
	if !compressed && limit > 0 && len(records) == limit {
		total, err := wal.CountEvents(path)
		if err != nil {
			return err
		}
		if total > limit {
			fmt.Fprintf(out, "... %d more records\n", total-limit)
		}
	}
	return nil
}

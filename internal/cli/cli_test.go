package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/export-queue/internal/config"
	"github.com/ChuLiYu/export-queue/internal/controller"
	"github.com/ChuLiYu/export-queue/internal/storage/wal"
	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestBuildCLI tests CLI command structure
func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "exportq", cmd.Use)
	assert.Equal(t, Version, cmd.Version)
	assert.NotEmpty(t, cmd.Short)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, config.DefaultPath, configFlag.DefValue)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"run", "export", "status", "journal"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestExportCommandFlags(t *testing.T) {
	cmd := buildExportCommand()

	file := cmd.Flags().Lookup("file")
	require.NotNil(t, file)
	assert.Equal(t, "f", file.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("password"))
	assert.Equal(t, "10m0s", cmd.Flags().Lookup("timeout").DefValue)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "info", "json"))
	slog.Debug("hidden")
	slog.Info("visible", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "visible", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	assert.Error(t, setupLogging(&buf, "info", "xml"))
	assert.Error(t, setupLogging(&buf, "loud", "text"))
}

func TestReadExportFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, err := readExportFile(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{jobs"), 0o644))
		_, err := readExportFile(path)
		assert.ErrorContains(t, err, "parse")
	})

	t.Run("empty", func(t *testing.T) {
		path := filepath.Join(dir, "empty.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"jobs":[]}`), 0o644))
		_, err := readExportFile(path)
		assert.ErrorContains(t, err, "no jobs")
	})
}

// ============================================================================
// End-to-end
// ============================================================================

type cliFixture struct {
	dir        string
	configPath string
	jobsPath   string
}

// newFixture lays out a content tree with two projects, a config pointing
// every path into a temp dir, and a job file with one job and one batch.
func newFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	projects := filepath.Join(dir, "projects")

	writeFile(t, filepath.Join(projects, "novel", "project.yaml"), "title: The Novel\nauthor: A. Writer\nlanguage: en\n")
	writeFile(t, filepath.Join(projects, "novel", "01-opening.md"), "# Opening\n\nIt was a quiet morning in the valley.\n")
	writeFile(t, filepath.Join(projects, "novel", "02-storm.md"), "# Storm\n\nBy noon the clouds had rolled in.\n")
	writeFile(t, filepath.Join(projects, "essays", "project.yaml"), "title: Essays\n")
	writeFile(t, filepath.Join(projects, "essays", "walking.md"), "# On Walking\n\nWalking clears the head.\n")

	cfg := config.Default()
	cfg.Scheduler.MaxConcurrentJobs = 2
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.Scheduler.ShutdownGrace = 0
	cfg.Storage.Dir = filepath.Join(dir, "exports")
	cfg.Content.Dir = projects
	cfg.Snapshot.Path = filepath.Join(dir, "snapshot.json")
	cfg.Journal.Path = filepath.Join(dir, "journal.wal")
	cfg.Metrics.Enabled = false
	cfg.Log.Level = "error"

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	configPath := filepath.Join(dir, "exportq.yaml")
	writeFile(t, configPath, string(out))

	jobs := exportFile{
		Jobs: []controller.JobRequest{{
			OwnerID:    "u1",
			ProjectID:  "novel",
			ContentIDs: []string{"01-opening", "02-storm"},
			Format:     types.FormatMarkdown,
			Metadata:   types.Metadata{Title: "The Novel"},
		}},
		Batches: []types.BatchRequest{{
			OwnerID:    "u1",
			ProjectIDs: []string{"novel", "essays"},
			Format:     types.FormatHTML,
		}},
	}
	data, err := json.Marshal(jobs)
	require.NoError(t, err)
	jobsPath := filepath.Join(dir, "jobs.json")
	writeFile(t, jobsPath, string(data))

	return &cliFixture{dir: dir, configPath: configPath, jobsPath: jobsPath}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExportStatusJournal(t *testing.T) {
	fx := newFixture(t)

	out, err := execute(t, "-c", fx.configPath, "export", "-f", fx.jobsPath, "--timeout", "30s")
	require.NoError(t, err, out)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "novel")
	assert.Contains(t, out, "essays")
	assert.NotContains(t, out, string(types.StatusFailed))

	files, err := filepath.Glob(filepath.Join(fx.dir, "exports", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	t.Run("status", func(t *testing.T) {
		out, err := execute(t, "-c", fx.configPath, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "exportq status")
		assert.Regexp(t, `completed:\s+3`, out)
		assert.Regexp(t, `batches:\s+1`, out)
		assert.Contains(t, out, "http:             disabled")
	})

	t.Run("journal archive", func(t *testing.T) {
		archives, err := filepath.Glob(filepath.Join(fx.dir, "journal.wal.*.gz"))
		require.NoError(t, err)
		require.NotEmpty(t, archives, "final snapshot rotates the journal")

		out, err := execute(t, "-c", fx.configPath, "journal", "--archive", archives[len(archives)-1], "--stats")
		require.NoError(t, err)
		assert.Contains(t, out, "records:")
		assert.Contains(t, out, "job-created")
		assert.Contains(t, out, "batch-created")
	})

	t.Run("journal live", func(t *testing.T) {
		out, err := execute(t, "-c", fx.configPath, "journal", "-n", "5")
		require.NoError(t, err)
		assert.Empty(t, strings.TrimSpace(out), "nothing is journaled after the final snapshot")
	})
}

func TestExportMissingProject(t *testing.T) {
	fx := newFixture(t)

	bad := exportFile{Batches: []types.BatchRequest{{
		OwnerID:    "u1",
		ProjectIDs: []string{"novel", "ghost"},
		Format:     types.FormatHTML,
	}}}
	data, err := json.Marshal(bad)
	require.NoError(t, err)
	writeFile(t, fx.jobsPath, string(data))

	_, err = execute(t, "-c", fx.configPath, "export", "-f", fx.jobsPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

// seedJournal writes n job-created records to the configured journal.
func seedJournal(t *testing.T, fx *cliFixture, n int) *config.Config {
	t.Helper()
	cfg, err := config.Load(fx.configPath)
	require.NoError(t, err)
	w, err := wal.NewWAL(cfg.Journal.Path, false)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := w.Append("job-created", types.JobID(fmt.Sprintf("job-%d", i)), nil, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return cfg
}

func TestJournalLimitReportsRemainder(t *testing.T) {
	fx := newFixture(t)
	seedJournal(t, fx, 5)

	out, err := execute(t, "-c", fx.configPath, "journal", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "job-0")
	assert.Contains(t, out, "job-1")
	assert.NotContains(t, out, "job-2")
	assert.Contains(t, out, "... 3 more records")

	out, err = execute(t, "-c", fx.configPath, "journal", "-n", "5")
	require.NoError(t, err)
	assert.NotContains(t, out, "more records")
}

func TestNewAppCountsJournalBacklog(t *testing.T) {
	fx := newFixture(t)
	cfg := seedJournal(t, fx, 3)

	app, err := NewApp(context.Background(), cfg, AppOptions{NoServer: true, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	assert.Equal(t, 3, app.JournalBacklog)
	assert.Equal(t, uint64(3), app.Journal.GetLastSeq())
}

func TestStatusWithoutSnapshot(t *testing.T) {
	fx := newFixture(t)

	out, err := execute(t, "-c", fx.configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no snapshot yet")
	assert.Contains(t, out, "no journal yet")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	prev, prevLog := configFile, slog.Default()
	t.Cleanup(func() {
		configFile = prev
		slog.SetDefault(prevLog)
	})
	configFile = filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := loadConfig(io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_Invalid(t *testing.T) {
	prev := configFile
	t.Cleanup(func() { configFile = prev })
	configFile = filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("scheduler: [1, 2"), 0o644))

	_, err := loadConfig(io.Discard)
	assert.ErrorContains(t, err, "failed to load config")
}

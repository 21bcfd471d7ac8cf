// ============================================================================
// Export Queue 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 配置檔（預設 configs/default.yaml），未設定的欄位沿用預設值
//
// 配置區塊:
//   - scheduler: 並發上限、佇列深度、tick 間隔、截止時間
//   - storage: 產出檔案存放（fs 或 sqlite）
//   - content: 專案內容目錄
//   - snapshot: 快照路徑、間隔、備份份數
//   - journal: 事件日誌（WAL）
//   - events: 事件歷史長度與 Redis 發佈
//   - metrics: 管理 HTTP 服務（/metrics 與唯讀查詢）
//   - grpc: gRPC health 服務
//   - tracing: OpenTelemetry stdout exporter
//   - log: slog 等級與格式
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/export-queue/internal/controller"
	"gopkg.in/yaml.v3"
)

// DefaultPath 預設配置檔路徑
const DefaultPath = "configs/default.yaml"

// Config 完整系統配置
type Config struct {
	Scheduler struct {
		MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
		MaxQueueDepth     int           `yaml:"max_queue_depth"`
		TickInterval      time.Duration `yaml:"tick_interval"`
		DeadlineFactor    float64       `yaml:"deadline_factor"`
		MinDeadline       time.Duration `yaml:"min_deadline"`
		ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	} `yaml:"scheduler"`

	Storage struct {
		Driver string `yaml:"driver"` // fs | sqlite
		Dir    string `yaml:"dir"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Content struct {
		Dir string `yaml:"dir"`
	} `yaml:"content"`

	Snapshot struct {
		Enabled  bool          `yaml:"enabled"`
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
		Backups  int           `yaml:"backups"`
	} `yaml:"snapshot"`

	Journal struct {
		Enabled      bool   `yaml:"enabled"`
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"journal"`

	Events struct {
		History int `yaml:"history"`
		Redis   struct {
			Enabled bool   `yaml:"enabled"`
			Addr    string `yaml:"addr"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"events"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		PrettyPrint bool    `yaml:"pretty_print"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// Default 回傳預設配置
func Default() *Config {
	ctrl := controller.DefaultConfig()

	cfg := &Config{}
	cfg.Scheduler.MaxConcurrentJobs = ctrl.MaxConcurrentJobs
	cfg.Scheduler.TickInterval = ctrl.TickInterval
	cfg.Scheduler.DeadlineFactor = ctrl.DeadlineFactor
	cfg.Scheduler.MinDeadline = ctrl.MinDeadline
	cfg.Scheduler.ShutdownGrace = ctrl.ShutdownGrace

	cfg.Storage.Driver = "fs"
	cfg.Storage.Dir = "data/exports"
	cfg.Storage.DSN = "data/exports.db"

	cfg.Content.Dir = "data/projects"

	cfg.Snapshot.Enabled = true
	cfg.Snapshot.Path = "data/snapshot.json"
	cfg.Snapshot.Interval = ctrl.SnapshotInterval
	cfg.Snapshot.Backups = ctrl.SnapshotBackups

	cfg.Journal.Enabled = true
	cfg.Journal.Path = "data/journal.wal"

	cfg.Events.History = ctrl.EventHistory
	cfg.Events.Redis.Addr = "localhost:6379"
	cfg.Events.Redis.Channel = "exportq:events"

	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"

	cfg.GRPC.Addr = ":50051"

	cfg.Tracing.SampleRatio = 1

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load 讀取配置檔並套用到預設值之上；檔案不存在時回傳預設配置
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置是否合法
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent_jobs must be positive"))
	}
	if c.Scheduler.MaxQueueDepth < 0 {
		errs = append(errs, errors.New("scheduler.max_queue_depth must not be negative"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.DeadlineFactor <= 0 {
		errs = append(errs, errors.New("scheduler.deadline_factor must be positive"))
	}
	switch c.Storage.Driver {
	case "fs":
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the fs driver"))
		}
	case "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		errs = append(errs, errors.New("snapshot.path is required when snapshots are enabled"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		errs = append(errs, errors.New("events.redis.addr is required when redis is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ControllerConfig 轉換為 controller.Config
func (c *Config) ControllerConfig() controller.Config {
	cc := controller.Config{
		MaxConcurrentJobs: c.Scheduler.MaxConcurrentJobs,
		MaxQueueDepth:     c.Scheduler.MaxQueueDepth,
		TickInterval:      c.Scheduler.TickInterval,
		DeadlineFactor:    c.Scheduler.DeadlineFactor,
		MinDeadline:       c.Scheduler.MinDeadline,
		ShutdownGrace:     c.Scheduler.ShutdownGrace,
		SnapshotInterval:  c.Snapshot.Interval,
		SnapshotBackups:   c.Snapshot.Backups,
		EventHistory:      c.Events.History,
	}
	if c.Snapshot.Enabled {
		cc.SnapshotPath = c.Snapshot.Path
	}
	return cc
}

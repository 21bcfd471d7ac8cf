// ============================================================================
// Pipeline Executor - 單一匯出任務的五階段執行器
// ============================================================================
//
// Package: internal/pipeline
// 文件: executor.go
// 功能: 依序執行 load → qa → convert → apply → save，推進任務進度並寫入結果
//
// 階段與進度檢查點:
//
//   load     10   解析 content ids，找不到的 id 直接略過
//   qa       25   執行啟用的品質檢查；critical 結構問題視為致命錯誤
//   convert  50   依格式轉換，未知格式退回純文字
//   apply    75   壓縮 → 浮水印 → 密碼保護
//   save     90   寫入 blob store，成功後 100 並標記完成
//
// 取消與逾時:
//   controller 為每個任務建立 context：
//     - CancelJob 以 ErrCancelled 作為 cause 取消
//     - 截止時間到期以 ErrDeadlineExceeded 作為 cause
//     - 服務關閉以 ErrStopped 作為 cause
//   每個階段邊界都會檢查 context；阻塞 I/O 也帶著同一個 context。
//   取消時丟棄已產生的輸出（包含已寫入 blob store 的檔案）。
//
// 錯誤處理:
//   所有階段錯誤都在 Execute 邊界統一處理一次，不自動重試：
//     - 取消：狀態已由 controller 設為 cancelled，只做清理
//     - 任務已被刪除：丟棄輸出
//     - 其他（含逾時）：標記 failed，記錄 errorMessage，失敗計數 +1
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/export-queue/internal/content"
	"github.com/ChuLiYu/export-queue/internal/convert"
	"github.com/ChuLiYu/export-queue/internal/events"
	"github.com/ChuLiYu/export-queue/internal/jobmanager"
	"github.com/ChuLiYu/export-queue/internal/output"
	"github.com/ChuLiYu/export-queue/internal/qa"
	"github.com/ChuLiYu/export-queue/internal/stats"
	"github.com/ChuLiYu/export-queue/internal/storage/blob"
	"github.com/ChuLiYu/export-queue/pkg/types"
)

var log = slog.Default()

const tracerName = "github.com/ChuLiYu/export-queue/internal/pipeline"

// Stage 階段名稱，同時作為 Job.Stage 的標籤
type Stage string

const (
	StageLoad    Stage = "load"
	StageQA      Stage = "qa"
	StageConvert Stage = "convert"
	StageApply   Stage = "apply"
	StageSave    Stage = "save"
)

// 各階段完成時的進度檢查點
var checkpoints = map[Stage]int{
	StageLoad:    10,
	StageQA:      25,
	StageConvert: 50,
	StageApply:   75,
	StageSave:    90,
}

var (
	// ErrCancelled 任務被呼叫端取消
	ErrCancelled = errors.New("job cancelled")
	// ErrDeadlineExceeded 任務超過預估截止時間
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrStopped 服務關閉，執行中任務被中斷
	ErrStopped = errors.New("interrupted: service stopping")
	// ErrCriticalValidation 品質檢查發現 critical 問題
	ErrCriticalValidation = errors.New("critical validation issue")
)

// StageError 帶有階段資訊的錯誤
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageObserver 接收每個階段的耗時（由 metrics.Collector 實作）
type StageObserver interface {
	ObserveStage(stage string, d time.Duration, err error)
}

// Executor 執行單一任務的所有階段。各欄位都是必要的，Metrics 可為 nil。
type Executor struct {
	Jobs       *jobmanager.JobManager
	Content    content.Resolver
	QA         *qa.Runner
	Converters *convert.Registry
	Output     *output.Applier
	Blobs      blob.Store
	Stats      *stats.Aggregator
	Bus        *events.Bus
	Metrics    StageObserver

	tracerOnce sync.Once
	tracer     trace.Tracer
	now        func() time.Time
}

// run 階段執行期間的狀態
type run struct {
	job        *types.Job
	items      []content.Item
	validation *types.ValidationResults
	blob       []byte
	outputPath string
}

// Execute 執行任務的所有階段；任務必須已是 processing
//
// 回傳值只用於 worker 回報成功與否，任務狀態已在此函式內寫入。
func (e *Executor) Execute(ctx context.Context, id types.JobID) error {
	job, err := e.Jobs.Get(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusProcessing {
		return fmt.Errorf("%w: executor got %s job", jobmanager.ErrInvalidTransition, job.Status)
	}

	ctx, span := e.getTracer().Start(ctx, "export.job", trace.WithAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.format", string(job.Format)),
		attribute.String("job.priority", string(job.Priority)),
	))
	defer span.End()

	r := &run{job: job}
	stages := []struct {
		stage Stage
		fn    func(context.Context, *run) error
	}{
		{StageLoad, e.load},
		{StageQA, e.validate},
		{StageConvert, e.convert},
		{StageApply, e.apply},
		{StageSave, e.save},
	}

	for _, s := range stages {
		if err := e.checkpoint(ctx); err != nil {
			return e.finish(ctx, span, r, &StageError{Stage: s.stage, Err: err})
		}
		if err := e.runStage(ctx, s.stage, r, s.fn); err != nil {
			return e.finish(ctx, span, r, &StageError{Stage: s.stage, Err: err})
		}
	}
	return e.finish(ctx, span, r, nil)
}

func (e *Executor) runStage(ctx context.Context, stage Stage, r *run, fn func(context.Context, *run) error) error {
	ctx, span := e.getTracer().Start(ctx, "export.stage."+string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx, r)
	if err == nil {
		err = e.checkpoint(ctx)
	}
	if err == nil && stage != StageSave {
		err = e.progress(r.job, checkpoints[stage], stage)
	}
	// 阻塞操作回傳的 context.Canceled 換成真正的原因
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if e.Metrics != nil {
		e.Metrics.ObserveStage(string(stage), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// checkpoint 階段邊界的取消 / 逾時檢查
func (e *Executor) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (e *Executor) progress(job *types.Job, pct int, stage Stage) error {
	changed, err := e.Jobs.UpdateProgress(job.ID, pct, string(stage))
	if err != nil {
		return err
	}
	if changed {
		e.Bus.Publish(events.Event{
			Type:     events.JobProgress,
			JobID:    job.ID,
			OwnerID:  job.OwnerID,
			BatchID:  job.BatchID,
			Status:   types.StatusProcessing,
			Progress: pct,
			Stage:    string(stage),
		})
	}
	return nil
}

func (e *Executor) load(ctx context.Context, r *run) error {
	items, err := e.Content.Load(ctx, r.job.ProjectID, r.job.ContentIDs)
	if err != nil {
		return fmt.Errorf("load content: %w", err)
	}
	r.items = items
	return nil
}

func (e *Executor) validate(ctx context.Context, r *run) error {
	res, err := e.QA.Run(ctx, r.items, r.job.Options.Checks)
	if err != nil {
		return err
	}
	r.validation = res
	if err := e.Jobs.SetValidation(r.job.ID, res); err != nil {
		return err
	}
	if res.HasCritical() {
		for _, is := range res.Issues {
			if is.Severity == types.SeverityCritical {
				return fmt.Errorf("%w: %s", ErrCriticalValidation, is.Message)
			}
		}
	}
	return nil
}

func (e *Executor) convert(ctx context.Context, r *run) error {
	out, err := e.Converters.Convert(ctx, r.job.Format, convert.Input{
		JobID:    r.job.ID,
		Items:    r.items,
		Template: r.job.Template,
		Metadata: r.job.Metadata,
		Options:  r.job.Options,
	})
	if err != nil {
		return err
	}
	r.blob = out
	return nil
}

func (e *Executor) apply(ctx context.Context, r *run) error {
	out, err := e.Output.Apply(ctx, r.job.ID, r.blob, r.job.Options.Output)
	if err != nil {
		return fmt.Errorf("apply output settings: %w", err)
	}
	r.blob = out
	return nil
}

func (e *Executor) save(ctx context.Context, r *run) error {
	if err := e.progress(r.job, checkpoints[StageSave], StageSave); err != nil {
		return err
	}
	path, err := e.Blobs.Save(ctx, r.job.ID, r.blob, r.job.Format)
	if err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	r.outputPath = path

	// 儲存期間可能被取消，完成前再檢查一次
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	done, err := e.Jobs.Complete(r.job.ID, jobmanager.Completion{
		OutputPath: path,
		OutputSize: int64(len(r.blob)),
		At:         e.clock(),
	})
	if err != nil {
		return err
	}
	r.job = done
	return nil
}

// finish Execute 的唯一出口：寫入終結狀態、統計與事件
func (e *Executor) finish(ctx context.Context, span trace.Span, r *run, err error) error {
	id := r.job.ID

	if err == nil {
		job := r.job
		e.Stats.RecordCompleted(job.ProcessingTime, job.QualityScore)
		e.Bus.Publish(events.Event{
			Type:     events.JobCompleted,
			JobID:    id,
			OwnerID:  job.OwnerID,
			BatchID:  job.BatchID,
			Status:   types.StatusCompleted,
			Progress: 100,
			Message:  job.OutputPath,
		})
		log.Info("export completed", "job_id", id, "format", job.Format, "path", job.OutputPath,
			"bytes", job.OutputSize, "duration", job.ProcessingTime)
		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.discard(r)

	switch {
	case errors.Is(err, ErrCancelled):
		log.Info("export cancelled mid-pipeline, output discarded", "job_id", id, "error", err)
		return err
	case errors.Is(err, jobmanager.ErrJobNotFound):
		log.Info("job deleted while running, output discarded", "job_id", id)
		return err
	case errors.Is(err, jobmanager.ErrInvalidTransition):
		// 狀態已被其他路徑改為終結狀態（例如取消）
		log.Info("job left processing while running", "job_id", id, "error", err)
		return err
	}

	msg := err.Error()
	if errors.Is(err, ErrDeadlineExceeded) {
		msg = fmt.Sprintf("deadline exceeded during %s", stageOf(err))
	}
	failed, ferr := e.Jobs.Fail(id, msg, e.clock())
	if ferr != nil {
		log.Warn("could not mark job failed", "job_id", id, "error", ferr)
		return err
	}
	e.Stats.RecordFailed()
	e.Bus.Publish(events.Event{
		Type:     events.JobFailed,
		JobID:    id,
		OwnerID:  failed.OwnerID,
		BatchID:  failed.BatchID,
		Status:   types.StatusFailed,
		Progress: failed.Progress,
		Stage:    failed.Stage,
		Message:  msg,
	})
	log.Warn("export failed", "job_id", id, "stage", stageOf(err), "error", msg)
	return err
}

// discard 丟棄未完成任務已寫入的輸出
func (e *Executor) discard(r *run) {
	r.blob = nil
	if r.outputPath == "" {
		return
	}
	if err := e.Blobs.Delete(context.Background(), r.outputPath); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Warn("could not discard partial output", "job_id", r.job.ID, "path", r.outputPath, "error", err)
	}
	r.outputPath = ""
}

func stageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// getTracer 由多個 worker 共用，只初始化一次
func (e *Executor) getTracer() trace.Tracer {
	e.tracerOnce.Do(func() {
		if e.tracer == nil {
			e.tracer = otel.Tracer(tracerName)
		}
	})
	return e.tracer
}

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// ============================================================================
// Export Queue 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 對外 API 與內部模組的協調者：建立 / 取消 / 刪除任務、派發、統計、快照
//
// 架構設計:
//   Controller 協調以下組件：
//   - JobManager: 任務記錄表（唯一真實來源）
//   - scheduler.Queue: 只保存 pending 任務 ID 的四層優先級佇列
//   - worker.Pool: MaxConcurrentJobs 個 Worker 執行 pipeline
//   - pipeline.Executor: 單一任務的五個階段
//   - stats.Aggregator / events.Bus / metrics.Collector
//   - snapshot.Manager + wal.WAL: 重啟後恢復任務表，事件日誌隨快照輪替
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 定時 tick 或被喚醒時，補滿空閒的執行名額
//   2. Result Loop - 接收 Worker 結果，釋放執行名額並再次喚醒 dispatcher
//   3. Snapshot Loop - 定期寫入快照（未設定路徑時不啟動）
//
// 並發安全:
//   - c.mu 保護 queue、active、batches 與 stopped
//   - c.mu 從不跨越 pipeline 執行或 I/O
//   - JobManager 有自己的 RWMutex
//
// 取消語意:
//   - pending: 從佇列移除，狀態改為 cancelled
//   - processing: 狀態改為 cancelled，並以 ErrCancelled 取消任務 context，
//     executor 在下一個階段邊界退出並丟棄輸出
//   - 終結狀態: 回傳 false
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/export-queue/internal/content"
	"github.com/ChuLiYu/export-queue/internal/convert"
	"github.com/ChuLiYu/export-queue/internal/estimator"
	"github.com/ChuLiYu/export-queue/internal/events"
	"github.com/ChuLiYu/export-queue/internal/jobmanager"
	"github.com/ChuLiYu/export-queue/internal/metrics"
	"github.com/ChuLiYu/export-queue/internal/output"
	"github.com/ChuLiYu/export-queue/internal/pipeline"
	"github.com/ChuLiYu/export-queue/internal/qa"
	"github.com/ChuLiYu/export-queue/internal/scheduler"
	"github.com/ChuLiYu/export-queue/internal/snapshot"
	"github.com/ChuLiYu/export-queue/internal/stats"
	"github.com/ChuLiYu/export-queue/internal/storage/blob"
	"github.com/ChuLiYu/export-queue/internal/storage/wal"
	"github.com/ChuLiYu/export-queue/internal/worker"
	"github.com/ChuLiYu/export-queue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrOverloaded 佇列已達 MaxQueueDepth，拒絕新任務
	ErrOverloaded = errors.New("export queue overloaded")
	// ErrNotStarted 尚未呼叫 Start
	ErrNotStarted = errors.New("controller not started")
	// ErrBatchNotFound 批次不存在
	ErrBatchNotFound = errors.New("batch not found")

	// 以下與 pipeline 共用，作為任務 context 的取消原因
	ErrCancelled        = pipeline.ErrCancelled
	ErrDeadlineExceeded = pipeline.ErrDeadlineExceeded
	ErrStopped          = pipeline.ErrStopped
)

// 重啟後無法繼續的任務使用的錯誤訊息
const (
	msgInterrupted      = "interrupted: service restarted while processing"
	msgPasswordNotSaved = "password not recoverable after restart"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	MaxConcurrentJobs int           // 同時執行的任務上限（= Worker 數量）
	MaxQueueDepth     int           // pending 任務上限，0 表示不限制
	TickInterval      time.Duration // dispatcher 定時掃描間隔
	DeadlineFactor    float64       // 截止時間 = 預估處理時間 × DeadlineFactor
	MinDeadline       time.Duration // 截止時間下限
	ShutdownGrace     time.Duration // Stop 時等待執行中任務自然結束的時間
	SnapshotPath      string        // 快照檔案路徑，空字串表示不做快照
	SnapshotInterval  time.Duration // 快照間隔
	SnapshotBackups   int           // 保留的舊快照份數
	EventHistory      int           // events.Bus 保留的事件數
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 5,
		TickInterval:      time.Second,
		DeadlineFactor:    3,
		MinDeadline:       30 * time.Second,
		ShutdownGrace:     5 * time.Second,
		SnapshotInterval:  30 * time.Second,
		SnapshotBackups:   3,
		EventHistory:      1000,
	}
}

// Deps 外部協作者。Content 與 Blobs 為必要，其餘為 nil 時使用預設實作。
type Deps struct {
	Content    content.Source
	Blobs      blob.Store
	Converters *convert.Registry
	Output     *output.Applier
	QA         *qa.Runner
	Estimator  *estimator.Estimator
	Bus        *events.Bus
	Metrics    *metrics.Collector
	Journal    *wal.WAL // 事件日誌，快照後輪替
}

// JobRequest 建立單一匯出任務的請求
type JobRequest struct {
	OwnerID    string          `json:"owner_id"`
	ProjectID  string          `json:"project_id"`
	ContentIDs []string        `json:"content_ids"`
	Format     types.Format    `json:"format"`
	Template   *types.Template `json:"template,omitempty"`
	Options    types.Options   `json:"options"`
	Priority   types.Priority  `json:"priority,omitempty"`
	Metadata   types.Metadata  `json:"metadata"`
}

// QueueStatus 佇列狀態
type QueueStatus struct {
	PendingCount    int           `json:"pending_count"`
	ProcessingCount int           `json:"processing_count"`
	MaxConcurrent   int           `json:"max_concurrent"`
	EstimatedWait   time.Duration `json:"estimated_wait"`
}

// activeJob 執行中任務的取消控制
type activeJob struct {
	cancel  context.CancelCauseFunc
	release context.CancelFunc
}

// Controller 核心控制器
type Controller struct {
	mu      sync.Mutex                    // 保護 queue / active / batches / 狀態旗標
	queue   *scheduler.Queue              // pending 任務 ID
	active  map[types.JobID]activeJob     // 執行中任務
	batches map[string]*types.Batch       // 批次記錄

	jobs      *jobmanager.JobManager
	stats     *stats.Aggregator
	estimator estimator.Estimator
	bus       *events.Bus
	exec      *pipeline.Executor
	pool      *worker.Pool
	catalog   content.Catalog
	blobs     blob.Store
	snapshot  *snapshot.Manager
	journal   *wal.WAL
	metrics   *metrics.Collector
	config    Config

	wakeCh    chan struct{} // 喚醒 dispatcher（容量 1）
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Content == nil {
		return nil, errors.New("controller: content source is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("controller: blob store is required")
	}
	def := DefaultConfig()
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.DeadlineFactor <= 0 {
		config.DeadlineFactor = def.DeadlineFactor
	}
	if config.MinDeadline <= 0 {
		config.MinDeadline = def.MinDeadline
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = def.SnapshotInterval
	}

	if deps.Converters == nil {
		deps.Converters = convert.NewRegistry()
	}
	if deps.Output == nil {
		deps.Output = output.NewApplier()
	}
	if deps.QA == nil {
		deps.QA = qa.NewRunner()
	}
	est := estimator.Default()
	if deps.Estimator != nil {
		est = *deps.Estimator
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(config.EventHistory)
	}

	c := &Controller{
		queue:     scheduler.New(),
		active:    make(map[types.JobID]activeJob),
		batches:   make(map[string]*types.Batch),
		jobs:      jobmanager.NewJobManager(),
		stats:     stats.New(),
		estimator: est,
		bus:       deps.Bus,
		catalog:   deps.Content,
		blobs:     deps.Blobs,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		config:    config,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		now:       time.Now,
		newID:     newBatchID,
	}
	if config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}

	c.exec = &pipeline.Executor{
		Jobs:       c.jobs,
		Content:    deps.Content,
		QA:         deps.QA,
		Converters: deps.Converters,
		Output:     deps.Output,
		Blobs:      deps.Blobs,
		Stats:      c.stats,
		Bus:        c.bus,
	}
	if deps.Metrics != nil {
		c.exec.Metrics = deps.Metrics
	}
	c.pool = worker.NewPool(config.MaxConcurrentJobs, c.exec.Execute)

	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：載入快照並重建佇列
//  2. 啟動 Worker Pool 和核心循環
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = c.now()
	c.mu.Unlock()

	if c.snapshot != nil {
		if err := c.loadSnapshot(); err != nil {
			return fmt.Errorf("loadSnapshot failed: %w", err)
		}
	}

	if err := c.pool.Start(c.config.MaxConcurrentJobs); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(2)
	go c.dispatchLoop()
	go c.resultLoop()
	if c.snapshot != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.wake()
	log.Info("Controller started",
		"max_concurrent", c.config.MaxConcurrentJobs,
		"max_queue_depth", c.config.MaxQueueDepth,
		"snapshot", c.config.SnapshotPath)
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 標記 stopped，拒絕新任務，停止 dispatcher
//  2. 最多等待 ShutdownGrace 讓執行中任務自然結束
//  3. 以 ErrStopped 取消仍在執行的任務，停止 Worker Pool
//  4. 尚未被 Worker 取走的任務標記為失敗
//  5. 寫入最後一次快照
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)

	c.waitForActive(c.config.ShutdownGrace)

	c.mu.Lock()
	for id, a := range c.active {
		log.Info("interrupting running job", "job_id", id)
		a.cancel(ErrStopped)
	}
	c.mu.Unlock()

	c.pool.Stop()
	c.loopWg.Wait()

	for _, task := range c.pool.Pending() {
		c.interrupt(task.ID, ErrStopped.Error())
	}
	c.mu.Lock()
	for id, a := range c.active {
		a.release()
		delete(c.active, id)
	}
	c.mu.Unlock()

	if c.snapshot != nil {
		if err := c.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}

	log.Info("Controller stopped", "uptime", time.Since(c.startTime))
}

// waitForActive 等待執行中任務結束，最多等待 grace
func (c *Controller) waitForActive(grace time.Duration) {
	if grace <= 0 {
		return
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		n := len(c.active)
		c.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline.C:
			log.Warn("shutdown grace elapsed with jobs still running", "running", n)
			return
		case <-ticker.C:
		}
	}
}

// interrupt 將未執行完的任務標記為失敗
func (c *Controller) interrupt(id types.JobID, msg string) {
	job, err := c.jobs.Fail(id, msg, c.now())
	if err != nil {
		return
	}
	c.stats.RecordFailed()
	c.metrics.RecordFailed()
	c.bus.Publish(events.Event{
		Type:     events.JobFailed,
		JobID:    id,
		OwnerID:  job.OwnerID,
		BatchID:  job.BatchID,
		Status:   types.StatusFailed,
		Progress: job.Progress,
		Message:  msg,
	})
}

// ============================================================================
// 核心循環
// ============================================================================

// wake 非阻塞地喚醒 dispatcher
func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// dispatchLoop 定時或被喚醒時派發任務
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-ticker.C:
			c.dispatch()
		case <-c.wakeCh:
			c.dispatch()
		}
	}
}

// dispatch 在名額允許時持續取出任務並提交給 Worker Pool
func (c *Controller) dispatch() {
	for {
		task, job, ok := c.next()
		if !ok {
			c.updateGauges()
			return
		}

		c.metrics.RecordDispatch()
		c.bus.Publish(events.Event{
			Type:    events.JobStarted,
			JobID:   job.ID,
			OwnerID: job.OwnerID,
			BatchID: job.BatchID,
			Status:  types.StatusProcessing,
		})
		log.Debug("job dispatched", "job_id", job.ID, "priority", job.Priority, "deadline", job.Deadline)

		if err := c.pool.Submit(task); err != nil {
			log.Warn("Failed to submit task", "job_id", job.ID, "error", err)
			c.releaseSlot(job.ID)
			c.interrupt(job.ID, ErrStopped.Error())
			return
		}
	}
}

// next 取出下一個可執行任務並標記為 processing
//
// 被取消的任務可能仍殘留在佇列中（建立與入列之間被取消），直接略過。
func (c *Controller) next() (worker.Task, *types.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.stopped || len(c.active) >= c.config.MaxConcurrentJobs {
			return worker.Task{}, nil, false
		}
		id, ok := c.queue.Dequeue()
		if !ok {
			return worker.Task{}, nil, false
		}
		pending, err := c.jobs.Get(id)
		if err != nil {
			continue
		}

		now := c.now()
		deadline := now.Add(c.deadlineFor(pending))
		job, err := c.jobs.MarkProcessing(id, now, deadline)
		if err != nil {
			log.Debug("skipping queued job", "job_id", id, "error", err)
			continue
		}

		ctx, cancel := context.WithCancelCause(context.Background())
		ctx, release := context.WithDeadlineCause(ctx, deadline, ErrDeadlineExceeded)
		c.active[id] = activeJob{cancel: cancel, release: release}
		return worker.Task{ID: id, Ctx: ctx}, job, true
	}
}

// deadlineFor 截止時間 = max(MinDeadline, 預估處理時間 × DeadlineFactor)
func (c *Controller) deadlineFor(job *types.Job) time.Duration {
	est := c.estimator.Estimate(len(job.ContentIDs), job.Format, job.Options)
	d := time.Duration(float64(est) * c.config.DeadlineFactor)
	if d < c.config.MinDeadline {
		d = c.config.MinDeadline
	}
	return d
}

// releaseSlot 釋放執行名額與 context 資源
func (c *Controller) releaseSlot(id types.JobID) {
	c.mu.Lock()
	a, ok := c.active[id]
	delete(c.active, id)
	c.mu.Unlock()

	if ok {
		a.release()
		a.cancel(nil)
	}
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			log.Info("Result loop stopped")
			return
		}
		c.handleResult(result)
	}
}

// handleResult 釋放名額並記錄 metrics；任務狀態已由 executor 寫入
func (c *Controller) handleResult(result worker.Result) {
	c.releaseSlot(result.JobID)

	if job, err := c.jobs.Get(result.JobID); err == nil {
		switch job.Status {
		case types.StatusCompleted:
			c.metrics.RecordCompleted(string(job.Format), job.ProcessingTime)
		case types.StatusFailed:
			c.metrics.RecordFailed()
		}
	}
	if errors.Is(result.Error, worker.ErrHandlerPanic) {
		c.interrupt(result.JobID, result.Error.Error())
	}

	log.Debug("job finished",
		"job_id", result.JobID,
		"worker", result.WorkerID,
		"success", result.Success,
		"duration", result.Duration)
	c.wake()
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// updateGauges 更新佇列相關的 metrics
func (c *Controller) updateGauges() {
	if c.metrics == nil {
		return
	}
	st := c.GetQueueStatus()
	c.metrics.UpdateQueueStats(st.PendingCount, st.ProcessingCount, st.EstimatedWait)
}

// ============================================================================
// 公開方法
// ============================================================================

// CreateExportJob 建立匯出任務並加入佇列
func (c *Controller) CreateExportJob(ctx context.Context, req JobRequest) (types.JobID, error) {
	job, err := c.createJob(ctx, jobmanager.JobSpec{
		OwnerID:    req.OwnerID,
		ProjectID:  req.ProjectID,
		ContentIDs: req.ContentIDs,
		Format:     req.Format,
		Template:   req.Template,
		Options:    req.Options,
		Priority:   req.Priority,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (c *Controller) createJob(ctx context.Context, spec jobmanager.JobSpec) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	if c.config.MaxQueueDepth > 0 && c.queue.Len() >= c.config.MaxQueueDepth {
		depth := c.queue.Len()
		c.mu.Unlock()
		c.metrics.RecordRejected()
		return nil, fmt.Errorf("%w: %d jobs pending", ErrOverloaded, depth)
	}
	pending, processing := c.queue.Len(), len(c.active)
	c.mu.Unlock()

	// 未帶 metadata 時由內容目錄補上書名與作者
	if spec.Metadata == (types.Metadata{}) {
		meta, err := c.catalog.Metadata(ctx, spec.ProjectID)
		if err != nil {
			log.Warn("project metadata unavailable", "project", spec.ProjectID, "error", err)
		} else {
			spec.Metadata = meta
		}
	}

	processTime := c.estimator.Estimate(len(spec.ContentIDs), spec.Format, spec.Options)
	avg := c.stats.AverageProcessingTime()
	if avg <= 0 {
		avg = processTime
	}
	wait := estimator.QueueWait(pending, processing, c.config.MaxConcurrentJobs, avg)

	job, err := c.jobs.Create(spec, wait+processTime)
	if err != nil {
		return nil, err
	}
	c.stats.RecordCreated(job.Format)
	c.metrics.RecordCreated(string(job.Format), string(job.Priority))
	c.bus.Publish(events.Event{
		Type:    events.JobCreated,
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		BatchID: job.BatchID,
		Status:  types.StatusPending,
	})

	// 建立事件先於入列，dispatcher 的 job-started 一定在其後
	// 入列前任務可能已被取消，只有仍為 pending 才入列
	c.mu.Lock()
	enqueued := false
	if cur, err := c.jobs.Get(job.ID); err == nil && cur.Status == types.StatusPending {
		c.queue.Enqueue(job.ID, job.Priority)
		enqueued = true
	}
	c.mu.Unlock()
	if !enqueued {
		log.Info("export job left the queue before enqueue", "job_id", job.ID)
		return job, nil
	}
	c.wake()

	log.Info("export job created",
		"job_id", job.ID,
		"owner", job.OwnerID,
		"format", job.Format,
		"priority", job.Priority,
		"estimate", wait+processTime)
	return job, nil
}

// GetJob 取得任務
func (c *Controller) GetJob(id types.JobID) (*types.Job, error) {
	return c.jobs.Get(id)
}

// GetUserJobs 列出某使用者的任務，最新的在前
func (c *Controller) GetUserJobs(ownerID string) []*types.Job {
	return c.jobs.ListByOwner(ownerID)
}

// QueuePosition 回傳 pending 任務在佇列中的位置（0 起算），不在佇列中回傳 -1
func (c *Controller) QueuePosition(id types.JobID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Position(id)
}

// CancelJob 取消任務
//
// 返回值：
//   - bool: 是否確實取消（終結狀態回傳 false）
//   - error: 任務不存在時回傳 ErrJobNotFound
func (c *Controller) CancelJob(id types.JobID) (bool, error) {
	c.mu.Lock()
	job, prev, err := c.jobs.Cancel(id, c.now())
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, jobmanager.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	switch prev {
	case types.StatusPending:
		c.queue.Remove(id)
	case types.StatusProcessing:
		if a, ok := c.active[id]; ok {
			a.cancel(ErrCancelled)
		}
	}
	c.mu.Unlock()

	c.stats.RecordCancelled()
	c.metrics.RecordCancelled()
	c.bus.Publish(events.Event{
		Type:     events.JobCancelled,
		JobID:    id,
		OwnerID:  job.OwnerID,
		BatchID:  job.BatchID,
		Status:   types.StatusCancelled,
		Progress: job.Progress,
		Message:  "cancelled while " + string(prev),
	})
	log.Info("export job cancelled", "job_id", id, "was", prev)
	c.wake()
	return true, nil
}

// DeleteJob 刪除任務記錄並釋放產出檔案
//
// 尚未結束的任務會先被取消。
func (c *Controller) DeleteJob(ctx context.Context, id types.JobID) (bool, error) {
	job, err := c.jobs.Get(id)
	if err != nil {
		return false, err
	}
	if !job.Status.IsTerminal() {
		if _, err := c.CancelJob(id); err != nil && !errors.Is(err, jobmanager.ErrJobNotFound) {
			return false, err
		}
	}

	err = c.jobs.Delete(id, func(j *types.Job) error {
		if j.OutputPath == "" {
			return nil
		}
		if err := c.blobs.Delete(ctx, j.OutputPath); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	c.bus.Publish(events.Event{
		Type:    events.JobDeleted,
		JobID:   id,
		OwnerID: job.OwnerID,
		BatchID: job.BatchID,
	})
	log.Info("export job deleted", "job_id", id)
	return true, nil
}

// GetStatistics 取得統計快照
func (c *Controller) GetStatistics() stats.Snapshot {
	return c.stats.Snapshot()
}

// GetQueueStatus 取得佇列狀態與新任務的預估等待時間
func (c *Controller) GetQueueStatus() QueueStatus {
	c.mu.Lock()
	pending, processing := c.queue.Len(), len(c.active)
	c.mu.Unlock()

	avg := c.stats.AverageProcessingTime()
	if avg <= 0 {
		avg = c.estimator.Base
	}
	return QueueStatus{
		PendingCount:    pending,
		ProcessingCount: processing,
		MaxConcurrent:   c.config.MaxConcurrentJobs,
		EstimatedWait:   estimator.QueueWait(pending, processing, c.config.MaxConcurrentJobs, avg),
	}
}

// Events 回傳事件匯流排，供通知層訂閱
func (c *Controller) Events() *events.Bus {
	return c.bus
}

// GetStatus 取得系統狀態（管理介面用）
func (c *Controller) GetStatus() map[string]interface{} {
	counts := c.jobs.Stats()
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	next, hasNext := c.queue.Peek()
	c.mu.Unlock()

	status := map[string]interface{}{
		"uptime":       uptime.String(),
		"workers":      c.config.MaxConcurrentJobs,
		"pool_workers": c.pool.GetWorkerCount(),
		"pool_started": c.pool.IsStarted(),
		"pending":      counts[types.StatusPending],
		"processing":   counts[types.StatusProcessing],
		"completed":    counts[types.StatusCompleted],
		"failed":       counts[types.StatusFailed],
		"cancelled":    counts[types.StatusCancelled],
	}
	if hasNext {
		status["next_job"] = string(next)
	}
	if c.snapshot != nil {
		status["snapshot_path"] = c.snapshot.GetPath()
	}
	if c.journal != nil {
		status["journal_path"] = c.journal.Path()
		status["journal_seq"] = c.journal.GetLastSeq()
	}
	return status
}

// Ready 回報 Controller 是否在接受任務
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// ============================================================================
// 快照與恢復
// ============================================================================

// takeSnapshot 寫入快照，並輪替事件日誌
func (c *Controller) takeSnapshot() error {
	start := time.Now()

	data := c.jobs.Snapshot()
	data.Stats = c.stats.State()
	c.mu.Lock()
	data.Batches = make(map[string]*types.Batch, len(c.batches))
	for id, b := range c.batches {
		cp := *b
		cp.JobIDs = append([]types.JobID(nil), b.JobIDs...)
		data.Batches[id] = &cp
	}
	c.mu.Unlock()

	var err error
	if c.config.SnapshotBackups > 0 {
		err = c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups)
	} else {
		err = c.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if c.journal != nil {
		if _, err := c.journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"batches", len(data.Batches))
	return nil
}

// loadSnapshot 從快照恢復狀態
//
//   - pending 任務依建立序號重新入列
//   - processing 任務無法續跑，標記為失敗
//   - 設定了密碼的 pending 任務，密碼不會寫入快照，同樣標記為失敗
func (c *Controller) loadSnapshot() error {
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return err
	}
	if err := c.jobs.Restore(data); err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	c.stats.Restore(data.Stats)

	var pending []*types.Job
	interrupted := 0
	for _, job := range data.Jobs {
		switch {
		case job.Status == types.StatusProcessing:
			c.interrupt(job.ID, msgInterrupted)
			interrupted++
		case job.Status == types.StatusPending && job.Options.Output.Protected && job.Options.Output.Password == "":
			c.interrupt(job.ID, msgPasswordNotSaved)
			interrupted++
		case job.Status == types.StatusPending:
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	c.mu.Lock()
	for _, job := range pending {
		c.queue.Enqueue(job.ID, job.Priority)
	}
	for id, b := range data.Batches {
		c.batches[id] = b
	}
	c.mu.Unlock()

	recovery := time.Since(start)
	c.metrics.SetRecoveryTime(recovery)
	log.Info("Snapshot loaded",
		"duration", recovery,
		"jobs", len(data.Jobs),
		"requeued", len(pending),
		"interrupted", interrupted)
	return nil
}

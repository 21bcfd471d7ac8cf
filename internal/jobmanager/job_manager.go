// ============================================================================
// 匯出任務記錄表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存所有匯出任務的記錄，提供 CRUD 與狀態轉換原語
//
// 設計理念:
//   jobs map 是單一真實來源 (Single Source of Truth)，佇列順序交給
//   internal/scheduler 管理，這裡只保存任務本體。
//   CRUD 操作只做存在性檢查；狀態機的合法性由轉換原語把關，
//   只有 dispatcher 與 pipeline executor 會呼叫這些原語。
//
// 任務狀態轉換 (State Machine):
//   Pending ──MarkProcessing()──> Processing ──Complete()──> Completed
//      │                              │ └────Fail()──────> Failed
//      │                              └──────Cancel()────> Cancelled
//      └──────────Cancel()/Fail()──────────────────────────> Cancelled/Failed
//
//   終結狀態（Completed/Failed/Cancelled）不可再轉換，違反時回傳
//   ErrInvalidTransition。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 jobs map
//   - 所有讀取方法回傳深拷貝，呼叫端無法繞過狀態機修改內部資料
//
// 快照支持:
//   - Snapshot() 序列化當前所有任務
//   - Restore() 從快照恢復任務表與建立序號
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 狀態轉換不合法（例如從終結狀態再轉換）
	ErrInvalidTransition = errors.New("invalid job status transition")
	// 建立任務時參數不合法
	ErrInvalidJob = errors.New("invalid job spec")
)

// JobSpec 建立任務所需的欄位
type JobSpec struct {
	OwnerID    string
	ProjectID  string
	ContentIDs []string
	Format     types.Format
	Template   *types.Template
	Options    types.Options
	Priority   types.Priority
	Metadata   types.Metadata
	BatchID    string
}

// Completion 成功完成時寫入的結果
type Completion struct {
	OutputPath string
	OutputSize int64
	At         time.Time
}

// JobManager 任務記錄表
type JobManager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job // 所有任務，透過 Status 欄位區分狀態
	seq  uint64                     // 最後發出的建立序號

	now   func() time.Time
	newID func() types.JobID
}

// NewJobManager 建立新的任務記錄表
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[types.JobID]*types.Job),
		now:   time.Now,
		newID: func() types.JobID { return types.JobID(uuid.NewString()) },
	}
}

// Create 建立新任務，狀態為 pending
//
// 參數說明：
//   - spec: 任務欄位
//   - estimate: 預估完成所需時間（排隊等待 + 處理），由 estimator 計算
//
// 返回值：
//   - *types.Job: 新任務的拷貝
//   - error: 參數不合法時回傳 ErrInvalidJob
func (jm *JobManager) Create(spec JobSpec, estimate time.Duration) (*types.Job, error) {
	if spec.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidJob)
	}
	if spec.Format == "" {
		return nil, fmt.Errorf("%w: format is required", ErrInvalidJob)
	}
	priority := spec.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidJob, priority)
	}

	options := spec.Options
	options.Output.Protected = options.Output.Password != ""

	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now()
	jm.seq++
	job := &types.Job{
		ID:                      jm.newID(),
		Seq:                     jm.seq,
		OwnerID:                 spec.OwnerID,
		ProjectID:               spec.ProjectID,
		ContentIDs:              append([]string(nil), spec.ContentIDs...),
		BatchID:                 spec.BatchID,
		Format:                  spec.Format,
		Options:                 options,
		Priority:                priority,
		Metadata:                spec.Metadata,
		Status:                  types.StatusPending,
		CreatedAt:               now,
		EstimatedCompletionTime: now.Add(estimate),
	}
	if spec.Template != nil {
		t := *spec.Template
		job.Template = &t
	}

	jm.jobs[job.ID] = job
	return job.Clone(), nil
}

// Get 取得任務拷貝
func (jm *JobManager) Get(id types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListByOwner 列出某個使用者的任務，最新的在前
func (jm *JobManager) ListByOwner(ownerID string) []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0)
	for _, job := range jm.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

// List 列出所有任務，最新的在前
func (jm *JobManager) List() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.Clone())
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].Seq > jobs[j].Seq
	})
}

// Delete 刪除任務記錄
//
// release 會在移除記錄前被呼叫，用來釋放產出檔案；release 失敗時
// 記錄保留並回傳錯誤。release 可為 nil。release 在鎖外執行，
// 其間其他任務的讀寫不受影響。
func (jm *JobManager) Delete(id types.JobID, release func(job *types.Job) error) error {
	jm.mu.RLock()
	job, ok := jm.jobs[id]
	var clone *types.Job
	if ok {
		clone = job.Clone()
	}
	jm.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}

	if release != nil {
		if err := release(clone); err != nil {
			return fmt.Errorf("release output of job %s: %w", id, err)
		}
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if _, ok := jm.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(jm.jobs, id)
	return nil
}

// ============================================================================
// 狀態轉換原語（僅供 dispatcher / executor 使用）
// ============================================================================

// MarkProcessing 將 pending 任務標記為執行中，記錄開始時間與截止時間
func (jm *JobManager) MarkProcessing(id types.JobID, startedAt, deadline time.Time) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, types.StatusProcessing)
	}

	job.Status = types.StatusProcessing
	job.StartedAt = &startedAt
	if !deadline.IsZero() {
		job.Deadline = &deadline
	}
	return job.Clone(), nil
}

// UpdateProgress 推進執行中任務的進度
//
// 進度只增不減：小於目前值的更新會被忽略（回傳 false）。
func (jm *JobManager) UpdateProgress(id types.JobID, progress int, stage string) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != types.StatusProcessing {
		return false, fmt.Errorf("%w: progress update on %s job", ErrInvalidTransition, job.Status)
	}
	if progress > 100 {
		progress = 100
	}
	if progress < job.Progress {
		return false, nil
	}
	changed := progress != job.Progress || stage != job.Stage
	job.Progress = progress
	job.Stage = stage
	return changed, nil
}

// SetValidation 寫入品質檢查結果（不論最終成功或失敗都會保留）
func (jm *JobManager) SetValidation(id types.JobID, results *types.ValidationResults) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusProcessing {
		return fmt.Errorf("%w: validation on %s job", ErrInvalidTransition, job.Status)
	}
	if results != nil {
		v := *results
		job.ValidationResults = &v
		job.QualityScore = v.QualityScore
	}
	return nil
}

// Complete 將執行中任務標記為完成
func (jm *JobManager) Complete(id types.JobID, c Completion) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusProcessing {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, types.StatusCompleted)
	}

	job.Status = types.StatusCompleted
	job.Progress = 100
	job.OutputPath = c.OutputPath
	job.OutputSize = c.OutputSize
	job.ErrorMessage = ""
	finish(job, c.At)
	if job.ValidationResults != nil {
		job.QualityScore = job.ValidationResults.QualityScore
	}
	return job.Clone(), nil
}

// Fail 將 pending 或執行中任務標記為失敗，進度停在最後的值
func (jm *JobManager) Fail(id types.JobID, message string, at time.Time) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, types.StatusFailed)
	}

	job.Status = types.StatusFailed
	job.ErrorMessage = message
	job.OutputPath = ""
	job.OutputSize = 0
	finish(job, at)
	return job.Clone(), nil
}

// Cancel 取消任務，回傳取消前的狀態
//
// pending 任務直接取消，不寫入終結時間戳；
// 執行中任務會記錄 CompletedAt 與 ProcessingTime。
func (jm *JobManager) Cancel(id types.JobID, at time.Time) (*types.Job, types.JobStatus, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, "", ErrJobNotFound
	}
	prev := job.Status
	if prev.IsTerminal() {
		return nil, prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, types.StatusCancelled)
	}

	job.Status = types.StatusCancelled
	if prev == types.StatusProcessing {
		finish(job, at)
	}
	return job.Clone(), prev, nil
}

// finish 寫入終結時間戳
func finish(job *types.Job, at time.Time) {
	job.CompletedAt = &at
	job.Deadline = nil
	if job.StartedAt != nil {
		job.ProcessingTime = at.Sub(*job.StartedAt)
	}
}

// Stats 取得各狀態任務數量
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusPending:    0,
		types.StatusProcessing: 0,
		types.StatusCompleted:  0,
		types.StatusFailed:     0,
		types.StatusCancelled:  0,
	}
	for _, job := range jm.jobs {
		stats[job.Status]++
	}
	return stats
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝所有任務
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobsCopy[id] = job.Clone()
	}

	return types.SnapshotData{
		Jobs:      jobsCopy,
		LastSeq:   jm.seq,
		SchemaVer: 1,
	}
}

// Restore 用快照內容取代目前的任務表
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.seq = data.LastSeq
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		jm.jobs[id] = job.Clone()
		if job.Seq > jm.seq {
			jm.seq = job.Seq
		}
	}
	return nil
}

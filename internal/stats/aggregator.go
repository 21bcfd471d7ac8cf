// ============================================================================
// 統計彙總 - 匯出任務的累計計數與移動平均
// ============================================================================
//
// Package: internal/stats
// 文件: aggregator.go
// 功能: 維護任務總數、完成/失敗/取消數、平均處理時間、平均品質分數、
//       以及格式使用頻率表
//
// 平均值更新:
//   採用增量公式，避免累加總和後再除：
//
//     newAvg = oldAvg + (value - oldAvg) / newCount
//
//   例: 處理時間 [100ms, 200ms, 300ms] → 100, 150, 200
//
// 格式頻率:
//   每次建立任務時計數 +1，輸出時依次數遞減排序（次數相同依名稱遞增）。
//
// ============================================================================

package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// FormatCount 單一格式的使用次數
type FormatCount struct {
	Format types.Format `json:"format"`
	Count  int          `json:"count"`
}

// Snapshot 對外的統計視圖
type Snapshot struct {
	TotalJobs             int           `json:"total_jobs"`
	CompletedJobs         int           `json:"completed_jobs"`
	FailedJobs            int           `json:"failed_jobs"`
	CancelledJobs         int           `json:"cancelled_jobs"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	AverageQualityScore   float64       `json:"average_quality_score"`
	PopularFormats        []FormatCount `json:"popular_formats"`
}

// Aggregator 統計彙總器（並發安全）
type Aggregator struct {
	mu sync.RWMutex

	total     int
	completed int
	failed    int
	cancelled int

	avgProcessingMs float64
	avgQuality      float64
	qualitySamples  int

	formats map[types.Format]int
}

// New 建立空的彙總器
func New() *Aggregator {
	return &Aggregator{
		formats: make(map[types.Format]int),
	}
}

// RecordCreated 記錄一個新建立的任務
func (a *Aggregator) RecordCreated(format types.Format) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.formats[format]++
}

// RecordCompleted 記錄一個完成的任務，更新兩個移動平均
func (a *Aggregator) RecordCompleted(processingTime time.Duration, qualityScore int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completed++
	ms := float64(processingTime) / float64(time.Millisecond)
	a.avgProcessingMs += (ms - a.avgProcessingMs) / float64(a.completed)

	a.qualitySamples++
	a.avgQuality += (float64(qualityScore) - a.avgQuality) / float64(a.qualitySamples)
}

// RecordFailed 記錄一個失敗的任務
func (a *Aggregator) RecordFailed() {
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
}

// RecordCancelled 記錄一個被取消的任務
func (a *Aggregator) RecordCancelled() {
	a.mu.Lock()
	a.cancelled++
	a.mu.Unlock()
}

// AverageProcessingTime 目前的平均處理時間，尚無完成任務時回傳 0
func (a *Aggregator) AverageProcessingTime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return msToDuration(a.avgProcessingMs)
}

// Snapshot 回傳目前統計的副本
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Snapshot{
		TotalJobs:             a.total,
		CompletedJobs:         a.completed,
		FailedJobs:            a.failed,
		CancelledJobs:         a.cancelled,
		AverageProcessingTime: msToDuration(a.avgProcessingMs),
		AverageQualityScore:   a.avgQuality,
		PopularFormats:        a.sortedFormats(),
	}
}

func (a *Aggregator) sortedFormats() []FormatCount {
	out := make([]FormatCount, 0, len(a.formats))
	for f, n := range a.formats {
		out = append(out, FormatCount{Format: f, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Format < out[j].Format
	})
	return out
}

// State 匯出可持久化狀態（寫入快照用）
func (a *Aggregator) State() *types.StatsState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	freq := make(map[string]int, len(a.formats))
	for f, n := range a.formats {
		freq[string(f)] = n
	}
	return &types.StatsState{
		Total:             a.total,
		Completed:         a.completed,
		Failed:            a.failed,
		Cancelled:         a.cancelled,
		AvgProcessingMs:   a.avgProcessingMs,
		AvgQualityScore:   a.avgQuality,
		QualitySamples:    a.qualitySamples,
		FormatFrequencies: freq,
	}
}

// Restore 從快照狀態恢復，nil 表示不做任何事
func (a *Aggregator) Restore(s *types.StatsState) {
	if s == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total = s.Total
	a.completed = s.Completed
	a.failed = s.Failed
	a.cancelled = s.Cancelled
	a.avgProcessingMs = s.AvgProcessingMs
	a.avgQuality = s.AvgQualityScore
	a.qualitySamples = s.QualitySamples
	a.formats = make(map[types.Format]int, len(s.FormatFrequencies))
	for f, n := range s.FormatFrequencies {
		a.formats[types.Format(f)] = n
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

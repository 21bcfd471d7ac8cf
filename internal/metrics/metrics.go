// ============================================================================
// Export Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露匯出佇列的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - exportq_jobs_created_total{format,priority}: 建立的任務數
//      - exportq_jobs_rejected_total: 因佇列滿載被拒絕的請求數
//      - exportq_jobs_dispatched_total: 已分派給 worker 的任務數
//      - exportq_jobs_completed_total{format}: 完成的任務數
//      - exportq_jobs_failed_total: 失敗的任務數
//      - exportq_jobs_cancelled_total: 取消的任務數
//      - exportq_stage_errors_total{stage}: 各階段錯誤數
//
//   2. 性能指標 (Histogram)：
//      - exportq_job_duration_seconds{format}: 任務處理時間分佈
//      - exportq_stage_duration_seconds{stage}: pipeline 各階段耗時
//
//   3. 狀態指標 (Gauge)：
//      - exportq_jobs_pending / exportq_jobs_processing: 佇列深度與執行中數量
//      - exportq_queue_wait_seconds: 目前預估的排隊等待時間
//      - exportq_recovery_time_seconds: 最近一次從快照恢復的耗時
//
// Prometheus 查詢示例:
//
//   # 95 分位轉換階段耗時
//   histogram_quantile(0.95, rate(exportq_stage_duration_seconds_bucket{stage="convert"}[5m]))
//
//   # 失敗率
//   rate(exportq_jobs_failed_total[5m]) / rate(exportq_jobs_dispatched_total[5m])
//
// 所有方法都允許 nil receiver，未啟用 metrics 時呼叫端不需判斷。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exportq"

// 匯出任務從數百毫秒到數分鐘不等
var jobBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsCreated    *prometheus.CounterVec
	jobsRejected   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter

	// 效能指標
	jobDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	recoveryTime  prometheus.Gauge

	// 狀態指標
	jobsPending    prometheus.Gauge
	jobsProcessing prometheus.Gauge
	queueWait      prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of export jobs created",
		}, []string{"format", "priority"}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of export requests rejected because the queue was full",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs dispatched to workers",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}, []string{"format"}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled by callers",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Processing time of completed jobs in seconds",
			Buckets:   jobBuckets,
		}, []string{"format"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage errors, cancellations included",
		}, []string{"stage"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state from the last snapshot in seconds",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_processing",
			Help:      "Current number of processing jobs",
		}),
		queueWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Estimated wait for a newly created job in seconds",
		}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.jobsRejected,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobDuration,
		c.stageDuration,
		c.stageErrors,
		c.recoveryTime,
		c.jobsPending,
		c.jobsProcessing,
		c.queueWait,
	)
	return c
}

// RecordCreated 記錄任務建立
func (c *Collector) RecordCreated(format, priority string) {
	if c == nil {
		return
	}
	c.jobsCreated.WithLabelValues(format, priority).Inc()
}

// RecordRejected 記錄因佇列滿載被拒絕的請求
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.jobsRejected.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成與處理時間
func (c *Collector) RecordCompleted(format string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(format).Inc()
	c.jobDuration.WithLabelValues(format).Observe(d.Seconds())
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordCancelled 記錄任務取消
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// ObserveStage 記錄 pipeline 階段耗時（實作 pipeline.StageObserver）
func (c *Collector) ObserveStage(stage string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		c.stageErrors.WithLabelValues(stage).Inc()
	}
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, processing int, wait time.Duration) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsProcessing.Set(float64(processing))
	c.queueWait.Set(wait.Seconds())
}

// Handler 回傳 /metrics 的 HTTP handler；g 為 nil 時使用預設 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

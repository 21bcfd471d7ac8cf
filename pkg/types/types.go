// Package types 定義了匯出佇列系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "pending"    // 待處理：已建立並在佇列中等待
	StatusProcessing JobStatus = "processing" // 執行中：佔用一個 worker 名額
	StatusCompleted  JobStatus = "completed"  // 完成：產出檔案已保存
	StatusFailed     JobStatus = "failed"     // 失敗：某個階段出錯或逾時
	StatusCancelled  JobStatus = "cancelled"  // 已取消：由呼叫端取消
)

// IsTerminal 回報狀態是否為終結狀態（之後不可再轉換）
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority 任務優先級，建立後不可修改
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank 回傳優先級排名，數字越小越先出列
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid 檢查優先級是否為已知值
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Format 匯出格式
type Format string

const (
	FormatPDF        Format = "pdf"        // 長篇稿件 PDF（交給外部渲染器的排版計畫）
	FormatKDPPDF     Format = "kdp-pdf"    // 零售平台內頁 PDF（印刷規格）
	FormatEPUB       Format = "epub"       // 電子書封裝
	FormatScreenplay Format = "screenplay" // Final Draft XML 劇本
	FormatHTML       Format = "html"
	FormatMarkdown   Format = "markdown"
	FormatText       Format = "txt"
)

// Extension 回傳格式對應的副檔名，未知格式回退為 txt
func (f Format) Extension() string {
	switch f {
	case FormatPDF, FormatKDPPDF:
		return "pdf"
	case FormatEPUB:
		return "epub"
	case FormatScreenplay:
		return "fdx"
	case FormatHTML:
		return "html"
	case FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

// QualityTier 輸出品質等級
type QualityTier string

const (
	QualityDraft    QualityTier = "draft"
	QualityStandard QualityTier = "standard"
	QualityHigh     QualityTier = "high"
	QualityPrint    QualityTier = "print"
)

// Checks 各項品質檢查的開關，每項可獨立啟用
type Checks struct {
	Spell         bool `json:"spell" yaml:"spell"`
	Grammar       bool `json:"grammar" yaml:"grammar"`
	Format        bool `json:"format" yaml:"format"`
	Links         bool `json:"links" yaml:"links"`
	Images        bool `json:"images" yaml:"images"`
	Accessibility bool `json:"accessibility" yaml:"accessibility"`
	Plagiarism    bool `json:"plagiarism" yaml:"plagiarism"`
}

// OutputSettings 輸出後處理設定，未設定的項目不做任何事
type OutputSettings struct {
	CompressionLevel int    `json:"compression_level,omitempty" yaml:"compression_level"` // 0 表示不壓縮，1-9 為 gzip 等級
	Watermark        string `json:"watermark,omitempty" yaml:"watermark"`
	Password         string `json:"-" yaml:"password"` // 不序列化，避免寫入快照或事件
	Protected        bool   `json:"protected,omitempty" yaml:"-"` // 建立時是否帶密碼，恢復後用來判斷密碼是否遺失
}

// Options 任務的結構化設定
type Options struct {
	Quality QualityTier    `json:"quality,omitempty" yaml:"quality"`
	Checks  Checks         `json:"checks" yaml:"checks"`
	Output  OutputSettings `json:"output" yaml:"output"`
}

// Template 排版樣板（可選）
type Template struct {
	ID           string  `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	TrimSize     string  `json:"trim_size,omitempty" yaml:"trim_size"` // 例如 "6x9"、"letter"
	FontFamily   string  `json:"font_family,omitempty" yaml:"font_family"`
	FontSize     float64 `json:"font_size,omitempty" yaml:"font_size"`
	LineSpacing  float64 `json:"line_spacing,omitempty" yaml:"line_spacing"`
	MarginInches float64 `json:"margin_inches,omitempty" yaml:"margin_inches"`
	ChapterBreak bool    `json:"chapter_break" yaml:"chapter_break"`
}

// Metadata 建立任務時擷取的反正規化快照，之後不再重新計算
type Metadata struct {
	Title        string `json:"title" yaml:"title"`
	Author       string `json:"author" yaml:"author"`
	WordCount    int    `json:"word_count" yaml:"word_count"`
	PageCount    int    `json:"page_count" yaml:"page_count"`
	ChapterCount int    `json:"chapter_count" yaml:"chapter_count"`
	Language     string `json:"language" yaml:"language"`
}

// Severity 驗證問題的嚴重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidationIssue 單一品質檢查發現
type ValidationIssue struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Location    string   `json:"location,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	AutoFixable bool     `json:"auto_fixable"`
}

// ValidationResults 品質檢查彙總結果
type ValidationResults struct {
	IsValid      bool              `json:"is_valid"`
	QualityScore int               `json:"quality_score"`
	Issues       []ValidationIssue `json:"issues"`
	Warnings     []string          `json:"warnings"`
	Errors       []string          `json:"errors"`
	Suggestions  []string          `json:"suggestions"`
}

// HasCritical 是否包含 critical 等級的問題
func (v *ValidationResults) HasCritical() bool {
	if v == nil {
		return false
	}
	for _, issue := range v.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Job 匯出任務，代表一次匯出請求的完整生命週期
type Job struct {
	// 識別
	ID         JobID    `json:"id"`
	Seq        uint64   `json:"seq"` // 建立序號，恢復時用於保持 FIFO
	OwnerID    string   `json:"owner_id"`
	ProjectID  string   `json:"project_id"`
	ContentIDs []string `json:"content_ids"`
	BatchID    string   `json:"batch_id,omitempty"`

	// 請求內容
	Format   Format    `json:"format"`
	Template *Template `json:"template,omitempty"`
	Options  Options   `json:"options"`
	Priority Priority  `json:"priority"`
	Metadata Metadata  `json:"metadata"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Stage    string    `json:"stage,omitempty"`

	// 時間
	CreatedAt               time.Time     `json:"created_at"`
	StartedAt               *time.Time    `json:"started_at,omitempty"`
	CompletedAt             *time.Time    `json:"completed_at,omitempty"`
	ProcessingTime          time.Duration `json:"processing_time"`
	EstimatedCompletionTime time.Time     `json:"estimated_completion_time"`
	Deadline                *time.Time    `json:"deadline,omitempty"`

	// 結果
	OutputPath        string             `json:"output_path,omitempty"`
	OutputSize        int64              `json:"output_size,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	QualityScore      int                `json:"quality_score"`
	ValidationResults *ValidationResults `json:"validation_results,omitempty"`
}

// Clone 深拷貝任務，避免呼叫端持有內部指標
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ContentIDs = append([]string(nil), j.ContentIDs...)
	if j.Template != nil {
		t := *j.Template
		c.Template = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Deadline != nil {
		t := *j.Deadline
		c.Deadline = &t
	}
	if j.ValidationResults != nil {
		v := *j.ValidationResults
		v.Issues = append([]ValidationIssue(nil), j.ValidationResults.Issues...)
		v.Warnings = append([]string(nil), j.ValidationResults.Warnings...)
		v.Errors = append([]string(nil), j.ValidationResults.Errors...)
		v.Suggestions = append([]string(nil), j.ValidationResults.Suggestions...)
		c.ValidationResults = &v
	}
	return &c
}

// BatchRequest 多專案匯出請求
type BatchRequest struct {
	OwnerID    string    `json:"owner_id"`
	ProjectIDs []string  `json:"project_ids"`
	Format     Format    `json:"format"`
	Template   *Template `json:"template,omitempty"`
	Options    Options   `json:"options"`
	Priority   Priority  `json:"priority,omitempty"`
}

// Batch 由一次多專案請求產生的任務群組
type Batch struct {
	ID        string       `json:"id"`
	JobIDs    []JobID      `json:"job_ids"`
	Request   BatchRequest `json:"request"`
	CreatedAt time.Time    `json:"created_at"`
}

// SnapshotData 快照資料，用於重啟後恢復任務表
type SnapshotData struct {
	Jobs      map[JobID]*Job    `json:"jobs"`
	Batches   map[string]*Batch `json:"batches,omitempty"`
	Stats     *StatsState       `json:"stats,omitempty"`
	LastSeq   uint64            `json:"last_seq"`
	SchemaVer int               `json:"schema_ver"`
	SavedAt   time.Time         `json:"saved_at"`
}

// StatsState 統計模組可持久化的內部狀態
type StatsState struct {
	Total             int            `json:"total"`
	Completed         int            `json:"completed"`
	Failed            int            `json:"failed"`
	Cancelled         int            `json:"cancelled"`
	AvgProcessingMs   float64        `json:"avg_processing_ms"`
	AvgQualityScore   float64        `json:"avg_quality_score"`
	QualitySamples    int            `json:"quality_samples"`
	FormatFrequencies map[string]int `json:"format_frequencies"`
}

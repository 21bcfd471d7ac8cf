package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// Handler 執行單一任務；回傳的錯誤只用於回報，任務狀態由 handler 自行寫入
type Handler func(ctx context.Context, id types.JobID) error

// Task 代表要執行的任務
type Task struct {
	ID  types.JobID     // 任務唯一識別碼
	Ctx context.Context // 任務 context，攜帶取消原因與截止時間；nil 視為 Background
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	WorkerID int           // 執行的 Worker
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// ============================================================================
// 優先級佇列 - 待處理任務排程
// ============================================================================
//
// Package: internal/scheduler
// 文件: queue.go
// 功能: 依優先級 + FIFO 保存待處理任務 ID（不保存任務本體）
//
// 排序規則:
//   urgent > high > normal > low，同一優先級內依加入順序（FIFO）。
//
// 資料結構:
//   四個 FIFO 子佇列，出列時依 urgent → low 輪詢第一個非空子佇列：
//
//   urgent: [u1 u2]
//   high:   [h1]
//   normal: [n1 n2 n3]        Dequeue 順序: u1 u2 h1 n1 n2 n3 l1
//   low:    [l1]
//
//   Enqueue / Dequeue 為 O(1)；Remove 需要在所屬子佇列內線性搜尋，
//   透過 index map 直接定位子佇列。
//
// 並發安全:
//   Queue 本身不加鎖，由 controller 的互斥鎖一併保護佇列與 active set。
//
// ============================================================================

package scheduler

import (
	"github.com/ChuLiYu/export-queue/pkg/types"
)

const levels = 4

// Queue 四層優先級佇列
type Queue struct {
	buckets [levels][]types.JobID
	index   map[types.JobID]int // job id → 所屬子佇列
}

// New 建立空佇列
func New() *Queue {
	return &Queue{
		index: make(map[types.JobID]int),
	}
}

// Enqueue 依優先級加入任務；重複加入同一 ID 會被忽略並回傳 false
func (q *Queue) Enqueue(id types.JobID, priority types.Priority) bool {
	if _, exists := q.index[id]; exists {
		return false
	}
	level := priority.Rank()
	q.buckets[level] = append(q.buckets[level], id)
	q.index[id] = level
	return true
}

// Dequeue 取出下一個任務
func (q *Queue) Dequeue() (types.JobID, bool) {
	for level := 0; level < levels; level++ {
		bucket := q.buckets[level]
		if len(bucket) == 0 {
			continue
		}
		id := bucket[0]
		bucket[0] = ""
		q.buckets[level] = bucket[1:]
		delete(q.index, id)
		return id, true
	}
	return "", false
}

// Peek 查看下一個任務但不取出
func (q *Queue) Peek() (types.JobID, bool) {
	for level := 0; level < levels; level++ {
		if len(q.buckets[level]) > 0 {
			return q.buckets[level][0], true
		}
	}
	return "", false
}

// Remove 從佇列任意位置移除任務（取消 pending 任務時使用）
func (q *Queue) Remove(id types.JobID) bool {
	level, ok := q.index[id]
	if !ok {
		return false
	}
	bucket := q.buckets[level]
	for i, queued := range bucket {
		if queued == id {
			q.buckets[level] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	delete(q.index, id)
	return true
}

// Contains 任務是否仍在佇列中
func (q *Queue) Contains(id types.JobID) bool {
	_, ok := q.index[id]
	return ok
}

// Len 佇列中的任務數
func (q *Queue) Len() int {
	return len(q.index)
}

// Position 回傳任務的出列位置（0 表示下一個），不在佇列中回傳 -1
func (q *Queue) Position(id types.JobID) int {
	level, ok := q.index[id]
	if !ok {
		return -1
	}
	pos := 0
	for l := 0; l < level; l++ {
		pos += len(q.buckets[l])
	}
	for i, queued := range q.buckets[level] {
		if queued == id {
			return pos + i
		}
	}
	return -1
}

// Snapshot 依出列順序回傳所有任務 ID
func (q *Queue) Snapshot() []types.JobID {
	out := make([]types.JobID, 0, q.Len())
	for level := 0; level < levels; level++ {
		out = append(out, q.buckets[level]...)
	}
	return out
}

package wal

// ============================================================================
// 日誌工具函式
// 職責：讀取最後一筆紀錄、統計、以人類可讀格式輸出
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var log = slog.Default()

var errStop = errors.New("stop")

// GetLastEvent 從日誌檔讀取最後一筆紀錄
//
// 從頭掃描到尾；日誌在每次快照後旋轉，檔案大小有限。
// 若檔案沒有任何紀錄回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算日誌中的紀錄數
func CountEvents(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// DumpWAL 以人類可讀格式輸出日誌內容
//
//	[Seq:1] job-created 3f2a... at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return ReplayFile(path, func(e Event) error {
		jobID := string(e.JobID)
		if jobID == "" {
			jobID = "-"
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, jobID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			e.Checksum)
		return err
	})
}

// WALStats 日誌統計資訊
type WALStats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
	TimeRange   [2]int64 // [最早, 最晚] unix ms
}

// GetWALStats 掃描日誌並彙總統計
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := ReplayFile(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		if e.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = e.Timestamp
		}
		if e.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = e.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// FirstN 回傳日誌中前 n 筆紀錄（n <= 0 表示全部）
func FirstN(path string, n int) ([]Event, error) {
	var out []Event
	err := ReplayFile(path, func(e Event) error {
		out = append(out, e)
		if n > 0 && len(out) >= n {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return out, err
}

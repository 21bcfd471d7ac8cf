package wal

// ============================================================================
// 事件日誌核心實作
// 職責：
// 1. 追加匯出生命週期事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能（exportq journal 指令、稽核）
// 3. 支援日誌旋轉（快照後封存舊檔並 gzip 壓縮）
// 4. 批次 flush，降低 fsync 次數
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// FileInterface 定義檔案操作所需的方法，測試時可替換
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 事件日誌實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	buffer        []Event // 尚未寫入檔案的紀錄
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	now           func() time.Time
}

// NewWAL 建立或開啟一個事件日誌
//
// 行為：
// - 檔案不存在時建立新檔，seq 從 0 開始
// - 檔案已存在時讀取最後一筆紀錄的 seq 並繼續編號
// - syncOnAppend 為 true 時每筆紀錄都立即寫入並 fsync
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			log.Warn("wal: could not read last record, numbering from 0", "path", path, "error", err)
		} else {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
		now:           time.Now,
	}, nil
}

// Append 追加一筆紀錄
//
// payload 以 JSON 序列化後存入紀錄；nil 表示沒有 payload。
// forceFlush 為 true 時立即寫入並 fsync（終結事件使用）。
func (w *WAL) Append(eventType EventType, jobID types.JobID, payload any, forceFlush bool) (uint64, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("wal: marshal payload: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: w.now().UnixMilli(),
		Payload:   raw,
	}
	event.Checksum = CalculateChecksum(event.Seq, event.Type, event.JobID, event.Payload)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize ||
		time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝區內的紀錄寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 從頭重放日誌
//
// 會先 flush 緩衝區，確保重放看得到所有已追加的紀錄。
// 解析失敗回傳 *CorruptionError，校驗失敗回傳 *ChecksumError。
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	path := w.path
	w.mu.Unlock()

	return ReplayFile(path, handler)
}

// ReplayFile 重放指定路徑的日誌檔，不需要開啟 WAL 實例
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer file.Close()

	return replayReader(file, handler)
}

func replayReader(r io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(text, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Rotate 封存目前的日誌並開新檔
//
// 舊檔改名為 <path>.<timestamp> 後壓縮成 .gz，序號延續不歸零，
// 讓事件 seq 在整個程序生命週期內保持唯一。
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + w.now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	archived := backupPath + ".gz"
	if err := compressWALFile(backupPath, archived); err != nil {
		log.Warn("wal: compress rotated journal failed, keeping plain copy", "path", backupPath, "error", err)
		return backupPath, nil
	}
	if err := os.Remove(backupPath); err != nil {
		log.Warn("wal: remove rotated journal failed", "path", backupPath, "error", err)
	}
	return archived, nil
}

// Close flush 後關閉日誌；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得目前的紀錄序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 日誌檔路徑
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 呼叫者需持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// compressWALFile 將封存的日誌壓縮成 gzip
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}

// ReplayArchive 重放一個 gzip 壓縮的封存日誌
func ReplayArchive(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("wal: gzip %s: %w", path, err)
	}
	defer gz.Close()

	return replayReader(gz, handler)
}

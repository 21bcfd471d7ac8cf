package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + JobID + Payload
// 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(seq uint64, eventType EventType, jobID types.JobID, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和，不一致時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Seq, event.Type, event.JobID, event.Payload)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}

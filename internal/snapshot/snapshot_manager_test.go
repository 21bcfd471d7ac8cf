package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證、備份與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData(lastSeq uint64) types.SnapshotData {
	return types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": {ID: "job-001", Seq: 1, OwnerID: "u1", Format: types.FormatEPUB, Status: types.StatusPending, Priority: types.PriorityHigh},
			"job-002": {ID: "job-002", Seq: 2, OwnerID: "u1", Format: types.FormatPDF, Status: types.StatusProcessing, Progress: 50, Stage: "convert"},
			"job-003": {ID: "job-003", Seq: 3, OwnerID: "u2", Format: types.FormatHTML, Status: types.StatusCompleted, OutputPath: "/out/job-003.html", QualityScore: 92},
		},
		Batches: map[string]*types.Batch{
			"batch-1": {ID: "batch-1", JobIDs: []types.JobID{"job-001", "job-002"}},
		},
		Stats: &types.StatsState{
			Total:             3,
			Completed:         1,
			AvgProcessingMs:   1500,
			AvgQualityScore:   92,
			QualitySamples:    1,
			FormatFrequencies: map[string]int{"epub": 1, "pdf": 1, "html": 1},
		},
		LastSeq: lastSeq,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state", "snapshot.json")
	manager := NewManager(snapshotPath)
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return fixed }

	original := sampleData(100)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.True(t, fixed.Equal(loaded.SavedAt))
	require.Len(t, loaded.Jobs, 3)
	for id, job := range original.Jobs {
		got := loaded.Jobs[id]
		require.NotNil(t, got, "job %s should exist", id)
		assert.Equal(t, job.Status, got.Status)
		assert.Equal(t, job.Seq, got.Seq)
		assert.Equal(t, job.Progress, got.Progress)
	}
	assert.Equal(t, []types.JobID{"job-001", "job-002"}, loaded.Batches["batch-1"].JobIDs)
	require.NotNil(t, loaded.Stats)
	assert.Equal(t, 1500.0, loaded.Stats.AvgProcessingMs)
	assert.Equal(t, 1, loaded.Stats.FormatFrequencies["epub"])
}

func TestPasswordsAreNotPersisted(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	data := sampleData(1)
	data.Jobs["job-001"].Options.Output = types.OutputSettings{Password: "hunter2", Protected: true}
	require.NoError(t, manager.Write(data))

	raw, err := os.ReadFile(manager.GetPath())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Jobs["job-001"].Options.Output.Protected)
	assert.Empty(t, loaded.Jobs["job-001"].Options.Output.Password)
}

// TestAtomicWrite 讀取端只會看到完整的舊快照或新快照
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(100)))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 首次啟動沒有快照時回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Zero(t, loaded.LastSeq)
	assert.NotNil(t, loaded.Jobs)
	assert.NotNil(t, loaded.Batches)
	assert.Nil(t, loaded.Stats)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	corrupted := `{"jobs": {"job-001": {"id": "job-001", "status": "pending"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	manager := NewManager(filepath.Join(readOnlyDir, "snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// ============================================================================
// 備份
// ============================================================================

func TestWriteWithBackupKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "snapshot.json"))
	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	manager.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 1; i <= 5; i++ {
		require.NoError(t, manager.WriteWithBackup(sampleData(uint64(i)), 2))
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.LastSeq)

	backups, err := manager.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	// 最新的備份是第 4 次寫入的內容
	raw, err := os.ReadFile(backups[1])
	require.NoError(t, err)
	var prev types.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &prev))
	assert.Equal(t, uint64(4), prev.LastSeq)
}

// ============================================================================
// 效能與並發
// ============================================================================

func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	large := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job), LastSeq: 1000}
	for i := 0; i < 1000; i++ {
		id := types.JobID(fmt.Sprintf("job-%04d", i))
		large.Jobs[id] = &types.Job{
			ID:         id,
			Seq:        uint64(i + 1),
			OwnerID:    fmt.Sprintf("user-%d", i%7),
			ContentIDs: []string{"c1", "c2", "c3"},
			Format:     types.FormatEPUB,
			Status:     types.StatusPending,
		}
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	writeDuration := time.Since(start)

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	loadDuration := time.Since(start)

	assert.Len(t, loaded.Jobs, 1000)
	assert.Less(t, writeDuration, time.Second)
	assert.Less(t, loadDuration, time.Second)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(uint64(index))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Jobs, 3)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := sampleData(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}

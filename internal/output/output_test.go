package output

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApplier() *Applier {
	a := NewApplier()
	a.ScryptN = 1 << 10
	a.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

var manuscript = []byte(strings.Repeat("It was the best of times. ", 200))

func TestNoSettingsIsNoOp(t *testing.T) {
	out, err := testApplier().Apply(context.Background(), "job-1", manuscript, types.OutputSettings{})
	require.NoError(t, err)
	assert.Equal(t, manuscript, out)
}

func TestCompression(t *testing.T) {
	a := testApplier()
	out, err := a.Apply(context.Background(), "job-1", manuscript, types.OutputSettings{CompressionLevel: 9})
	require.NoError(t, err)
	assert.Less(t, len(out), len(manuscript))

	plain, header, err := a.Unwrap(out, "")
	require.NoError(t, err)
	assert.Nil(t, header)
	assert.Equal(t, manuscript, plain)
}

func TestInvalidCompressionLevel(t *testing.T) {
	_, err := testApplier().Apply(context.Background(), "job-1", manuscript, types.OutputSettings{CompressionLevel: 12})
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestWatermark(t *testing.T) {
	a := testApplier()
	out, err := a.Apply(context.Background(), "job-1", manuscript, types.OutputSettings{Watermark: "ARC copy - not for sale"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, watermarkMagic))

	plain, header, err := a.Unwrap(out, "")
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, "ARC copy - not for sale", header.Watermark)
	assert.Equal(t, types.JobID("job-1"), header.JobID)
	assert.False(t, header.Compressed)
	assert.Equal(t, manuscript, plain)
}

func TestAllStepsRoundTrip(t *testing.T) {
	a := testApplier()
	settings := types.OutputSettings{CompressionLevel: 6, Watermark: "Draft", Password: "s3cret"}

	out, err := a.Apply(context.Background(), "job-9", manuscript, settings)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, protectedMagic))
	assert.NotContains(t, string(out), "Draft", "watermark is inside the encrypted payload")

	_, _, err = a.Unwrap(out, "")
	assert.ErrorIs(t, err, ErrPasswordRequired)
	_, _, err = a.Unwrap(out, "wrong")
	assert.ErrorIs(t, err, ErrWrongPassword)

	plain, header, err := a.Unwrap(out, "s3cret")
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.True(t, header.Compressed)
	assert.Equal(t, "Draft", header.Watermark)
	assert.Equal(t, manuscript, plain)
}

func TestProtectUsesFreshSalt(t *testing.T) {
	a := testApplier()
	s := types.OutputSettings{Password: "pw"}
	one, err := a.Apply(context.Background(), "j", []byte("same"), s)
	require.NoError(t, err)
	two, err := a.Apply(context.Background(), "j", []byte("same"), s)
	require.NoError(t, err)
	assert.NotEqual(t, one, two)
}

func TestApplyHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testApplier().Apply(ctx, "j", manuscript, types.OutputSettings{CompressionLevel: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

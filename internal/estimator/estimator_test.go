package estimator

import (
	"testing"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestEstimateBaseline(t *testing.T) {
	e := Default()

	// 5s + 4*0.5s = 7s, txt multiplier 0.5
	got := e.Estimate(4, types.FormatText, types.Options{})
	assert.Equal(t, 3500*time.Millisecond, got)
}

func TestEstimateHeavierFormatsCostMore(t *testing.T) {
	e := Default()
	opts := types.Options{}

	txt := e.Estimate(10, types.FormatText, opts)
	pdf := e.Estimate(10, types.FormatPDF, opts)
	kdp := e.Estimate(10, types.FormatKDPPDF, opts)
	unknown := e.Estimate(10, "rtf", opts)

	assert.Less(t, txt, pdf)
	assert.Less(t, pdf, kdp)
	assert.Equal(t, 10*time.Second, unknown, "unknown formats use multiplier 1")
}

func TestEstimateQAPenaltiesAccumulate(t *testing.T) {
	e := Default()

	none := e.Estimate(2, types.FormatMarkdown, types.Options{})
	spell := e.Estimate(2, types.FormatMarkdown, types.Options{Checks: types.Checks{Spell: true}})
	plagiarism := e.Estimate(2, types.FormatMarkdown, types.Options{Checks: types.Checks{Plagiarism: true}})
	all := e.Estimate(2, types.FormatMarkdown, types.Options{Checks: types.Checks{
		Spell: true, Grammar: true, Format: true, Links: true, Images: true, Accessibility: true, Plagiarism: true,
	}})

	assert.Less(t, none, spell)
	assert.Less(t, spell, plagiarism, "plagiarism carries the largest penalty")
	assert.InDelta(t, float64(none)*2.2, float64(all), float64(time.Millisecond))
}

func TestEstimateQualityTier(t *testing.T) {
	e := Default()
	draft := e.Estimate(3, types.FormatEPUB, types.Options{Quality: types.QualityDraft})
	print := e.Estimate(3, types.FormatEPUB, types.Options{Quality: types.QualityPrint})
	assert.Less(t, draft, print)
}

func TestQueueWait(t *testing.T) {
	avg := 10 * time.Second

	tests := []struct {
		name       string
		pending    int
		processing int
		max        int
		want       time.Duration
	}{
		{"Idle pool", 0, 0, 5, 0},
		{"Free slot available", 1, 3, 5, 0},
		{"All slots busy", 0, 5, 5, avg},
		{"One wave ahead", 5, 5, 5, 2 * avg},
		{"Partial free slots", 4, 3, 5, avg},
		{"Misconfigured pool", 3, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QueueWait(tt.pending, tt.processing, tt.max, avg))
		})
	}
}

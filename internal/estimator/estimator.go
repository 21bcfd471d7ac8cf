// Package estimator predicts how long an export job takes to process and how
// long a newly submitted job waits in the queue.
package estimator

import (
	"math"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// Estimator holds the cost model. The zero value is not usable; start from
// Default().
type Estimator struct {
	Base    time.Duration // fixed setup cost per job
	PerItem time.Duration // cost per resolved content item

	FormatMultipliers  map[types.Format]float64
	QualityMultipliers map[types.QualityTier]float64
	CheckPenalties     CheckPenalties
}

// CheckPenalties are additive QA multiplier penalties per enabled check.
type CheckPenalties struct {
	Spell         float64
	Grammar       float64
	Format        float64
	Links         float64
	Images        float64
	Accessibility float64
	Plagiarism    float64
}

// Default returns the production cost model.
func Default() Estimator {
	return Estimator{
		Base:    5 * time.Second,
		PerItem: 500 * time.Millisecond,
		FormatMultipliers: map[types.Format]float64{
			types.FormatPDF:        1.5,
			types.FormatKDPPDF:     2.0,
			types.FormatEPUB:       1.3,
			types.FormatScreenplay: 1.1,
			types.FormatHTML:       0.8,
			types.FormatMarkdown:   0.6,
			types.FormatText:       0.5,
		},
		QualityMultipliers: map[types.QualityTier]float64{
			types.QualityDraft:    0.8,
			types.QualityStandard: 1.0,
			types.QualityHigh:     1.3,
			types.QualityPrint:    1.6,
		},
		CheckPenalties: CheckPenalties{
			Spell:         0.10,
			Grammar:       0.20,
			Format:        0.05,
			Links:         0.10,
			Images:        0.15,
			Accessibility: 0.10,
			Plagiarism:    0.50,
		},
	}
}

// Estimate returns the expected processing duration of one job.
func (e Estimator) Estimate(contentCount int, format types.Format, opts types.Options) time.Duration {
	if contentCount < 0 {
		contentCount = 0
	}
	raw := float64(e.Base) + float64(contentCount)*float64(e.PerItem)
	scaled := raw * e.formatMultiplier(format) * e.qualityMultiplier(opts.Quality) * e.qaMultiplier(opts.Checks)
	return time.Duration(math.Round(scaled))
}

func (e Estimator) formatMultiplier(f types.Format) float64 {
	if m, ok := e.FormatMultipliers[f]; ok {
		return m
	}
	return 1.0
}

func (e Estimator) qualityMultiplier(q types.QualityTier) float64 {
	if m, ok := e.QualityMultipliers[q]; ok {
		return m
	}
	return 1.0
}

func (e Estimator) qaMultiplier(c types.Checks) float64 {
	m := 1.0
	p := e.CheckPenalties
	if c.Spell {
		m += p.Spell
	}
	if c.Grammar {
		m += p.Grammar
	}
	if c.Format {
		m += p.Format
	}
	if c.Links {
		m += p.Links
	}
	if c.Images {
		m += p.Images
	}
	if c.Accessibility {
		m += p.Accessibility
	}
	if c.Plagiarism {
		m += p.Plagiarism
	}
	return m
}

// QueueWait estimates how long a job submitted now waits before a worker
// slot frees up. pending jobs are ahead of it; processing jobs occupy slots.
// avg is the running average processing time; when no job has finished yet
// the caller passes a model estimate instead.
func QueueWait(pending, processing, maxConcurrent int, avg time.Duration) time.Duration {
	if maxConcurrent <= 0 || avg <= 0 {
		return 0
	}
	free := maxConcurrent - processing
	if free < 0 {
		free = 0
	}
	if pending < free {
		return 0
	}
	waves := (pending-free)/maxConcurrent + 1
	return time.Duration(waves) * avg
}

// Performance accounting for generation calls: raw per-call buffers plus
// lazily computed summary statistics.

package genai

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// MeanStdPair is a summary statistic over one raw metric buffer, in
// milliseconds for duration-valued metrics.
type MeanStdPair struct {
	Mean float64
	Std  float64
}

// RawPerfMetrics holds the unreduced samples behind PerfMetrics. Buffers are
// append-only; merging two metric sets concatenates them.
type RawPerfMetrics struct {
	GenerateDurations       []time.Duration
	TokenizationDurations   []time.Duration
	DetokenizationDurations []time.Duration

	// TimesToFirstToken has one sample per generate call.
	TimesToFirstToken []time.Duration
	// NewTokenTimes has one sample per generated token after the first,
	// measuring the inter-token gap.
	NewTokenTimes []time.Duration
	// BatchSizes records the scheduled batch width per step.
	BatchSizes []float64

	NumGeneratedTokens int
	NumInputTokens     int
}

// PerfMetrics exposes summary statistics over RawPerfMetrics. Statistics are
// computed on first access and cached; appending new samples invalidates
// only the affected statistic. The zero value is ready to use.
type PerfMetrics struct {
	Raw RawPerfMetrics

	LoadTime time.Duration

	ttft           MeanStdPair
	tpot           MeanStdPair
	throughput     MeanStdPair
	generate       MeanStdPair
	tokenization   MeanStdPair
	detokenization MeanStdPair

	ttftValid           bool
	tpotValid           bool
	throughputValid     bool
	generateValid       bool
	tokenizationValid   bool
	detokenizationValid bool
}

func durationsToMillis(ds []time.Duration) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = float64(d) / float64(time.Millisecond)
	}
	return out
}

func meanStd(samples []float64) MeanStdPair {
	if len(samples) == 0 {
		return MeanStdPair{}
	}
	mean := stat.Mean(samples, nil)
	if len(samples) == 1 {
		return MeanStdPair{Mean: mean}
	}
	return MeanStdPair{Mean: mean, Std: stat.StdDev(samples, nil)}
}

// RecordGenerate appends one generate-call duration.
func (p *PerfMetrics) RecordGenerate(d time.Duration) {
	p.Raw.GenerateDurations = append(p.Raw.GenerateDurations, d)
	p.generateValid = false
	p.throughputValid = false
}

// RecordTokenization appends one prompt-encode duration.
func (p *PerfMetrics) RecordTokenization(d time.Duration) {
	p.Raw.TokenizationDurations = append(p.Raw.TokenizationDurations, d)
	p.tokenizationValid = false
}

// RecordDetokenization appends one output-decode duration.
func (p *PerfMetrics) RecordDetokenization(d time.Duration) {
	p.Raw.DetokenizationDurations = append(p.Raw.DetokenizationDurations, d)
	p.detokenizationValid = false
}

// RecordFirstToken appends one time-to-first-token sample.
func (p *PerfMetrics) RecordFirstToken(d time.Duration) {
	p.Raw.TimesToFirstToken = append(p.Raw.TimesToFirstToken, d)
	p.ttftValid = false
}

// RecordNewToken appends one inter-token gap sample.
func (p *PerfMetrics) RecordNewToken(d time.Duration) {
	p.Raw.NewTokenTimes = append(p.Raw.NewTokenTimes, d)
	p.tpotValid = false
	p.throughputValid = false
}

// RecordBatchSize appends one step's scheduled batch width.
func (p *PerfMetrics) RecordBatchSize(n int) {
	p.Raw.BatchSizes = append(p.Raw.BatchSizes, float64(n))
}

// TTFT returns mean and standard deviation of time to first token, in
// milliseconds.
func (p *PerfMetrics) TTFT() MeanStdPair {
	if !p.ttftValid {
		p.ttft = meanStd(durationsToMillis(p.Raw.TimesToFirstToken))
		p.ttftValid = true
	}
	return p.ttft
}

// TPOT returns mean and standard deviation of time per output token, in
// milliseconds.
func (p *PerfMetrics) TPOT() MeanStdPair {
	if !p.tpotValid {
		p.tpot = meanStd(durationsToMillis(p.Raw.NewTokenTimes))
		p.tpotValid = true
	}
	return p.tpot
}

// Throughput returns mean and standard deviation of output tokens per
// second, derived from the inter-token gaps.
func (p *PerfMetrics) Throughput() MeanStdPair {
	if !p.throughputValid {
		gaps := durationsToMillis(p.Raw.NewTokenTimes)
		rates := make([]float64, 0, len(gaps))
		for _, g := range gaps {
			if g > 0 {
				rates = append(rates, 1000.0/g)
			}
		}
		p.throughput = meanStd(rates)
		p.throughputValid = true
	}
	return p.throughput
}

// GenerateDuration returns mean and standard deviation of whole generate
// calls, in milliseconds.
func (p *PerfMetrics) GenerateDuration() MeanStdPair {
	if !p.generateValid {
		p.generate = meanStd(durationsToMillis(p.Raw.GenerateDurations))
		p.generateValid = true
	}
	return p.generate
}

// TokenizationDuration returns mean and standard deviation of prompt
// encoding, in milliseconds.
func (p *PerfMetrics) TokenizationDuration() MeanStdPair {
	if !p.tokenizationValid {
		p.tokenization = meanStd(durationsToMillis(p.Raw.TokenizationDurations))
		p.tokenizationValid = true
	}
	return p.tokenization
}

// DetokenizationDuration returns mean and standard deviation of output
// decoding, in milliseconds.
func (p *PerfMetrics) DetokenizationDuration() MeanStdPair {
	if !p.detokenizationValid {
		p.detokenization = meanStd(durationsToMillis(p.Raw.DetokenizationDurations))
		p.detokenizationValid = true
	}
	return p.detokenization
}

// NumGeneratedTokens returns the total generated token count.
func (p *PerfMetrics) NumGeneratedTokens() int { return p.Raw.NumGeneratedTokens }

// NumInputTokens returns the total prompt token count.
func (p *PerfMetrics) NumInputTokens() int { return p.Raw.NumInputTokens }

// Add merges other into p by concatenating raw buffers. Cached statistics
// are discarded and recomputed lazily over the combined samples; means are
// never averaged pairwise. The load time of p wins, matching the convention
// that the left-hand pipeline is the surviving one.
func (p *PerfMetrics) Add(other *PerfMetrics) {
	p.Raw.GenerateDurations = append(p.Raw.GenerateDurations, other.Raw.GenerateDurations...)
	p.Raw.TokenizationDurations = append(p.Raw.TokenizationDurations, other.Raw.TokenizationDurations...)
	p.Raw.DetokenizationDurations = append(p.Raw.DetokenizationDurations, other.Raw.DetokenizationDurations...)
	p.Raw.TimesToFirstToken = append(p.Raw.TimesToFirstToken, other.Raw.TimesToFirstToken...)
	p.Raw.NewTokenTimes = append(p.Raw.NewTokenTimes, other.Raw.NewTokenTimes...)
	p.Raw.BatchSizes = append(p.Raw.BatchSizes, other.Raw.BatchSizes...)
	p.Raw.NumGeneratedTokens += other.Raw.NumGeneratedTokens
	p.Raw.NumInputTokens += other.Raw.NumInputTokens

	p.ttftValid = false
	p.tpotValid = false
	p.throughputValid = false
	p.generateValid = false
	p.tokenizationValid = false
	p.detokenizationValid = false
}

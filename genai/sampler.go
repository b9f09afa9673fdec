package genai

import (
	"math"
	"math/rand"
)

// sampler selects the next token for one sequence according to the request's
// resolved GenerationConfig. One sampler exists per sequence so that
// rng_seed gives reproducible multinomial draws; sequence i of a parallel
// sampling group derives its stream from rng_seed+i.
type sampler struct {
	cfg *GenerationConfig
	rng *rand.Rand
}

func newSampler(cfg *GenerationConfig, streamOffset int64) *sampler {
	return &sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.RNGSeed + streamOffset)),
	}
}

// SelectNext picks the next token from the logits for seq and returns the
// token with its log probability. Greedy decoding reports a zero logprob;
// scores stay zero-filled in that mode.
func (s *sampler) SelectNext(logits []float32, seq *Sequence) (int64, float64) {
	work := append([]float32(nil), logits...)
	s.applyPenalties(work, seq)
	s.suppressEOS(work, seq)
	if s.cfg.NoRepeatNgramSize > 0 {
		banRepeatedNgrams(work, seq, s.cfg.NoRepeatNgramSize)
	}

	if !s.cfg.DoSample {
		return int64(argmax(work)), 0
	}
	return s.sampleMultinomial(work)
}

// applyPenalties rewrites logits in place for repetition, presence and
// frequency penalties. Repetition spans prompt and generated tokens;
// presence and frequency count generated tokens only.
func (s *sampler) applyPenalties(logits []float32, seq *Sequence) {
	if s.cfg.RepetitionPenalty != 1.0 {
		penalty := float32(s.cfg.RepetitionPenalty)
		seen := make(map[int64]struct{}, seq.Len())
		for i := 0; i < seq.Len(); i++ {
			seen[seq.TokenAt(i)] = struct{}{}
		}
		for id := range seen {
			if id < 0 || id >= int64(len(logits)) {
				continue
			}
			if logits[id] > 0 {
				logits[id] /= penalty
			} else {
				logits[id] *= penalty
			}
		}
	}
	if s.cfg.PresencePenalty == 0 && s.cfg.FrequencyPenalty == 0 {
		return
	}
	counts := make(map[int64]int, len(seq.Generated))
	for _, id := range seq.Generated {
		counts[id]++
	}
	for id, n := range counts {
		if id < 0 || id >= int64(len(logits)) {
			continue
		}
		logits[id] -= float32(s.cfg.PresencePenalty)
		logits[id] -= float32(s.cfg.FrequencyPenalty) * float32(n)
	}
}

// suppressEOS zeroes the EOS probability while the sequence is inside the
// min_new_tokens window.
func (s *sampler) suppressEOS(logits []float32, seq *Sequence) {
	eos := s.cfg.EOSTokenID
	if eos < 0 || eos >= int64(len(logits)) {
		return
	}
	if len(seq.Generated) < s.cfg.MinNewTokens {
		logits[eos] = float32(math.Inf(-1))
	}
}

// banRepeatedNgrams forbids any token that would complete an n-gram already
// present in the sequence.
func banRepeatedNgrams(logits []float32, seq *Sequence, n int) {
	total := seq.Len()
	if total < n {
		return
	}
	// The current (n-1)-token suffix; any historical continuation of it is banned.
	suffixStart := total - (n - 1)
	for start := 0; start+n <= total; start++ {
		match := true
		for j := 0; j < n-1; j++ {
			if seq.TokenAt(start+j) != seq.TokenAt(suffixStart+j) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		banned := seq.TokenAt(start + n - 1)
		if banned >= 0 && banned < int64(len(logits)) {
			logits[banned] = float32(math.Inf(-1))
		}
	}
}

func (s *sampler) sampleMultinomial(logits []float32) (int64, float64) {
	invTemp := float32(1.0 / s.cfg.Temperature)
	k := s.cfg.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	topIdx, topVal := topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0, 0
	}

	// Softmax over the shortlist with max subtraction for stability.
	maxv := topVal[0]
	prob := make([]float64, len(topVal))
	var sum float64
	for i, v := range topVal {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return int64(topIdx[0]), 0
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if c >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return int64(topIdx[i]), math.Log(prob[i])
		}
	}
	return int64(topIdx[cut-1]), math.Log(prob[cut-1])
}

// argmax returns the index of the maximum value in the slice.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, ordered from largest to smallest. O(V*K) insertion,
// suitable for small K.
func topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	topIdx := make([]int, 0, k+1)
	topVal := make([]float32, 0, k+1)
	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	return topIdx, topVal
}

// tokenLogProb computes the log softmax probability of one token over the
// full logits vector. Used for beam scoring.
func tokenLogProb(logits []float32, token int64) float64 {
	if token < 0 || token >= int64(len(logits)) {
		return math.Inf(-1)
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	return float64(logits[token]-maxv) - math.Log(sum)
}

package genai

// Sequence is one candidate continuation of a Request. It owns a chain of KV
// cache block references (held by the allocator, keyed by the sequence id)
// and accumulates generated tokens and their cumulative log probability.
type Sequence struct {
	ID        uint64
	RequestID uint64

	// PromptTokens aliases the request's prompt; sequences never mutate it.
	PromptTokens []int64

	// Generated holds the tokens produced so far for this candidate.
	Generated []int64

	// CumLogProb is the sum of log probabilities of the generated tokens.
	// Stays zero under greedy decoding.
	CumLogProb float64

	// Group is the beam group index; always 0 outside grouped beam search.
	Group int

	// prefillPos counts prompt tokens whose KV state has been computed
	// (including prefix-cache hits). The sequence is in the prefill phase
	// while prefillPos < len(PromptTokens), then in decode.
	prefillPos int

	// pendingText buffers decoded output for stop-string matching. Lazily
	// created only when the config carries stop strings.
	pendingText string

	finished   bool
	finishBias float64 // length-penalty-adjusted score, set when finished
}

// Len returns the total token count, prompt plus generated.
func (s *Sequence) Len() int { return len(s.PromptTokens) + len(s.Generated) }

// Tokens materializes prompt+generated as one slice. The result is a copy of
// the concatenation; the prompt itself is never copied per call elsewhere.
func (s *Sequence) Tokens() []int64 {
	out := make([]int64, 0, s.Len())
	out = append(out, s.PromptTokens...)
	return append(out, s.Generated...)
}

// TokenAt returns the token at absolute position i without materializing the
// concatenation.
func (s *Sequence) TokenAt(i int) int64 {
	if i < len(s.PromptTokens) {
		return s.PromptTokens[i]
	}
	return s.Generated[i-len(s.PromptTokens)]
}

// InPrefill reports whether prompt tokens remain to be computed.
func (s *Sequence) InPrefill() bool { return s.prefillPos < len(s.PromptTokens) }

// RemainingPrompt returns how many prompt tokens still need computing.
func (s *Sequence) RemainingPrompt() int { return len(s.PromptTokens) - s.prefillPos }

// Finished reports whether this candidate has stopped producing tokens.
func (s *Sequence) Finished() bool { return s.finished }

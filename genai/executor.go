package genai

// BatchEntry is the scheduler's view of one sequence in the forward batch:
// which tokens to compute this step and where they sit in the sequence.
type BatchEntry struct {
	SequenceID uint64
	RequestID  uint64

	// Tokens are the token ids to run through the model this step: a prompt
	// slice during (possibly chunked) prefill, or the single last generated
	// token during decode.
	Tokens []int64

	// Position is the absolute offset of Tokens[0] within the sequence.
	Position int

	// BlockIDs is the sequence's KV block chain for address translation.
	BlockIDs []int
}

// ModelExecutor performs the forward pass for one assembled batch and
// returns next-token logits per entry, in entry order. The scheduler calls
// it exactly once per step and treats a failure as fatal for that step:
// the error propagates to the Step caller and is never retried internally.
//
// Parallelism, if any, lives inside the executor; the call is synchronous
// from the scheduler's point of view.
type ModelExecutor interface {
	Forward(batch []BatchEntry) ([][]float32, error)
}

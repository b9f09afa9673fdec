// Defines the Request struct that models one client-submitted generation
// unit, its lifecycle status, and the terminal GenerationResult record.

package genai

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrDuplicateRequestID is returned when a request id collides with a still
// active request.
var ErrDuplicateRequestID = errors.New("duplicate request id")

// nowFunc is swapped in tests that assert timing metrics.
var nowFunc = time.Now

// GenerationStatus is the lifecycle state of a request. The integer values
// are wire-stable.
type GenerationStatus int

const (
	// StatusRunning is the only non-terminal state.
	StatusRunning GenerationStatus = 0
	// StatusFinished marks normal completion.
	StatusFinished GenerationStatus = 1
	// StatusIgnored marks a request starved of KV memory. The scheduler keeps
	// serving other requests; this is backpressure, not a crash.
	StatusIgnored GenerationStatus = 2
	// StatusDroppedByPipeline is reserved for a pipeline-initiated abort API.
	// Nothing produces it today.
	StatusDroppedByPipeline GenerationStatus = 3
	// StatusDroppedByHandle marks a request whose handle was dropped by the
	// caller mid-generation.
	StatusDroppedByHandle GenerationStatus = 4
)

func (s GenerationStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	case StatusIgnored:
		return "IGNORED"
	case StatusDroppedByPipeline:
		return "DROPPED_BY_PIPELINE"
	case StatusDroppedByHandle:
		return "DROPPED_BY_HANDLE"
	}
	return fmt.Sprintf("GenerationStatus(%d)", int(s))
}

// Terminal reports whether s is a terminal state.
func (s GenerationStatus) Terminal() bool { return s != StatusRunning }

// Request is one client-submitted unit of work. The scheduler owns it
// exclusively once admitted; the client keeps only the id (and a handle it
// may drop).
type Request struct {
	ID           uint64
	Prompt       string // original text, empty for pre-tokenized input
	PromptTokens []int64
	Config       GenerationConfig
	Status       GenerationStatus

	// Sequences are the candidate continuations (several under beam search
	// or parallel sampling).
	Sequences []*Sequence

	streamer Streamer
	arrival  time.Time

	firstTokenAt time.Time
	firstToken   bool
	lastTokenAt  time.Time

	// tokenGaps are inter-token intervals on the primary sequence, merged
	// into the pipeline's PerfMetrics at finalize.
	tokenGaps []time.Duration

	// dropped is set from the handle owner's goroutine; the scheduler
	// consumes it at the start of the next step.
	dropped atomic.Bool

	// streamClosed guarantees exactly one streamer End() per request across
	// every termination path.
	streamClosed bool
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(ID: %d, Status: %s, Prompt tokens: %d)", r.ID, r.Status, len(r.PromptTokens))
}

// Drop requests cooperative abort. The scheduler transitions the request to
// DROPPED_BY_HANDLE and releases its blocks on the next step.
func (r *Request) Drop() { r.dropped.Store(true) }

// GenerationResult is the terminal record of one request: one or more
// generated sequences with per-sequence scores and the terminal status.
// Immutable once finalized.
type GenerationResult struct {
	RequestID uint64
	// TokenIDs holds the generated token ids per returned sequence.
	TokenIDs [][]int64
	// Texts holds the detokenized outputs, aligned with TokenIDs. Empty for
	// pipelines operating on pre-tokenized inputs.
	Texts []string
	// Scores are cumulative log probabilities per returned sequence; zeros
	// for greedy decoding.
	Scores []float64
	Status GenerationStatus
}

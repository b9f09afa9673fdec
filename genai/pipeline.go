// The continuous-batching pipeline: the concurrency-safe surface over the
// scheduler. AddRequest may run on any goroutine concurrently with Step;
// Step itself is the engine's single-writer tick.

package genai

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// GenerationHandle is the caller's view of one in-flight request. It can be
// waited on, polled for terminal status, or dropped to abort generation.
type GenerationHandle struct {
	req    *Request
	status atomic.Int32

	done   chan struct{}
	result *GenerationResult
}

// Status returns RUNNING until the request reaches a terminal state.
func (h *GenerationHandle) Status() GenerationStatus {
	return GenerationStatus(h.status.Load())
}

// Done is closed when the request reaches a terminal state.
func (h *GenerationHandle) Done() <-chan struct{} { return h.done }

// Result returns the terminal record, or nil while the request is running.
func (h *GenerationHandle) Result() *GenerationResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Drop aborts the request cooperatively. The engine observes the drop at the
// next step, releases the request's KV blocks, and finalizes it with
// DROPPED_BY_HANDLE. Safe to call from any goroutine, and idempotent.
func (h *GenerationHandle) Drop() { h.req.Drop() }

// ContinuousBatchingPipeline serves many generation requests over one model
// by interleaving them per decoding step.
//
// Concurrency contract: AddRequest and handle Drop are safe from any
// goroutine. Step must not be called concurrently with itself; the pipeline
// serializes it internally so misuse degrades to queueing, not corruption.
type ContinuousBatchingPipeline struct {
	sched     *Scheduler
	tokenizer Tokenizer
	defaults  GenerationConfig

	// mu guards the admission buffer shared between AddRequest and Step.
	mu       sync.Mutex
	incoming []*GenerationHandle
	pending  map[uint64]struct{}
	handles  map[uint64]*GenerationHandle

	stepMu  sync.Mutex
	metrics PerfMetrics

	nextAutoID atomic.Uint64
}

// NewContinuousBatchingPipeline assembles the engine. The tokenizer may be
// nil for a pipeline operating purely on token ids; text inputs then fail at
// AddRequest.
func NewContinuousBatchingPipeline(schedConfig SchedulerConfig, defaults GenerationConfig,
	executor ModelExecutor, tokenizer Tokenizer) (*ContinuousBatchingPipeline, error) {

	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("generation config: %w", err)
	}
	sched, err := NewScheduler(schedConfig, executor, tokenizer)
	if err != nil {
		return nil, err
	}
	p := &ContinuousBatchingPipeline{
		sched:     sched,
		tokenizer: tokenizer,
		defaults:  defaults,
		pending:   make(map[uint64]struct{}),
		handles:   make(map[uint64]*GenerationHandle),
	}
	// Auto-assigned ids live in the upper half of the space, away from ids
	// callers typically choose by hand.
	p.nextAutoID.Store(1 << 62)
	return p, nil
}

// GetConfig returns the pipeline's default generation parameters.
func (p *ContinuousBatchingPipeline) GetConfig() GenerationConfig { return p.defaults }

// SchedulerConfig returns the engine's capacity configuration.
func (p *ContinuousBatchingPipeline) SchedulerConfig() SchedulerConfig { return p.sched.Config() }

// Allocator exposes the KV pool for observability. Read-only for callers.
func (p *ContinuousBatchingPipeline) Allocator() *BlockAllocator { return p.sched.Allocator() }

// Metrics returns a snapshot of accumulated performance counters.
func (p *ContinuousBatchingPipeline) Metrics() PerfMetrics {
	p.stepMu.Lock()
	defer p.stepMu.Unlock()
	return p.metrics
}

// AddRequest enqueues one generation request under a caller-chosen id and
// returns its handle. The id must not collide with any request that is still
// active; reuse after a request finishes is allowed. Safe to call
// concurrently with Step: the request enters the wait queue at the start of
// the next step.
func (p *ContinuousBatchingPipeline) AddRequest(id uint64, input Input, config GenerationConfig, streamer Streamer) (*GenerationHandle, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("request %d: %w", id, err)
	}
	if streamer != nil && config.NumSequences() > 1 {
		return nil, fmt.Errorf("request %d: streaming supports a single returned sequence", id)
	}

	req := &Request{ID: id, Config: config, streamer: streamer, arrival: nowFunc()}
	switch {
	case input.Kind() == InputTokens:
		tokens, err := input.Tokens()
		if err != nil {
			return nil, err
		}
		req.PromptTokens = append([]int64(nil), tokens...)
	case input.Kind() == InputText:
		if p.tokenizer == nil {
			return nil, fmt.Errorf("request %d: text input requires a tokenizer", id)
		}
		text, err := input.Text()
		if err != nil {
			return nil, err
		}
		start := nowFunc()
		tokens, err := p.tokenizer.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("request %d: encode: %w", id, err)
		}
		p.stepMu.Lock()
		p.metrics.RecordTokenization(nowFunc().Sub(start))
		p.stepMu.Unlock()
		req.Prompt = text
		req.PromptTokens = tokens
	default:
		return nil, fmt.Errorf("request %d: batch inputs go through Generate, not AddRequest", id)
	}
	if len(req.PromptTokens) == 0 {
		return nil, fmt.Errorf("request %d: empty prompt", id)
	}

	h := &GenerationHandle{req: req, done: make(chan struct{})}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Liveness for duplicate detection is owned by the pipeline: pending
	// covers buffered requests, handles covers admitted ones. Scheduler state
	// is never touched off the Step goroutine.
	if _, dup := p.pending[id]; dup {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequestID, id)
	}
	if _, dup := p.handles[id]; dup {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequestID, id)
	}
	p.pending[id] = struct{}{}
	p.incoming = append(p.incoming, h)
	return h, nil
}

// Step runs one scheduling tick: drains buffered admissions into the wait
// queue, forms and executes a batch, and finalizes requests that reached a
// terminal state. A model executor failure propagates; queue state is
// preserved so the caller may retry.
func (p *ContinuousBatchingPipeline) Step() error {
	p.stepMu.Lock()
	defer p.stepMu.Unlock()

	p.mu.Lock()
	incoming := p.incoming
	p.incoming = nil
	for _, h := range incoming {
		delete(p.pending, h.req.ID)
		p.handles[h.req.ID] = h
	}
	p.mu.Unlock()

	for _, h := range incoming {
		if err := p.sched.Admit(h.req); err != nil {
			// Surface an admission failure on the handle, not as a step
			// failure; the step keeps serving everything else.
			logrus.Warnf("admission failed for request %d: %v", h.req.ID, err)
			h.req.Status = StatusIgnored
			p.finalizeHandle(h)
		}
	}

	err := p.sched.Step()
	if n := p.sched.LastBatchSize(); n > 0 {
		p.metrics.RecordBatchSize(n)
	}

	for _, req := range p.sched.TakeFinished() {
		if h, ok := p.handles[req.ID]; ok {
			p.finalizeHandle(h)
		}
	}
	return err
}

// HasNonFinishedRequests reports whether any request is buffered for
// admission or admitted and not yet finalized. Safe from any goroutine: the
// answer derives from pipeline-owned state only.
func (p *ContinuousBatchingPipeline) HasNonFinishedRequests() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.incoming) > 0 || len(p.handles) > 0
}

// finalizeHandle builds the terminal result and wakes waiters. Called under
// stepMu.
func (p *ContinuousBatchingPipeline) finalizeHandle(h *GenerationHandle) {
	req := h.req
	result := &GenerationResult{RequestID: req.ID, Status: req.Status}

	for _, seq := range ResultSequences(req) {
		tokens := append([]int64(nil), seq.Generated...)
		result.TokenIDs = append(result.TokenIDs, tokens)
		result.Scores = append(result.Scores, seq.CumLogProb)
		if req.Prompt != "" && p.tokenizer != nil {
			result.Texts = append(result.Texts, p.sequenceText(req, seq))
		}
	}

	if req.firstToken {
		p.metrics.RecordFirstToken(req.firstTokenAt.Sub(req.arrival))
	}
	for _, gap := range req.tokenGaps {
		p.metrics.RecordNewToken(gap)
	}
	for _, tokens := range result.TokenIDs {
		p.metrics.Raw.NumGeneratedTokens += len(tokens)
	}
	p.metrics.Raw.NumInputTokens += len(req.PromptTokens)

	h.result = result
	h.status.Store(int32(req.Status))
	p.mu.Lock()
	delete(p.handles, req.ID)
	p.mu.Unlock()
	close(h.done)
}

// sequenceText produces the output text for one sequence. Sequences that
// tracked incremental text (stop strings configured) report it directly,
// already trimmed per include_stop_str_in_output; others decode in one shot.
func (p *ContinuousBatchingPipeline) sequenceText(req *Request, seq *Sequence) string {
	if len(req.Config.StopStrings) > 0 {
		return seq.pendingText
	}
	start := nowFunc()
	text, err := p.tokenizer.Decode(seq.Generated)
	if err != nil {
		logrus.Warnf("request %d: decode failed: %v", req.ID, err)
		return ""
	}
	p.metrics.RecordDetokenization(nowFunc().Sub(start))
	return text
}

// Generate runs a batch of inputs to completion, driving the step loop
// internally, and returns results in input order. configs must be empty
// (defaults for every input), hold one shared config, or align one-to-one
// with inputs. A streamer is accepted for a single non-batched input only.
func (p *ContinuousBatchingPipeline) Generate(inputs []Input, configs []GenerationConfig, streamer Streamer) ([]*GenerationResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	switch len(configs) {
	case 0:
		configs = make([]GenerationConfig, len(inputs))
		for i := range configs {
			configs[i] = p.defaults
		}
	case 1:
		shared := configs[0]
		configs = make([]GenerationConfig, len(inputs))
		for i := range configs {
			configs[i] = shared
		}
	case len(inputs):
	default:
		return nil, fmt.Errorf("%d configs for %d inputs", len(configs), len(inputs))
	}
	if streamer != nil && len(inputs) != 1 {
		return nil, fmt.Errorf("streaming supports a single input, got %d", len(inputs))
	}

	start := nowFunc()
	handles := make([]*GenerationHandle, len(inputs))
	for i, input := range inputs {
		var st Streamer
		if i == 0 {
			st = streamer
		}
		h, err := p.AddRequest(p.nextAutoID.Add(1), input, configs[i], st)
		if err != nil {
			for _, prev := range handles[:i] {
				prev.Drop()
			}
			return nil, err
		}
		handles[i] = h
	}

	for {
		finished := true
		for _, h := range handles {
			if h.Result() == nil {
				finished = false
				break
			}
		}
		if finished {
			break
		}
		if err := p.Step(); err != nil {
			return nil, err
		}
	}

	p.stepMu.Lock()
	p.metrics.RecordGenerate(nowFunc().Sub(start))
	p.stepMu.Unlock()

	results := make([]*GenerationResult, len(handles))
	for i, h := range handles {
		results[i] = h.Result()
	}
	return results, nil
}

// Implements the continuous-batching scheduler: admission control,
// per-step token budgeting, KV block allocation, one executor invocation
// per step, token selection, stop checks, and the request lifecycle.

package genai

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// Scheduler owns the queue of active requests and drives one decoding tick
// per Step call. It is single-writer: all request state changes and all KV
// pool mutation happen inside Step, on the caller's goroutine. The pipeline
// layers concurrency-safe admission on top.
type Scheduler struct {
	config    SchedulerConfig
	allocator *BlockAllocator
	tokenizer Tokenizer
	executor  ModelExecutor

	waitQ   *WaitQueue
	running []*Request

	// active tracks every non-terminal request by id for duplicate detection.
	active map[uint64]*Request

	// finished collects terminal requests until the pipeline drains them.
	finished []*Request

	samplers  map[uint64]*sampler // sequence ID -> sampler
	nextSeqID uint64
	stepCount int
	lastBatch int
}

// NewScheduler builds a scheduler over the given collaborators. The config
// is validated and then read-only for the scheduler's lifetime.
func NewScheduler(config SchedulerConfig, executor ModelExecutor, tokenizer Tokenizer) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if executor == nil {
		return nil, fmt.Errorf("scheduler requires a model executor")
	}
	return &Scheduler{
		config:    config,
		allocator: NewBlockAllocator(config.kvBlockCount(), config.BlockSize, config.EnablePrefixCaching),
		tokenizer: tokenizer,
		executor:  executor,
		waitQ:     &WaitQueue{},
		active:    make(map[uint64]*Request),
		samplers:  make(map[uint64]*sampler),
	}, nil
}

// Config returns the scheduler's capacity configuration.
func (s *Scheduler) Config() SchedulerConfig { return s.config }

// Allocator exposes the block pool for observability (free block counts,
// fresh allocation totals). Callers must not mutate it.
func (s *Scheduler) Allocator() *BlockAllocator { return s.allocator }

// LastBatchSize returns the number of sequence slots scheduled by the most
// recent Step, zero for an idle tick.
func (s *Scheduler) LastBatchSize() int { return s.lastBatch }

// Admit places a request on the wait queue. Called by the pipeline at the
// start of a step, never concurrently with batch formation.
func (s *Scheduler) Admit(req *Request) error {
	if _, ok := s.active[req.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateRequestID, req.ID)
	}
	req.Status = StatusRunning
	s.active[req.ID] = req
	s.waitQ.Enqueue(req)
	return nil
}

// IsActive reports whether id belongs to a non-terminal request.
func (s *Scheduler) IsActive(id uint64) bool {
	_, ok := s.active[id]
	return ok
}

// HasNonFinishedRequests reports whether at least one request is running or
// queued for admission.
func (s *Scheduler) HasNonFinishedRequests() bool {
	return s.waitQ.Len() > 0 || len(s.running) > 0
}

// TakeFinished drains the requests that reached a terminal state since the
// previous call.
func (s *Scheduler) TakeFinished() []*Request {
	done := s.finished
	s.finished = nil
	return done
}

// Step performs exactly one scheduling tick: batch selection under the token
// and sequence budgets, KV allocation, one executor forward pass, token
// selection per the request's decoding mode, stop checks, and streamer
// delivery. A model executor failure is fatal for the step and propagates.
func (s *Scheduler) Step() error {
	s.stepCount++
	s.processDrops()

	scheduled := s.formBatch()

	// A request scheduled early in the phase may have been finalized by a
	// later OOM on one of its other sequences; its slots are void.
	live := scheduled[:0]
	for _, sc := range scheduled {
		if !sc.req.Status.Terminal() {
			live = append(live, sc)
		}
	}
	scheduled = live
	s.lastBatch = len(scheduled)
	if len(scheduled) == 0 {
		return nil
	}

	entries := make([]BatchEntry, len(scheduled))
	for i, sc := range scheduled {
		entries[i] = BatchEntry{
			SequenceID: sc.seq.ID,
			RequestID:  sc.req.ID,
			Tokens:     sc.entryTokens,
			Position:   sc.entryStart,
			BlockIDs:   s.allocator.SequenceBlocks(sc.seq.ID),
		}
	}

	logits, err := s.executor.Forward(entries)
	if err != nil {
		return fmt.Errorf("model executor: %w", err)
	}
	if len(logits) != len(entries) {
		return fmt.Errorf("model executor returned %d logit vectors for %d entries", len(logits), len(entries))
	}

	s.updateFromOutput(scheduled, logits)
	return nil
}

// processDrops consumes handle-drop flags set since the previous tick.
func (s *Scheduler) processDrops() {
	for _, req := range append([]*Request(nil), s.running...) {
		if req.dropped.Load() {
			logrus.Infof("[step %04d] request %d handle dropped", s.stepCount, req.ID)
			s.finalize(req, StatusDroppedByHandle)
		}
	}
	for _, req := range s.activeQueuedSnapshot() {
		if req.dropped.Load() {
			s.waitQ.Remove(req)
			s.finalize(req, StatusDroppedByHandle)
		}
	}
}

func (s *Scheduler) activeQueuedSnapshot() []*Request {
	var queued []*Request
	for _, req := range s.active {
		if req.Status == StatusRunning && !s.inRunning(req) {
			queued = append(queued, req)
		}
	}
	return queued
}

func (s *Scheduler) inRunning(req *Request) bool {
	for _, r := range s.running {
		if r == req {
			return true
		}
	}
	return false
}

// formBatch selects the step's batch under MaxNumBatchedTokens and
// MaxNumSeqs, allocating KV blocks as it goes. Phase 1 continues running
// requests (chunked prefill + decode); phase 2 admits from the wait queue in
// FCFS order.
func (s *Scheduler) formBatch() []*scheduledStepSeq {
	tokenBudget := s.config.MaxNumBatchedTokens
	var scheduled []*scheduledStepSeq

	// Phase 1: continuing requests.
	for _, req := range append([]*Request(nil), s.running...) {
		if tokenBudget <= 0 || len(scheduled) >= s.config.MaxNumSeqs {
			logrus.Warnf("[step %04d] token budget exhausted, deferring remaining requests to next step", s.stepCount)
			break
		}
		ok := true
		for _, seq := range req.Sequences {
			if seq.finished {
				continue
			}
			if tokenBudget <= 0 || len(scheduled) >= s.config.MaxNumSeqs {
				break
			}
			sc, err := s.scheduleContinuing(req, seq, &tokenBudget)
			if err != nil {
				// Mid-flight OOM with nothing left to reclaim: graceful
				// IGNORED outcome, the scheduler keeps serving others.
				logrus.Warnf("[step %04d] request %d starved of KV blocks: %v", s.stepCount, req.ID, err)
				s.finalize(req, StatusIgnored)
				ok = false
				break
			}
			if sc != nil {
				scheduled = append(scheduled, sc)
			}
		}
		if !ok {
			continue
		}
	}

	// Phase 2: admit waiting requests.
	for s.waitQ.Len() > 0 && tokenBudget > 0 && len(scheduled) < s.config.MaxNumSeqs {
		next := s.waitQ.Peek()
		sc, admitted := s.tryAdmit(next, &tokenBudget)
		if !admitted {
			break
		}
		if sc != nil {
			scheduled = append(scheduled, sc)
		}
	}

	return scheduled
}

// scheduledStepSeq is scheduledSeq plus the slice fed to the executor.
type scheduledStepSeq struct {
	req         *Request
	seq         *Sequence
	entryStart  int
	entryTokens []int64
	selectToken bool
}

// scheduleContinuing allocates this step's tokens for a running sequence.
// Returns nil (no error) when the sequence contributes nothing this step.
func (s *Scheduler) scheduleContinuing(req *Request, seq *Sequence, tokenBudget *int) (*scheduledStepSeq, error) {
	if seq.InPrefill() {
		n := seq.RemainingPrompt()
		if s.config.DynamicSplitFuse && n > *tokenBudget {
			n = *tokenBudget
		}
		if n > *tokenBudget {
			// Without split-fuse the remaining prompt must go in one slice.
			return nil, nil
		}
		start := seq.prefillPos
		if err := s.allocator.Allocate(seq, start, start+n, nil); err != nil {
			return nil, err
		}
		seq.prefillPos += n
		*tokenBudget -= n
		return &scheduledStepSeq{
			req:         req,
			seq:         seq,
			entryStart:  start,
			entryTokens: seq.PromptTokens[start : start+n],
			selectToken: !seq.InPrefill(),
		}, nil
	}

	// Decode: feed the last generated token; its KV slot is written this step.
	last := seq.Generated[len(seq.Generated)-1]
	if err := s.allocator.AppendToken(seq, last); err != nil {
		return nil, err
	}
	*tokenBudget--
	return &scheduledStepSeq{
		req:         req,
		seq:         seq,
		entryStart:  seq.Len() - 1,
		entryTokens: []int64{last},
		selectToken: true,
	}, nil
}

// tryAdmit moves the head of the wait queue into the running batch if KV and
// budget allow. The bool reports whether admission should continue with the
// next queued request.
func (s *Scheduler) tryAdmit(req *Request, tokenBudget *int) (*scheduledStepSeq, bool) {
	promptLen := len(req.PromptTokens)

	// A prompt that cannot fit even with every block free will never be
	// schedulable; the graceful outcome is IGNORED, not an error.
	blocksNeeded := (promptLen + 1 + s.config.BlockSize - 1) / s.config.BlockSize
	if blocksNeeded > s.allocator.TotalBlocks() {
		logrus.Warnf("[step %04d] request %d needs %d KV blocks, pool holds %d: ignoring",
			s.stepCount, req.ID, blocksNeeded, s.allocator.TotalBlocks())
		s.waitQ.Remove(req)
		s.finalize(req, StatusIgnored)
		return nil, true
	}
	if !s.config.DynamicSplitFuse && promptLen > s.config.MaxNumBatchedTokens {
		logrus.Warnf("[step %04d] request %d prompt (%d tokens) exceeds max_num_batched_tokens (%d) without dynamic split-fuse: ignoring",
			s.stepCount, req.ID, promptLen, s.config.MaxNumBatchedTokens)
		s.waitQ.Remove(req)
		s.finalize(req, StatusIgnored)
		return nil, true
	}

	cached := s.allocator.CachedBlocks(req.PromptTokens)
	// A full-prompt cache hit still needs the final token recomputed to
	// obtain first-token logits.
	for len(cached)*s.config.BlockSize >= promptLen {
		cached = cached[:len(cached)-1]
	}
	cachedTokens := len(cached) * s.config.BlockSize

	n := promptLen - cachedTokens
	if s.config.DynamicSplitFuse && n > *tokenBudget {
		n = *tokenBudget
	}
	if n > *tokenBudget {
		// Not enough budget left this step; FCFS order forbids skipping ahead.
		return nil, false
	}

	seq := s.newSequence(req, 0)
	if err := s.allocator.Allocate(seq, cachedTokens, cachedTokens+n, cached); err != nil {
		// Capacity exists but is held by running requests; wait for blocks
		// to free up rather than ignoring a servable request.
		delete(s.samplers, seq.ID)
		return nil, false
	}

	s.waitQ.Dequeue()
	req.Sequences = []*Sequence{seq}
	seq.prefillPos = cachedTokens + n
	s.running = append(s.running, req)
	*tokenBudget -= n
	logrus.Infof("[step %04d] request %d scheduled (%d prompt tokens, %d cached)",
		s.stepCount, req.ID, promptLen, cachedTokens)

	return &scheduledStepSeq{
		req:         req,
		seq:         seq,
		entryStart:  cachedTokens,
		entryTokens: req.PromptTokens[cachedTokens : cachedTokens+n],
		selectToken: !seq.InPrefill(),
	}, true
}

func (s *Scheduler) newSequence(req *Request, group int) *Sequence {
	s.nextSeqID++
	seq := &Sequence{
		ID:           s.nextSeqID,
		RequestID:    req.ID,
		PromptTokens: req.PromptTokens,
		Group:        group,
	}
	s.samplers[seq.ID] = newSampler(&req.Config, int64(len(req.Sequences)))
	return seq
}

// updateFromOutput applies the executor's logits: forks sequence groups on
// prefill completion, selects next tokens, runs stop checks, and delivers
// tokens to the streamer.
func (s *Scheduler) updateFromOutput(scheduled []*scheduledStepSeq, logits [][]float32) {
	// Group the step's selectable outputs by request so beam selection can
	// see all of a request's beams at once.
	perReq := make(map[uint64][]int)
	var reqOrder []uint64
	for i, sc := range scheduled {
		if !sc.selectToken {
			continue
		}
		if _, ok := perReq[sc.req.ID]; !ok {
			reqOrder = append(reqOrder, sc.req.ID)
		}
		perReq[sc.req.ID] = append(perReq[sc.req.ID], i)
	}

	for _, reqID := range reqOrder {
		idxs := perReq[reqID]
		req := scheduled[idxs[0]].req
		if req.Status.Terminal() {
			continue
		}

		// Prefill just completed: fork the root sequence into the request's
		// full sequence group before first-token selection.
		if len(req.Sequences) == 1 && len(req.Sequences[0].Generated) == 0 {
			if err := s.forkSequences(req); err != nil {
				logrus.Warnf("[step %04d] request %d cannot fork sequence group: %v", s.stepCount, req.ID, err)
				s.finalize(req, StatusIgnored)
				continue
			}
		}

		if req.Config.IsBeamSearch() {
			s.selectBeamTokens(req, logits[idxs[0]], scheduled, idxs, logits)
		} else {
			for _, i := range idxs {
				sc := scheduled[i]
				s.selectAndAppend(req, sc.seq, logits[i])
			}
			// Forked samples share the root's logits for their first token.
			if len(idxs) == 1 && len(req.Sequences) > 1 {
				for _, seq := range req.Sequences[1:] {
					s.selectAndAppend(req, seq, logits[idxs[0]])
				}
			}
		}

		s.applyStopChecks(req)
	}
}

// forkSequences expands the request's root sequence into NumSequences
// candidates, sharing full KV blocks by reference and copying the partial
// tail block.
func (s *Scheduler) forkSequences(req *Request) error {
	want := req.Config.NumSequences()
	if want <= 1 {
		return nil
	}
	root := req.Sequences[0]
	beamsPerGroup := want
	if req.Config.IsBeamSearch() {
		beamsPerGroup = req.Config.NumBeams / req.Config.NumBeamGroups
	}
	for i := 1; i < want; i++ {
		clone := s.newSequence(req, i/beamsPerGroup)
		clone.prefillPos = root.prefillPos
		if err := s.allocator.Fork(root, clone); err != nil {
			s.allocator.Release(clone)
			delete(s.samplers, clone.ID)
			return err
		}
		req.Sequences = append(req.Sequences, clone)
	}
	root.Group = 0
	return nil
}

// selectAndAppend picks the next token for one greedy/multinomial sequence.
func (s *Scheduler) selectAndAppend(req *Request, seq *Sequence, logits []float32) {
	if seq.finished {
		return
	}
	token, logProb := s.samplers[seq.ID].SelectNext(logits, seq)
	s.acceptToken(req, seq, token, logProb)
}

// selectBeamTokens advances every live beam of a request one token. Beams in
// later groups see a diversity penalty on tokens already chosen by earlier
// groups at this position.
func (s *Scheduler) selectBeamTokens(req *Request, firstLogits []float32,
	scheduled []*scheduledStepSeq, idxs []int, logits [][]float32) {

	seqLogits := make(map[uint64][]float32, len(req.Sequences))
	for _, i := range idxs {
		seqLogits[scheduled[i].seq.ID] = logits[i]
	}
	// First step after prefill: clones share the root's logits.
	for _, seq := range req.Sequences {
		if _, ok := seqLogits[seq.ID]; !ok {
			seqLogits[seq.ID] = firstLogits
		}
	}

	var chosenByEarlierGroups []int64
	for group := 0; group < req.Config.NumBeamGroups; group++ {
		var chosenThisGroup []int64
		for _, seq := range req.Sequences {
			if seq.Group != group || seq.finished {
				continue
			}
			src, ok := seqLogits[seq.ID]
			if !ok {
				continue
			}
			work := append([]float32(nil), src...)
			for _, t := range chosenByEarlierGroups {
				if t >= 0 && t < int64(len(work)) {
					work[t] -= float32(req.Config.DiversityPenalty)
				}
			}
			sam := s.samplers[seq.ID]
			sam.suppressEOS(work, seq)
			if req.Config.NoRepeatNgramSize > 0 {
				banRepeatedNgrams(work, seq, req.Config.NoRepeatNgramSize)
			}
			token := int64(argmax(work))
			logProb := tokenLogProb(src, token)
			chosenThisGroup = append(chosenThisGroup, token)
			s.acceptToken(req, seq, token, logProb)
		}
		chosenByEarlierGroups = append(chosenByEarlierGroups, chosenThisGroup...)
	}
}

// acceptToken applies the stop checks to a selected token in priority order
// (stop token ids, stop strings, EOS, length), appends it to the sequence
// when it is emitted, and streams it. Stop tokens and EOS are recorded in
// the finish state, not in the output.
func (s *Scheduler) acceptToken(req *Request, seq *Sequence, token int64, logProb float64) {
	cfg := &req.Config

	if cfg.IsStopTokenID(token) {
		s.finishSequence(req, seq)
		return
	}

	// Stop strings rank ahead of EOS: a token whose text completes a stop
	// string finishes the sequence with include_stop_str_in_output trimming
	// even when that token is EOS.
	if len(cfg.StopStrings) > 0 {
		mark := len(seq.pendingText)
		s.appendSequenceText(seq, token)
		if s.matchStopString(req, seq) {
			s.emitToken(req, seq, token, logProb)
			s.finishSequence(req, seq)
			return
		}
		if s.eosFinishes(req, seq, token) {
			// EOS is not emitted, so its decoded text leaves the output too.
			seq.pendingText = seq.pendingText[:mark]
			s.finishSequence(req, seq)
			return
		}
	} else if s.eosFinishes(req, seq, token) {
		s.finishSequence(req, seq)
		return
	}
	// Inside the min_new_tokens suppression window the sampler already zeroed
	// EOS; an EOS reaching this point is emitted like any other token.

	s.emitToken(req, seq, token, logProb)

	// Streaming covers the request's primary sequence only. The token is
	// delivered before the length check so a length-capped final token still
	// reaches the consumer.
	if req.streamer != nil && seq == req.Sequences[0] {
		if req.streamer.Put(token) {
			logrus.Infof("[step %04d] request %d cancelled by streamer", s.stepCount, req.ID)
			for _, other := range req.Sequences {
				if !other.finished {
					s.finishSequence(req, other)
				}
			}
			return
		}
	}

	if len(seq.Generated) >= cfg.MaxGeneratedTokens(len(req.PromptTokens)) {
		s.finishSequence(req, seq)
	}
}

// eosFinishes reports whether token is an end-of-sequence marker that should
// terminate the sequence here. Inside the min_new_tokens window EOS keeps
// generating instead.
func (s *Scheduler) eosFinishes(req *Request, seq *Sequence, token int64) bool {
	cfg := &req.Config
	return cfg.EOSTokenID >= 0 && token == cfg.EOSTokenID && !cfg.IgnoreEOS &&
		len(seq.Generated) >= cfg.MinNewTokens
}

// emitToken appends the token to the sequence output and stamps latency
// bookkeeping on the request's primary sequence.
func (s *Scheduler) emitToken(req *Request, seq *Sequence, token int64, logProb float64) {
	seq.Generated = append(seq.Generated, token)
	seq.CumLogProb += logProb
	now := nowFunc()
	if !req.firstToken {
		req.firstToken = true
		req.firstTokenAt = now
	} else if seq == req.Sequences[0] {
		req.tokenGaps = append(req.tokenGaps, now.Sub(req.lastTokenAt))
	}
	if seq == req.Sequences[0] {
		req.lastTokenAt = now
	}
}

func (s *Scheduler) appendSequenceText(seq *Sequence, token int64) {
	if s.tokenizer == nil {
		return
	}
	text, err := s.tokenizer.Decode([]int64{token})
	if err != nil {
		return
	}
	seq.pendingText += text
}

// matchStopString checks the decoded tail of the sequence against the
// config's stop strings and trims the output per include_stop_str_in_output.
func (s *Scheduler) matchStopString(req *Request, seq *Sequence) bool {
	cfg := &req.Config
	if len(cfg.StopStrings) == 0 {
		return false
	}
	for _, stop := range cfg.StopStrings {
		idx := indexOfSuffixMatch(seq.pendingText, stop)
		if idx < 0 {
			continue
		}
		if cfg.IncludeStopStrInOutput {
			seq.pendingText = seq.pendingText[:idx+len(stop)]
		} else {
			seq.pendingText = seq.pendingText[:idx]
		}
		return true
	}
	return false
}

// indexOfSuffixMatch returns the start of a match of stop that ends at the
// end of text, or -1. Stop strings can only complete on the newest token.
func indexOfSuffixMatch(text, stop string) int {
	if len(stop) == 0 || len(text) < len(stop) {
		return -1
	}
	if text[len(text)-len(stop):] == stop {
		return len(text) - len(stop)
	}
	return -1
}

// finishSequence marks one candidate complete and releases its blocks.
func (s *Scheduler) finishSequence(req *Request, seq *Sequence) {
	if seq.finished {
		return
	}
	seq.finished = true
	seq.finishBias = lengthPenalizedScore(seq, req.Config.LengthPenalty)
	s.allocator.Release(seq)
	delete(s.samplers, seq.ID)
}

func lengthPenalizedScore(seq *Sequence, lengthPenalty float64) float64 {
	n := len(seq.Generated)
	if n == 0 {
		return seq.CumLogProb
	}
	return seq.CumLogProb / math.Pow(float64(n), lengthPenalty)
}

// applyStopChecks finalizes the request once every candidate has finished,
// honoring the beam-search stop criteria for early group termination.
func (s *Scheduler) applyStopChecks(req *Request) {
	if req.Status.Terminal() {
		return
	}
	live := 0
	for _, seq := range req.Sequences {
		if !seq.finished {
			live++
		}
	}
	if live == 0 {
		s.finalize(req, StatusFinished)
		return
	}
	if !req.Config.IsBeamSearch() || req.Config.StopCriteria == StopCriteriaNever {
		return
	}
	// EARLY and HEURISTIC: stop expanding once num_return_sequences
	// candidates have completed; HEURISTIC additionally requires that the
	// best live beam can no longer beat the worst finished one.
	finished := 0
	worstFinished := math.Inf(1)
	bestLive := math.Inf(-1)
	for _, seq := range req.Sequences {
		if seq.finished {
			finished++
			if seq.finishBias < worstFinished {
				worstFinished = seq.finishBias
			}
		} else if score := lengthPenalizedScore(seq, req.Config.LengthPenalty); score > bestLive {
			bestLive = score
		}
	}
	if finished < req.Config.NumReturnSequences {
		return
	}
	if req.Config.StopCriteria == StopCriteriaHeuristic && bestLive > worstFinished {
		return
	}
	for _, seq := range req.Sequences {
		if !seq.finished {
			s.finishSequence(req, seq)
		}
	}
	s.finalize(req, StatusFinished)
}

// finalize moves a request into a terminal state, releases every resource it
// holds, and closes its streamer exactly once.
func (s *Scheduler) finalize(req *Request, status GenerationStatus) {
	if req.Status.Terminal() {
		return
	}
	req.Status = status
	for _, seq := range req.Sequences {
		if !seq.finished {
			seq.finished = true
			s.allocator.Release(seq)
			delete(s.samplers, seq.ID)
		}
	}
	for i, r := range s.running {
		if r == req {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	delete(s.active, req.ID)
	if req.streamer != nil && !req.streamClosed {
		req.streamClosed = true
		req.streamer.End()
	}
	s.finished = append(s.finished, req)
	logrus.Infof("[step %04d] request %d finished with status %s", s.stepCount, req.ID, status)
}

// ResultSequences orders a terminal request's candidates for reporting:
// beam search returns the top num_return_sequences by length-penalized
// score; other modes return the candidates in creation order.
func ResultSequences(req *Request) []*Sequence {
	seqs := append([]*Sequence(nil), req.Sequences...)
	if !req.Config.IsBeamSearch() {
		return seqs
	}
	sort.SliceStable(seqs, func(i, j int) bool {
		return seqs[i].finishBias > seqs[j].finishBias
	})
	if len(seqs) > req.Config.NumReturnSequences {
		seqs = seqs[:req.Config.NumReturnSequences]
	}
	return seqs
}

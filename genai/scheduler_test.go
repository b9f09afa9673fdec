package genai

import (
	"fmt"
	"strings"
	"testing"
)

// successorExecutor emits logits favoring (last+1) % vocab, with the
// following token as runner-up. Deterministic and stateless.
type successorExecutor struct{ vocab int }

func (e successorExecutor) Forward(batch []BatchEntry) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, entry := range batch {
		if len(entry.Tokens) == 0 {
			return nil, fmt.Errorf("entry %d: empty token slice", i)
		}
		logits := make([]float32, e.vocab)
		last := entry.Tokens[len(entry.Tokens)-1]
		next := (last + 1) % int64(e.vocab)
		logits[next] = 10
		logits[(next+1)%int64(e.vocab)] = 9
		out[i] = logits
	}
	return out, nil
}

type failingExecutor struct{}

func (failingExecutor) Forward(batch []BatchEntry) ([][]float32, error) {
	return nil, fmt.Errorf("device lost")
}

// asciiTokenizer maps each byte to its value as a token id.
type asciiTokenizer struct{}

func (asciiTokenizer) Encode(text string) ([]int64, error) {
	tokens := make([]int64, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int64(text[i])
	}
	return tokens, nil
}

func (asciiTokenizer) Decode(tokens []int64) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token >= 0 && token < 256 {
			sb.WriteByte(byte(token))
		}
	}
	return sb.String(), nil
}

func (asciiTokenizer) ApplyChatTemplate(history ChatHistory, addGenerationPrompt bool, _ string) (string, error) {
	var sb strings.Builder
	for _, msg := range history {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	if addGenerationPrompt {
		sb.WriteString("assistant: ")
	}
	return sb.String(), nil
}

func testSchedulerConfig() SchedulerConfig {
	cfg := NewSchedulerConfig()
	cfg.NumKVBlocks = 64
	cfg.BlockSize = 4
	cfg.MaxNumBatchedTokens = 64
	return cfg
}

// checkBlockInvariant asserts used+free covers the pool exactly.
func checkBlockInvariant(t *testing.T, a *BlockAllocator) {
	t.Helper()
	if a.UsedBlockCount()+a.FreeBlockCount() != a.TotalBlocks() {
		t.Fatalf("block accounting broken: used=%d free=%d total=%d",
			a.UsedBlockCount(), a.FreeBlockCount(), a.TotalBlocks())
	}
}

// runToCompletion steps until no work remains, checking the block invariant
// after every step, and returns all finished requests.
func runToCompletion(t *testing.T, s *Scheduler) []*Request {
	t.Helper()
	var done []*Request
	for steps := 0; s.HasNonFinishedRequests(); steps++ {
		if steps > 1000 {
			t.Fatal("scheduler did not converge within 1000 steps")
		}
		if err := s.Step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
		checkBlockInvariant(t, s.Allocator())
		done = append(done, s.TakeFinished()...)
	}
	return done
}

func newTestRequest(id uint64, prompt []int64, mutate func(*GenerationConfig)) *Request {
	cfg := NewGenerationConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return &Request{ID: id, PromptTokens: prompt, Config: cfg}
}

func TestScheduler_GreedyGeneratesExactlyMaxNewTokens(t *testing.T) {
	// GIVEN a greedy request capped at 5 new tokens
	s, err := NewScheduler(testSchedulerConfig(), successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3}, func(c *GenerationConfig) { c.MaxNewTokens = 5 })
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	// WHEN the scheduler runs to completion
	done := runToCompletion(t, s)

	// THEN the request finished with exactly the successor tokens 4..8
	if len(done) != 1 || done[0].Status != StatusFinished {
		t.Fatalf("expected one FINISHED request, got %v", done)
	}
	got := done[0].Sequences[0].Generated
	want := []int64{4, 5, 6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: got %d, want %d", i, got[i], want[i])
		}
	}
	// AND every block was returned to the pool
	if s.Allocator().FreeBlockCount() != s.Allocator().TotalBlocks() {
		t.Errorf("blocks leaked: %d free of %d", s.Allocator().FreeBlockCount(), s.Allocator().TotalBlocks())
	}
}

func TestScheduler_ChunkedPrefillSpansSteps(t *testing.T) {
	// GIVEN a token budget of 4 and a 10-token prompt with split-fuse on
	cfg := testSchedulerConfig()
	cfg.MaxNumBatchedTokens = 4
	cfg.DynamicSplitFuse = true
	s, err := NewScheduler(cfg, successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	prompt := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	req := newTestRequest(1, prompt, func(c *GenerationConfig) { c.MaxNewTokens = 2 })
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	// WHEN stepping once
	if err := s.Step(); err != nil {
		t.Fatal(err)
	}

	// THEN the prompt is only partially prefilled and no token exists yet
	if got := len(req.Sequences[0].Generated); got != 0 {
		t.Fatalf("no tokens expected mid-prefill, got %d", got)
	}

	// AND the request still completes with its 2 tokens
	done := runToCompletion(t, s)
	if len(done) != 1 || done[0].Status != StatusFinished {
		t.Fatalf("expected FINISHED, got %v", done)
	}
	if got := done[0].Sequences[0].Generated; len(got) != 2 || got[0] != 11 {
		t.Fatalf("expected [11 12], got %v", got)
	}
}

func TestScheduler_OversizedPromptWithoutSplitFuseIsIgnored(t *testing.T) {
	// GIVEN split-fuse disabled and a prompt larger than the step budget
	cfg := testSchedulerConfig()
	cfg.MaxNumBatchedTokens = 4
	cfg.DynamicSplitFuse = false
	s, err := NewScheduler(cfg, successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3, 4, 5, 6}, nil)
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	// WHEN stepping
	done := runToCompletion(t, s)

	// THEN the request is IGNORED, not stuck and not a crash
	if len(done) != 1 || done[0].Status != StatusIgnored {
		t.Fatalf("expected IGNORED, got %v", done)
	}
}

func TestScheduler_PromptExceedingPoolIsIgnored(t *testing.T) {
	// GIVEN a pool of 2 blocks (8 tokens) and a 12-token prompt
	cfg := testSchedulerConfig()
	cfg.NumKVBlocks = 2
	s, err := NewScheduler(cfg, successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, nil)
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	done := runToCompletion(t, s)

	if len(done) != 1 || done[0].Status != StatusIgnored {
		t.Fatalf("expected IGNORED for unschedulable prompt, got %v", done)
	}
	if s.Allocator().FreeBlockCount() != s.Allocator().TotalBlocks() {
		t.Errorf("pool should be untouched, %d free of %d",
			s.Allocator().FreeBlockCount(), s.Allocator().TotalBlocks())
	}
}

func TestScheduler_HandleDropReleasesBlocks(t *testing.T) {
	// GIVEN a long-running request mid-decode
	s, err := NewScheduler(testSchedulerConfig(), successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3, 4, 5}, func(c *GenerationConfig) { c.MaxNewTokens = 1000 })
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if s.Allocator().UsedBlockCount() == 0 {
		t.Fatal("request should hold blocks mid-generation")
	}

	// WHEN the handle is dropped
	req.Drop()
	if err := s.Step(); err != nil {
		t.Fatal(err)
	}

	// THEN the request terminates as DROPPED_BY_HANDLE and its blocks free up
	done := s.TakeFinished()
	if len(done) != 1 || done[0].Status != StatusDroppedByHandle {
		t.Fatalf("expected DROPPED_BY_HANDLE, got %v", done)
	}
	if s.Allocator().FreeBlockCount() != s.Allocator().TotalBlocks() {
		t.Errorf("blocks not released after drop: %d free of %d",
			s.Allocator().FreeBlockCount(), s.Allocator().TotalBlocks())
	}
	if s.HasNonFinishedRequests() {
		t.Error("no work should remain after the drop")
	}
}

func TestScheduler_PrefixCachingAvoidsFreshAllocations(t *testing.T) {
	// GIVEN a completed request whose prompt blocks stayed cached
	cfg := testSchedulerConfig()
	cfg.EnablePrefixCaching = true
	s, err := NewScheduler(cfg, successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	prompt := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	first := newTestRequest(1, prompt, func(c *GenerationConfig) { c.MaxNewTokens = 1 })
	if err := s.Admit(first); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, s)
	freshAfterFirst := s.Allocator().FreshAllocations()

	// WHEN an identical prompt arrives
	second := newTestRequest(2, prompt, func(c *GenerationConfig) { c.MaxNewTokens = 1 })
	if err := s.Admit(second); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, s)

	// THEN the second request allocated strictly fewer fresh blocks
	freshForSecond := s.Allocator().FreshAllocations() - freshAfterFirst
	if freshForSecond >= freshAfterFirst {
		t.Errorf("prefix sharing saved nothing: first=%d second=%d", freshAfterFirst, freshForSecond)
	}
}

func TestScheduler_FCFSAdmissionUnderTokenBudget(t *testing.T) {
	// GIVEN a budget that only fits one prompt per step
	cfg := testSchedulerConfig()
	cfg.MaxNumBatchedTokens = 6
	cfg.DynamicSplitFuse = false
	s, err := NewScheduler(cfg, successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	a := newTestRequest(1, []int64{1, 2, 3, 4}, func(c *GenerationConfig) { c.MaxNewTokens = 2 })
	b := newTestRequest(2, []int64{5, 6, 7, 8}, func(c *GenerationConfig) { c.MaxNewTokens = 2 })
	if err := s.Admit(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Admit(b); err != nil {
		t.Fatal(err)
	}

	// WHEN stepping once
	if err := s.Step(); err != nil {
		t.Fatal(err)
	}

	// THEN only the head of the queue was scheduled
	if len(a.Sequences) == 0 {
		t.Fatal("first request should be running after step 1")
	}
	if len(b.Sequences) != 0 {
		t.Fatal("second request must wait for budget")
	}

	// AND both eventually finish
	done := runToCompletion(t, s)
	if len(done) != 2 {
		t.Fatalf("expected both to finish, got %d", len(done))
	}
	for _, req := range done {
		if req.Status != StatusFinished {
			t.Errorf("request %d: status %s", req.ID, req.Status)
		}
	}
}

func TestScheduler_ParallelSamplingReturnsAllSequences(t *testing.T) {
	// GIVEN a sampling request asking for 3 candidates
	s, err := NewScheduler(testSchedulerConfig(), successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3}, func(c *GenerationConfig) {
		c.MaxNewTokens = 4
		c.DoSample = true
		c.NumReturnSequences = 3
		c.RNGSeed = 5
	})
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	done := runToCompletion(t, s)

	if len(done) != 1 || done[0].Status != StatusFinished {
		t.Fatalf("expected FINISHED, got %v", done)
	}
	seqs := ResultSequences(done[0])
	if len(seqs) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(seqs))
	}
	for i, seq := range seqs {
		if len(seq.Generated) != 4 {
			t.Errorf("candidate %d: expected 4 tokens, got %d", i, len(seq.Generated))
		}
	}
}

func TestScheduler_GroupedBeamsDivergeUnderDiversityPenalty(t *testing.T) {
	// GIVEN 2 beam groups with a penalty large enough to flip the runner-up
	s, err := NewScheduler(testSchedulerConfig(), successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3}, func(c *GenerationConfig) {
		c.MaxNewTokens = 3
		c.NumBeams = 2
		c.NumBeamGroups = 2
		c.DiversityPenalty = 2.0
		c.NumReturnSequences = 2
	})
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	done := runToCompletion(t, s)

	if len(done) != 1 || done[0].Status != StatusFinished {
		t.Fatalf("expected FINISHED, got %v", done)
	}
	seqs := ResultSequences(done[0])
	if len(seqs) != 2 {
		t.Fatalf("expected 2 returned beams, got %d", len(seqs))
	}
	// The favored token is 4 with 5 as runner-up; the second group's view of
	// token 4 drops to 8 under the penalty, losing to 9.
	first := seqs[0].Generated[0]
	second := seqs[1].Generated[0]
	if first == second {
		t.Errorf("beam groups should diverge on the first token, both chose %d", first)
	}
	// AND the better-scoring beam ranks first
	if seqs[0].CumLogProb < seqs[1].CumLogProb {
		t.Errorf("beams not ranked by score: %v then %v", seqs[0].CumLogProb, seqs[1].CumLogProb)
	}
}

func TestScheduler_StopTokenIDTerminatesWithoutEmittingIt(t *testing.T) {
	// GIVEN a stop token on the successor path
	s, err := NewScheduler(testSchedulerConfig(), successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3}, func(c *GenerationConfig) {
		c.MaxNewTokens = 100
		c.StopTokenIDs = []int64{6}
	})
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}

	done := runToCompletion(t, s)

	// THEN generation stops at the stop token, which is not part of the output
	got := done[0].Sequences[0].Generated
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected [4 5], got %v", got)
	}
	if done[0].Status != StatusFinished {
		t.Errorf("stop token termination is normal completion, got %s", done[0].Status)
	}
}

func TestScheduler_ExecutorFailurePropagates(t *testing.T) {
	s, err := NewScheduler(testSchedulerConfig(), failingExecutor{}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest(1, []int64{1, 2, 3}, nil)
	if err := s.Admit(req); err != nil {
		t.Fatal(err)
	}
	if err := s.Step(); err == nil {
		t.Fatal("executor failure must propagate from Step")
	}
}

func TestScheduler_DuplicateActiveIDRejected(t *testing.T) {
	s, err := NewScheduler(testSchedulerConfig(), successorExecutor{vocab: 256}, asciiTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Admit(newTestRequest(7, []int64{1}, nil)); err != nil {
		t.Fatal(err)
	}
	if !s.IsActive(7) {
		t.Fatal("admitted request must be active")
	}
	if err := s.Admit(newTestRequest(7, []int64{2}, nil)); err == nil {
		t.Fatal("duplicate id must be rejected while the first is active")
	}
}

package genai

import (
	"errors"
	"testing"
)

func TestAllocate_PartialBlockFill_AdvancesByActualTokenCount(t *testing.T) {
	// GIVEN an allocator with BlockSize=4 and a sequence that already has a partial block (2 of 4 tokens)
	a := NewBlockAllocator(10, 4, false)
	seq := &Sequence{ID: 1, PromptTokens: []int64{10, 20, 30, 40, 50, 60}}
	if err := a.Allocate(seq, 0, 2, nil); err != nil {
		t.Fatalf("initial allocation should succeed: %v", err)
	}
	ids := a.SequenceBlocks(1)
	if len(ids) != 1 {
		t.Fatalf("expected 1 block, got %d", len(ids))
	}
	if got := len(a.blocks[ids[0]].Tokens); got != 2 {
		t.Fatalf("expected partial block with 2 tokens, got %d", got)
	}

	// WHEN we allocate 2 more tokens that should fill the partial block
	if err := a.Allocate(seq, 2, 4, nil); err != nil {
		t.Fatalf("second allocation should succeed: %v", err)
	}

	// THEN the partial block now holds 4 tokens and no extra block was taken
	if got := len(a.blocks[ids[0]].Tokens); got != 4 {
		t.Errorf("expected block with 4 tokens after fill, got %d", got)
	}
	if got := len(a.SequenceBlocks(1)); got != 1 {
		t.Errorf("expected 1 block total (partial filled), got %d", got)
	}
}

func TestAllocate_ChunkedPrefill_PrefixHashUsesAbsoluteOffset(t *testing.T) {
	// GIVEN a sequence with 8 prompt tokens and BlockSize=4
	a := NewBlockAllocator(10, 4, true)
	seq := &Sequence{ID: 1, PromptTokens: []int64{10, 20, 30, 40, 50, 60, 70, 80}}

	if err := a.Allocate(seq, 0, 4, nil); err != nil {
		t.Fatalf("first chunk allocation should succeed: %v", err)
	}
	ids := a.SequenceBlocks(1)
	if want := hashTokens([]int64{10, 20, 30, 40}); a.blocks[ids[0]].Hash != want {
		t.Errorf("first block hash mismatch:\n  got  %s\n  want %s", a.blocks[ids[0]].Hash, want)
	}

	// WHEN we allocate the second chunk starting at absolute offset 4
	if err := a.Allocate(seq, 4, 8, nil); err != nil {
		t.Fatalf("second chunk allocation should succeed: %v", err)
	}

	// THEN the second block is hashed over the full 8-token prefix, not just its own 4 tokens
	ids = a.SequenceBlocks(1)
	if len(ids) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(ids))
	}
	if want := hashTokens(seq.PromptTokens); a.blocks[ids[1]].Hash != want {
		t.Errorf("second block hash mismatch:\n  got  %s\n  want %s", a.blocks[ids[1]].Hash, want)
	}
}

func TestAllocate_OutOfMemory_LeavesPoolUntouched(t *testing.T) {
	// GIVEN a pool of 2 blocks with 1 already held
	a := NewBlockAllocator(2, 4, false)
	held := &Sequence{ID: 1, PromptTokens: []int64{1, 2, 3, 4}}
	if err := a.Allocate(held, 0, 4, nil); err != nil {
		t.Fatalf("setup allocation failed: %v", err)
	}

	// WHEN a sequence needs 2 fresh blocks
	big := &Sequence{ID: 2, PromptTokens: []int64{5, 6, 7, 8, 9, 10, 11, 12}}
	err := a.Allocate(big, 0, 8, nil)

	// THEN the allocation fails with ErrOutOfMemory and nothing was mutated
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if got := a.SequenceBlocks(2); got != nil {
		t.Errorf("failed allocation must not leave a chain, got %v", got)
	}
	if a.UsedBlockCount() != 1 || a.FreeBlockCount() != 1 {
		t.Errorf("pool counts changed: used=%d free=%d", a.UsedBlockCount(), a.FreeBlockCount())
	}
}

func TestCachedBlocks_SharedPrefix_AttachedByRefCount(t *testing.T) {
	// GIVEN a first sequence whose full blocks were hashed into the prefix table
	a := NewBlockAllocator(10, 4, true)
	first := &Sequence{ID: 1, PromptTokens: []int64{1, 2, 3, 4, 5, 6, 7, 8}}
	if err := a.Allocate(first, 0, 8, nil); err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	freshBefore := a.FreshAllocations()

	// WHEN a second sequence with the same first block allocates using the cache hits
	second := &Sequence{ID: 2, PromptTokens: []int64{1, 2, 3, 4, 99, 98, 97, 96}}
	cached := a.CachedBlocks(second.PromptTokens)
	if len(cached) != 1 {
		t.Fatalf("expected 1 cached block for the shared 4-token prefix, got %d", len(cached))
	}
	if err := a.Allocate(second, 4, 8, cached); err != nil {
		t.Fatalf("second allocation failed: %v", err)
	}

	// THEN the shared block is referenced twice and only one fresh block was taken
	shared := a.blocks[cached[0]]
	if shared.RefCount != 2 {
		t.Errorf("expected shared block refcount 2, got %d", shared.RefCount)
	}
	if got := a.FreshAllocations() - freshBefore; got != 1 {
		t.Errorf("expected 1 fresh allocation for the divergent suffix, got %d", got)
	}
}

func TestRelease_PrefixCaching_KeepsHashUntilEvicted(t *testing.T) {
	// GIVEN a released sequence under prefix caching
	a := NewBlockAllocator(2, 4, true)
	seq := &Sequence{ID: 1, PromptTokens: []int64{1, 2, 3, 4}}
	if err := a.Allocate(seq, 0, 4, nil); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	a.Release(seq)

	// THEN the block is free but its cached content is still discoverable
	if a.FreeBlockCount() != 2 {
		t.Fatalf("expected all blocks free after release, got %d", a.FreeBlockCount())
	}
	if got := a.CachedBlocks([]int64{1, 2, 3, 4}); len(got) != 1 {
		t.Errorf("expected cached block to survive release, got %v", got)
	}

	// WHEN memory pressure reclaims every free block
	hog := &Sequence{ID: 2, PromptTokens: []int64{9, 9, 9, 9, 8, 8, 8, 8}}
	if err := a.Allocate(hog, 0, 8, nil); err != nil {
		t.Fatalf("reclaim allocation failed: %v", err)
	}

	// THEN the lazily kept content is gone
	if got := a.CachedBlocks([]int64{1, 2, 3, 4}); len(got) != 0 {
		t.Errorf("expected eviction to drop the cached hash, got %v", got)
	}
}

func TestRelease_ReverseOrder_TailEvictedFirst(t *testing.T) {
	// GIVEN a 2-block chain released in one call
	a := NewBlockAllocator(2, 4, true)
	seq := &Sequence{ID: 1, PromptTokens: []int64{1, 2, 3, 4, 5, 6, 7, 8}}
	if err := a.Allocate(seq, 0, 8, nil); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	chain := append([]int(nil), a.SequenceBlocks(1)...)
	a.Release(seq)

	// WHEN one block is reclaimed
	next := &Sequence{ID: 2, PromptTokens: []int64{9, 9, 9, 9}}
	if err := a.Allocate(next, 0, 4, nil); err != nil {
		t.Fatalf("reclaim allocation failed: %v", err)
	}

	// THEN the tail block went back first: it hashes the most tokens and is
	// the least likely prefix to be reused
	if got := a.SequenceBlocks(2)[0]; got != chain[1] {
		t.Errorf("expected tail block %d reclaimed first, got %d", chain[1], got)
	}
}

func TestAppendToken_FullTail_TakesNewBlock(t *testing.T) {
	// GIVEN a sequence whose tail block is exactly full
	a := NewBlockAllocator(4, 2, false)
	seq := &Sequence{ID: 1, PromptTokens: []int64{1, 2}}
	if err := a.Allocate(seq, 0, 2, nil); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	// WHEN a decoded token is appended
	if err := a.AppendToken(seq, 3); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// THEN the chain grew by one block holding just that token
	ids := a.SequenceBlocks(1)
	if len(ids) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(ids))
	}
	if got := a.blocks[ids[1]].Tokens; len(got) != 1 || got[0] != 3 {
		t.Errorf("expected new tail [3], got %v", got)
	}
}

func TestFork_SharesFullBlocksAndCopiesPartialTail(t *testing.T) {
	// GIVEN a parent with one full block and a partial tail
	a := NewBlockAllocator(4, 4, false)
	parent := &Sequence{ID: 1, PromptTokens: []int64{1, 2, 3, 4, 5, 6}}
	if err := a.Allocate(parent, 0, 6, nil); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	// WHEN the parent is forked
	clone := &Sequence{ID: 2, PromptTokens: parent.PromptTokens}
	if err := a.Fork(parent, clone); err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	parentChain := a.SequenceBlocks(1)
	cloneChain := a.SequenceBlocks(2)
	if len(cloneChain) != len(parentChain) {
		t.Fatalf("clone chain length %d != parent %d", len(cloneChain), len(parentChain))
	}

	// THEN the full block is shared with refcount 2 and the tail diverges
	if cloneChain[0] != parentChain[0] {
		t.Errorf("full block should be shared, parent %d clone %d", parentChain[0], cloneChain[0])
	}
	if got := a.blocks[parentChain[0]].RefCount; got != 2 {
		t.Errorf("expected shared block refcount 2, got %d", got)
	}
	if cloneChain[1] == parentChain[1] {
		t.Error("partial tail must be copied, not shared")
	}

	// AND appends on parent and clone stay independent
	if err := a.AppendToken(parent, 7); err != nil {
		t.Fatalf("parent append failed: %v", err)
	}
	if err := a.AppendToken(clone, 8); err != nil {
		t.Fatalf("clone append failed: %v", err)
	}
	pTail := a.blocks[parentChain[1]].Tokens
	cTail := a.blocks[cloneChain[1]].Tokens
	if pTail[len(pTail)-1] != 7 || cTail[len(cTail)-1] != 8 {
		t.Errorf("tails not independent: parent %v clone %v", pTail, cTail)
	}
}

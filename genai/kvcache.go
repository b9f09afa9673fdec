package genai

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrOutOfMemory is returned when the block pool cannot satisfy an
// allocation even after evicting every unreferenced block.
var ErrOutOfMemory = errors.New("out of KV cache blocks")

// Block is one fixed-capacity slot of token history in the KV cache.
// Blocks are reference-counted: several sequences may hold the same block
// when prefix caching shares a prompt prefix. A block is reclaimed only when
// its reference count is zero and the allocator needs capacity.
type Block struct {
	ID       int
	RefCount int     // active sequences referencing this block
	InUse    bool    // held by at least one live sequence
	Hash     string  // prefix hash of this block's content and lineage (set when full)
	Tokens   []int64 // tokens stored; full when len(Tokens) == block size
	prevFree *Block  // LRU doubly linked free list
	nextFree *Block
}

// BlockAllocator manages the fixed pool of KV cache blocks across all live
// sequences. It implements prefix caching and LRU eviction of unreferenced
// blocks. All mutation happens inside the scheduler's allocation phase;
// the allocator is not safe for concurrent use.
type BlockAllocator struct {
	totalBlocks   int
	blockSize     int
	prefixCaching bool

	blocks      []*Block
	seqChains   map[uint64][]int // sequence ID -> ordered block chain
	hashToBlock map[string]int   // prefix hash -> block ID
	freeHead    *Block
	freeTail    *Block
	usedCnt     int

	// freshAllocs counts blocks taken from the free list, i.e. allocations
	// that a prefix-cache hit did not avoid.
	freshAllocs int
}

// NewBlockAllocator initializes the pool and places every block on the free
// list in order.
func NewBlockAllocator(totalBlocks, blockSize int, prefixCaching bool) *BlockAllocator {
	a := &BlockAllocator{
		totalBlocks:   totalBlocks,
		blockSize:     blockSize,
		prefixCaching: prefixCaching,
		blocks:        make([]*Block, totalBlocks),
		seqChains:     make(map[uint64][]int),
		hashToBlock:   make(map[string]int),
	}
	for i := 0; i < totalBlocks; i++ {
		blk := &Block{ID: i}
		a.blocks[i] = blk
		a.appendToFreeList(blk)
	}
	return a
}

// TotalBlocks returns the pool size.
func (a *BlockAllocator) TotalBlocks() int { return a.totalBlocks }

// BlockSize returns the tokens-per-block granularity. Fixed at construction.
func (a *BlockAllocator) BlockSize() int { return a.blockSize }

// UsedBlockCount returns the number of blocks held by live sequences.
func (a *BlockAllocator) UsedBlockCount() int { return a.usedCnt }

// FreeBlockCount returns the number of blocks not held by any live sequence.
// With prefix caching these may still carry reusable content.
func (a *BlockAllocator) FreeBlockCount() int { return a.totalBlocks - a.usedCnt }

// FreshAllocations returns the cumulative count of blocks taken from the
// free list, exposing how much work prefix-cache sharing avoided.
func (a *BlockAllocator) FreshAllocations() int { return a.freshAllocs }

// SequenceBlocks returns the block chain held by a sequence.
func (a *BlockAllocator) SequenceBlocks(seqID uint64) []int { return a.seqChains[seqID] }

func (a *BlockAllocator) appendToFreeList(blk *Block) {
	blk.nextFree = nil
	if a.freeTail != nil {
		a.freeTail.nextFree = blk
		blk.prevFree = a.freeTail
		a.freeTail = blk
	} else {
		a.freeHead = blk
		a.freeTail = blk
		blk.prevFree = nil
	}
}

func (a *BlockAllocator) removeFromFreeList(blk *Block) {
	if blk.prevFree != nil {
		blk.prevFree.nextFree = blk.nextFree
	} else {
		a.freeHead = blk.nextFree
	}
	if blk.nextFree != nil {
		blk.nextFree.prevFree = blk.prevFree
	} else {
		a.freeTail = blk.prevFree
	}
	blk.nextFree = nil
	blk.prevFree = nil
}

// hashTokens returns a SHA256 hash of the joined token sequence.
func hashTokens(tokens []int64) string {
	h := sha256.New()
	var sb strings.Builder
	for i, token := range tokens {
		if i > 0 {
			sb.WriteString("|")
		}
		sb.WriteString(strconv.FormatInt(token, 10))
	}
	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// CachedBlocks looks up previously cached full blocks matching the longest
// prefix of tokens. Pure lookup: the requesting sequence is attached as a
// reference holder later, during Allocate. Returns nil when prefix caching
// is disabled.
func (a *BlockAllocator) CachedBlocks(tokens []int64) []int {
	if !a.prefixCaching {
		return nil
	}
	var blockIDs []int
	n := len(tokens) / a.blockSize
	for i := 0; i < n; i++ {
		h := hashTokens(tokens[:(i+1)*a.blockSize])
		blockID, ok := a.hashToBlock[h]
		if !ok {
			break
		}
		blockIDs = append(blockIDs, blockID)
	}
	return blockIDs
}

// Allocate reserves blocks for the sequence's tokens in [start, end).
// cachedBlocks (from CachedBlocks) are attached by reference count instead of
// allocating fresh blocks; they must cover exactly the tokens before start.
// A partial tail block is filled before any new block is taken. Each block
// that becomes full is hashed over its absolute token prefix and recorded in
// the prefix table.
//
// Fails with ErrOutOfMemory, leaving the sequence's chain untouched, when
// the free list cannot cover the new blocks needed.
func (a *BlockAllocator) Allocate(seq *Sequence, start, end int, cachedBlocks []int) error {
	chain := a.seqChains[seq.ID]

	tailRoom := 0
	if len(chain) > 0 {
		tail := a.blocks[chain[len(chain)-1]]
		tailRoom = a.blockSize - len(tail.Tokens)
	}
	needTokens := end - start
	newBlocks := 0
	if needTokens > tailRoom {
		newBlocks = (needTokens - tailRoom + a.blockSize - 1) / a.blockSize
	}
	// Cached blocks still on the free list leave it once attached; they do not
	// count toward capacity for the fresh blocks.
	available := a.FreeBlockCount()
	for _, blockID := range cachedBlocks {
		if !a.blocks[blockID].InUse {
			available--
		}
	}
	if newBlocks > available {
		return fmt.Errorf("%w: need %d new blocks, %d available", ErrOutOfMemory, newBlocks, available)
	}

	// Attach prefix-cache hits: share by reference, no fresh allocation.
	for _, blockID := range cachedBlocks {
		blk := a.blocks[blockID]
		blk.RefCount++
		if !blk.InUse {
			blk.InUse = true
			a.usedCnt++
			a.removeFromFreeList(blk)
		}
		chain = append(chain, blockID)
	}

	all := seq.Tokens()
	pos := start
	for pos < end {
		var blk *Block
		if len(chain) > 0 {
			if last := a.blocks[chain[len(chain)-1]]; len(last.Tokens) < a.blockSize {
				blk = last
			}
		}
		if blk == nil {
			blk = a.popFreeBlock()
			if blk == nil {
				return fmt.Errorf("%w: free list exhausted", ErrOutOfMemory)
			}
			blk.RefCount = 1
			blk.InUse = true
			a.usedCnt++
			a.freshAllocs++
			chain = append(chain, blk.ID)
		}
		n := a.blockSize - len(blk.Tokens)
		if rest := end - pos; rest < n {
			n = rest
		}
		blk.Tokens = append(blk.Tokens, all[pos:pos+n]...)
		pos += n
		if len(blk.Tokens) == a.blockSize && a.prefixCaching {
			// Hash over the absolute prefix, so chunked prefill produces the
			// same lineage hashes as a single-shot prefill.
			h := hashTokens(all[:pos])
			blk.Hash = h
			a.hashToBlock[h] = blk.ID
		}
	}
	a.seqChains[seq.ID] = chain
	return nil
}

// AppendToken grows the sequence's chain by one decoded token. A new block
// is taken from the free list when the tail block is full.
func (a *BlockAllocator) AppendToken(seq *Sequence, token int64) error {
	chain := a.seqChains[seq.ID]
	if len(chain) == 0 {
		return fmt.Errorf("sequence %d has no allocated blocks", seq.ID)
	}
	tail := a.blocks[chain[len(chain)-1]]
	if len(tail.Tokens) < a.blockSize {
		tail.Tokens = append(tail.Tokens, token)
		if len(tail.Tokens) == a.blockSize && a.prefixCaching {
			full := make([]int64, 0, len(chain)*a.blockSize)
			for _, blockID := range chain {
				full = append(full, a.blocks[blockID].Tokens...)
			}
			h := hashTokens(full)
			tail.Hash = h
			a.hashToBlock[h] = tail.ID
		}
		return nil
	}

	blk := a.popFreeBlock()
	if blk == nil {
		return fmt.Errorf("%w: free list exhausted", ErrOutOfMemory)
	}
	blk.Tokens = append(blk.Tokens, token)
	blk.RefCount = 1
	blk.InUse = true
	a.usedCnt++
	a.freshAllocs++
	a.seqChains[seq.ID] = append(chain, blk.ID)
	return nil
}

// Fork copies a sequence's chain to a clone: full blocks are shared by
// reference count, while a partial tail block is deep-copied so parent and
// clone can append independently. Fails with ErrOutOfMemory, leaving the
// pool unchanged, when the tail copy cannot be allocated.
func (a *BlockAllocator) Fork(parent, clone *Sequence) error {
	chain := a.seqChains[parent.ID]
	if len(chain) == 0 {
		return nil
	}
	newChain := make([]int, 0, len(chain))
	shared := chain
	tailID := chain[len(chain)-1]
	var tailCopy *Block
	if tail := a.blocks[tailID]; len(tail.Tokens) < a.blockSize {
		tailCopy = a.popFreeBlock()
		if tailCopy == nil {
			return fmt.Errorf("%w: free list exhausted", ErrOutOfMemory)
		}
		tailCopy.Tokens = append(tailCopy.Tokens, tail.Tokens...)
		tailCopy.RefCount = 1
		tailCopy.InUse = true
		a.usedCnt++
		a.freshAllocs++
		shared = chain[:len(chain)-1]
	}
	for _, blockID := range shared {
		blk := a.blocks[blockID]
		blk.RefCount++
		newChain = append(newChain, blockID)
	}
	if tailCopy != nil {
		newChain = append(newChain, tailCopy.ID)
	}
	a.seqChains[clone.ID] = newChain
	return nil
}

// popFreeBlock evicts the least recently used free block and prepares it for
// reuse. Eviction is the only point where cached content is discarded.
func (a *BlockAllocator) popFreeBlock() *Block {
	head := a.freeHead
	if head == nil {
		return nil
	}
	a.removeFromFreeList(head)
	if head.Hash != "" {
		delete(a.hashToBlock, head.Hash)
		head.Hash = ""
	}
	head.Tokens = nil
	return head
}

// Release decrements reference counts for all of the sequence's blocks.
// Blocks are returned to the free list in reverse order: the last block of a
// chain hashes the most tokens, is least likely to be reused, and should be
// evicted first. With prefix caching enabled the released blocks keep their
// content and hash until reclaimed under memory pressure; this trades memory
// for future cache hits and is not a leak.
func (a *BlockAllocator) Release(seq *Sequence) {
	chain := a.seqChains[seq.ID]
	delete(a.seqChains, seq.ID)
	for i := len(chain) - 1; i >= 0; i-- {
		blk := a.blocks[chain[i]]
		blk.RefCount--
		if blk.RefCount == 0 {
			blk.InUse = false
			a.usedCnt--
			if !a.prefixCaching && blk.Hash != "" {
				delete(a.hashToBlock, blk.Hash)
				blk.Hash = ""
			}
			a.appendToFreeList(blk)
		}
	}
}

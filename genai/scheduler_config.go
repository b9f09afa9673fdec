package genai

import "fmt"

// Assumed KV footprint per cached token when deriving the block count from
// CacheSize. The engine has no model geometry, so a fixed footprint stands in
// for num_layers * num_heads * head_size * dtype_size.
const defaultBytesPerToken = 128 * 1024

// SchedulerConfig holds the process-wide capacity knobs for the batching
// engine. All fields are read at pipeline construction and treated as
// immutable for the pipeline's lifetime.
type SchedulerConfig struct {
	// MaxNumBatchedTokens caps the total number of tokens scheduled across
	// all requests in one step (in contrast to a max batch size, which would
	// count sequences).
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`

	// NumKVBlocks is the total number of KV blocks available to the
	// scheduler. When zero, the count is derived from CacheSize.
	NumKVBlocks int `yaml:"num_kv_blocks"`

	// CacheSize is the total KV cache size in GiB. Used only when
	// NumKVBlocks is zero.
	CacheSize int `yaml:"cache_size"`

	// BlockSize is the number of tokens per KV block.
	BlockSize int `yaml:"block_size"`

	// DynamicSplitFuse interleaves prompt prefill slices with decode work of
	// other requests instead of serializing a full prefill per request.
	DynamicSplitFuse bool `yaml:"dynamic_split_fuse"`

	// MaxNumSeqs caps the number of concurrently scheduled sequences.
	MaxNumSeqs int `yaml:"max_num_seqs"`

	// EnablePrefixCaching keeps released KV blocks resident so requests
	// sharing a token prefix reuse them instead of recomputing.
	EnablePrefixCaching bool `yaml:"enable_prefix_caching"`
}

// NewSchedulerConfig returns vLLM-like defaults.
func NewSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxNumBatchedTokens: 256,
		NumKVBlocks:         0,
		CacheSize:           1,
		BlockSize:           16,
		DynamicSplitFuse:    true,
		MaxNumSeqs:          256,
	}
}

// kvBlockCount resolves the block pool size. NumKVBlocks wins when set;
// otherwise the count is derived from CacheSize and BlockSize.
func (c SchedulerConfig) kvBlockCount() int {
	if c.NumKVBlocks > 0 {
		return c.NumKVBlocks
	}
	blockBytes := int64(c.BlockSize) * defaultBytesPerToken
	return int(int64(c.CacheSize) << 30 / blockBytes)
}

// Validate checks the capacity knobs before pipeline construction.
func (c SchedulerConfig) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be > 0, got %d", c.BlockSize)
	}
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("max_num_batched_tokens must be > 0, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("max_num_seqs must be > 0, got %d", c.MaxNumSeqs)
	}
	if c.NumKVBlocks < 0 {
		return fmt.Errorf("num_kv_blocks must be >= 0, got %d", c.NumKVBlocks)
	}
	if c.kvBlockCount() <= 0 {
		return fmt.Errorf("no KV capacity: num_kv_blocks=%d cache_size=%dGiB block_size=%d",
			c.NumKVBlocks, c.CacheSize, c.BlockSize)
	}
	return nil
}

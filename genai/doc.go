// Package genai provides a continuous-batching text generation engine.
//
// # Reading Guide
//
// Start with these three files to understand the engine core:
//   - request.go: Request lifecycle (RUNNING → FINISHED/IGNORED/DROPPED) and result records
//   - kvcache.go: Block allocator with ref-counted sharing, prefix caching, and LRU eviction
//   - scheduler.go: Batch formation under token budgets, the per-step tick, and stop handling
//
// # Architecture
//
// The engine interleaves many requests over one model by scheduling work per
// decoding step rather than per request. Each Step forms a batch in two
// phases (continue running sequences, then admit from the wait queue in FCFS
// order), runs the model executor exactly once, selects next tokens per the
// request's decoding mode, and applies stop checks.
//
// Layers, from the bottom up:
//   - BlockAllocator: fixed pool of KV blocks; sharing via reference counts
//   - Scheduler: single-writer tick over the wait queue and running batch
//   - ContinuousBatchingPipeline: concurrency-safe AddRequest/Step surface
//   - LLMPipeline: text in/text out, chat sessions, per-call config overrides
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - ModelExecutor: one forward pass per assembled batch
//   - Tokenizer: text/token conversion and chat template rendering
//   - Streamer: per-token delivery with cooperative cancellation
//
// The genai/toy package provides deterministic implementations of
// ModelExecutor and Tokenizer for running the engine without model weights.
package genai

// LLMPipeline is the high-level text-in/text-out surface over the
// continuous-batching engine: per-call config resolution, chat sessions with
// template rendering, and decoded or encoded result records.

package genai

import (
	"fmt"
)

// DecodedResults is the outcome of a text-mode generate call: detokenized
// outputs with per-sequence scores, plus the pipeline's performance counters
// at completion time.
type DecodedResults struct {
	Texts  []string
	Scores []float64
	Perf   PerfMetrics
}

// EncodedResults is the outcome of a token-mode generate call.
type EncodedResults struct {
	Tokens [][]int64
	Scores []float64
	Perf   PerfMetrics
}

// LLMPipeline serves one-shot and chat generation over text or token
// inputs. It is a thin layer over ContinuousBatchingPipeline and is not safe
// for concurrent use; concurrent callers should share the underlying
// batching pipeline directly.
type LLMPipeline struct {
	cb        *ContinuousBatchingPipeline
	tokenizer Tokenizer
	config    GenerationConfig

	chatActive   bool
	chatHistory  ChatHistory
	chatTemplate string
}

// NewLLMPipeline assembles the pipeline. The tokenizer is required: text
// surfaces cannot operate without one.
func NewLLMPipeline(schedConfig SchedulerConfig, defaults GenerationConfig,
	executor ModelExecutor, tokenizer Tokenizer) (*LLMPipeline, error) {

	if tokenizer == nil {
		return nil, fmt.Errorf("llm pipeline requires a tokenizer")
	}
	cb, err := NewContinuousBatchingPipeline(schedConfig, defaults, executor, tokenizer)
	if err != nil {
		return nil, err
	}
	return &LLMPipeline{cb: cb, tokenizer: tokenizer, config: defaults}, nil
}

// GetTokenizer returns the pipeline's tokenizer.
func (l *LLMPipeline) GetTokenizer() Tokenizer { return l.tokenizer }

// GetGenerationConfig returns the pipeline-level default parameters.
func (l *LLMPipeline) GetGenerationConfig() GenerationConfig { return l.config }

// SetGenerationConfig replaces the pipeline-level defaults after validation.
func (l *LLMPipeline) SetGenerationConfig(config GenerationConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	l.config = config
	return nil
}

// SetChatTemplate overrides the template used to render chat histories.
// Empty selects the tokenizer's default.
func (l *LLMPipeline) SetChatTemplate(template string) { l.chatTemplate = template }

// StartChat begins a chat session. Subsequent text generate calls carry the
// full conversation; an optional system message seeds the history. Starting
// a new session discards the previous one.
func (l *LLMPipeline) StartChat(systemMessage string) {
	l.chatActive = true
	l.chatHistory = nil
	if systemMessage != "" {
		l.chatHistory = append(l.chatHistory, ChatMessage{Role: "system", Content: systemMessage})
	}
}

// FinishChat ends the chat session and clears its history.
func (l *LLMPipeline) FinishChat() {
	l.chatActive = false
	l.chatHistory = nil
}

// resolve builds the effective config for one call: pipeline defaults plus
// per-call named overrides, with unknown keys rejected.
func (l *LLMPipeline) resolve(overrides []ConfigOverride) (GenerationConfig, error) {
	return ResolveGenerationConfig(&l.config, overrides)
}

// Generate runs one text-mode generation: a single prompt or a prompt batch.
// In an active chat session the input must be a single prompt; it is
// appended to the history and the rendered conversation becomes the model
// prompt. Per-call overrides are resolved against the pipeline defaults.
func (l *LLMPipeline) Generate(input Input, overrides []ConfigOverride, streamer Streamer) (*DecodedResults, error) {
	config, err := l.resolve(overrides)
	if err != nil {
		return nil, err
	}

	var prompts []string
	switch input.Kind() {
	case InputText:
		text, err := input.Text()
		if err != nil {
			return nil, err
		}
		prompts = []string{text}
	case InputTextBatch:
		if l.chatActive {
			return nil, fmt.Errorf("chat mode accepts a single prompt, not a batch")
		}
		prompts, err = input.Texts()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("text generate requires a text input; use GenerateTokens for token ids")
	}

	if l.chatActive {
		l.chatHistory = append(l.chatHistory, ChatMessage{Role: "user", Content: prompts[0]})
		rendered, err := l.tokenizer.ApplyChatTemplate(l.chatHistory, true, l.chatTemplate)
		if err != nil {
			l.chatHistory = l.chatHistory[:len(l.chatHistory)-1]
			return nil, fmt.Errorf("chat template: %w", err)
		}
		prompts[0] = rendered
	}

	inputs := make([]Input, len(prompts))
	for i, prompt := range prompts {
		inputs[i] = TextInput(prompt)
	}
	results, err := l.cb.Generate(inputs, []GenerationConfig{config}, streamer)
	if err != nil {
		if l.chatActive {
			l.chatHistory = l.chatHistory[:len(l.chatHistory)-1]
		}
		return nil, err
	}

	decoded := &DecodedResults{Perf: l.cb.Metrics()}
	for _, result := range results {
		if result.Status != StatusFinished {
			return nil, fmt.Errorf("request %d terminated with status %s", result.RequestID, result.Status)
		}
		decoded.Texts = append(decoded.Texts, result.Texts...)
		decoded.Scores = append(decoded.Scores, result.Scores...)
	}

	if l.chatActive {
		l.chatHistory = append(l.chatHistory, ChatMessage{Role: "assistant", Content: decoded.Texts[0]})
	}
	return decoded, nil
}

// GenerateTokens runs one token-mode generation over pre-tokenized input,
// skipping tokenization and detokenization entirely.
func (l *LLMPipeline) GenerateTokens(input Input, overrides []ConfigOverride) (*EncodedResults, error) {
	config, err := l.resolve(overrides)
	if err != nil {
		return nil, err
	}
	if l.chatActive {
		return nil, fmt.Errorf("chat mode operates on text input")
	}

	var inputs []Input
	switch input.Kind() {
	case InputTokens:
		inputs = []Input{input}
	case InputTokenBatch:
		batch, err := input.TokenBatch()
		if err != nil {
			return nil, err
		}
		for _, tokens := range batch {
			inputs = append(inputs, TokenInput(tokens))
		}
	default:
		return nil, fmt.Errorf("token generate requires token ids; use Generate for text")
	}

	results, err := l.cb.Generate(inputs, []GenerationConfig{config}, nil)
	if err != nil {
		return nil, err
	}

	encoded := &EncodedResults{Perf: l.cb.Metrics()}
	for _, result := range results {
		if result.Status != StatusFinished {
			return nil, fmt.Errorf("request %d terminated with status %s", result.RequestID, result.Status)
		}
		encoded.Tokens = append(encoded.Tokens, result.TokenIDs...)
		encoded.Scores = append(encoded.Scores, result.Scores...)
	}
	return encoded, nil
}

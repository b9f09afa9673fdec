package genai

import "fmt"

// InputKind tags the recognized input variants of a generate call.
type InputKind int

const (
	InputText InputKind = iota
	InputTextBatch
	InputTokens
	InputTokenBatch
)

// Input is a tagged variant over the recognized input kinds: a single prompt
// string, a batch of prompt strings, one pre-tokenized prompt, or a batch of
// pre-tokenized prompts. Pipelines dispatch on Kind with one handler per
// kind; there is no dynamic type inspection at call sites.
type Input struct {
	kind       InputKind
	text       string
	texts      []string
	tokens     []int64
	tokenBatch [][]int64
}

// TextInput wraps a single prompt string.
func TextInput(prompt string) Input {
	return Input{kind: InputText, text: prompt}
}

// TextBatchInput wraps a batch of prompt strings.
func TextBatchInput(prompts []string) Input {
	return Input{kind: InputTextBatch, texts: prompts}
}

// TokenInput wraps one pre-tokenized prompt.
func TokenInput(tokens []int64) Input {
	return Input{kind: InputTokens, tokens: tokens}
}

// TokenBatchInput wraps a batch of pre-tokenized prompts.
func TokenBatchInput(batch [][]int64) Input {
	return Input{kind: InputTokenBatch, tokenBatch: batch}
}

// Kind reports which variant is set.
func (in Input) Kind() InputKind { return in.kind }

// Text returns the single-prompt member.
func (in Input) Text() (string, error) {
	if in.kind != InputText {
		return "", fmt.Errorf("input is not a single prompt (kind %d)", in.kind)
	}
	return in.text, nil
}

// Texts returns the prompt-batch member.
func (in Input) Texts() ([]string, error) {
	if in.kind != InputTextBatch {
		return nil, fmt.Errorf("input is not a prompt batch (kind %d)", in.kind)
	}
	return in.texts, nil
}

// Tokens returns the pre-tokenized member.
func (in Input) Tokens() ([]int64, error) {
	if in.kind != InputTokens {
		return nil, fmt.Errorf("input is not tokenized (kind %d)", in.kind)
	}
	return in.tokens, nil
}

// TokenBatch returns the pre-tokenized batch member.
func (in Input) TokenBatch() ([][]int64, error) {
	if in.kind != InputTokenBatch {
		return nil, fmt.Errorf("input is not a tokenized batch (kind %d)", in.kind)
	}
	return in.tokenBatch, nil
}

// IsTokenized reports whether results should stay in encoded form.
func (in Input) IsTokenized() bool {
	return in.kind == InputTokens || in.kind == InputTokenBatch
}

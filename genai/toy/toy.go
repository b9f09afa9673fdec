// Package toy provides a self-contained model executor and tokenizer for
// exercising the engine without model weights: a byte-level tokenizer and a
// tiny deterministic embedding/projection network. Useful for demos, smoke
// tests, and benchmarking the scheduler itself.
package toy

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/genserve/genserve/genai"
)

// EOSTokenID is the end-of-sequence id reserved by the byte tokenizer.
const EOSTokenID int64 = 0

// byteOffset shifts byte values up so id 0 stays reserved for EOS.
const byteOffset = 1

// VocabSize covers EOS plus every byte value.
const VocabSize = 257

// Tokenizer is a byte-level tokenizer: one token per input byte. It never
// fails on Encode and decodes unknown ids to nothing.
type Tokenizer struct{}

func (Tokenizer) Encode(text string) ([]int64, error) {
	tokens := make([]int64, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int64(text[i]) + byteOffset
	}
	return tokens, nil
}

func (Tokenizer) Decode(tokens []int64) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token < byteOffset || token >= VocabSize {
			continue
		}
		sb.WriteByte(byte(token - byteOffset))
	}
	return sb.String(), nil
}

// ApplyChatTemplate renders a plain-text conversation transcript. The
// template argument is ignored; the toy tokenizer has exactly one format.
func (Tokenizer) ApplyChatTemplate(history genai.ChatHistory, addGenerationPrompt bool, _ string) (string, error) {
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

// Model is a deterministic stand-in for a language model: an embedding
// lookup for the last token of each entry, a projection back to vocab
// logits, and a small position term so generations do not cycle. Weights
// derive from the seed, so a given (seed, prompt, config) triple always
// produces the same output.
type Model struct {
	vocab  int
	hidden int
	emb    [][]float32 // [vocab][hidden]
	proj   [][]float32 // [hidden][vocab]
}

// NewModel builds a model over the byte tokenizer's vocabulary.
func NewModel(hidden int, seed int64) *Model {
	m := &Model{vocab: VocabSize, hidden: hidden}
	rng := rand.New(rand.NewSource(seed))
	m.emb = make([][]float32, m.vocab)
	for i := range m.emb {
		m.emb[i] = make([]float32, hidden)
		for j := range m.emb[i] {
			m.emb[i][j] = rng.Float32()*2 - 1
		}
	}
	m.proj = make([][]float32, hidden)
	for i := range m.proj {
		m.proj[i] = make([]float32, m.vocab)
		for j := range m.proj[i] {
			m.proj[i][j] = rng.Float32()*2 - 1
		}
	}
	return m
}

// Forward computes logits per batch entry from its last scheduled token.
func (m *Model) Forward(batch []genai.BatchEntry) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, entry := range batch {
		if len(entry.Tokens) == 0 {
			return nil, fmt.Errorf("entry %d (sequence %d): no tokens", i, entry.SequenceID)
		}
		last := entry.Tokens[len(entry.Tokens)-1]
		if last < 0 || last >= int64(m.vocab) {
			return nil, fmt.Errorf("entry %d: token %d outside vocab %d", i, last, m.vocab)
		}
		pos := entry.Position + len(entry.Tokens)
		out[i] = m.logits(last, pos)
	}
	return out, nil
}

func (m *Model) logits(token int64, pos int) []float32 {
	h := m.emb[token]
	logits := make([]float32, m.vocab)
	for j := 0; j < m.vocab; j++ {
		var sum float32
		for i := 0; i < m.hidden; i++ {
			sum += h[i] * m.proj[i][j]
		}
		// Position term keeps long greedy runs from settling into a cycle.
		logits[j] = sum + 0.03*float32((pos*31+j)%17)
	}
	return logits
}

package genai

import (
	"fmt"
	"strings"
	"testing"
)

// byteMapTokenizer decodes each token id to a fixed byte string; used to
// drive multi-byte characters across token boundaries.
type byteMapTokenizer struct {
	vocab map[int64]string
}

func (m byteMapTokenizer) Encode(text string) ([]int64, error) {
	return nil, fmt.Errorf("not used")
}

func (m byteMapTokenizer) Decode(tokens []int64) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		piece, ok := m.vocab[token]
		if !ok {
			return "", fmt.Errorf("unknown token %d", token)
		}
		sb.WriteString(piece)
	}
	return sb.String(), nil
}

func (m byteMapTokenizer) ApplyChatTemplate(ChatHistory, bool, string) (string, error) {
	return "", fmt.Errorf("not used")
}

func TestTextStreamer_HoldsIncompleteUTF8UntilComplete(t *testing.T) {
	// GIVEN a character split across two tokens: U+4E2D is E4 B8 AD
	tok := byteMapTokenizer{vocab: map[int64]string{
		1: "a\xe4",
		2: "\xb8\xadb",
	}}
	var chunks []string
	s := NewTextStreamer(tok, func(chunk string) bool {
		chunks = append(chunks, chunk)
		return false
	})

	// WHEN the first token arrives
	s.Put(1)

	// THEN only the complete prefix is forwarded; the partial byte is withheld
	if len(chunks) != 1 || chunks[0] != "a" {
		t.Fatalf("expected [a], got %q", chunks)
	}

	// WHEN the continuation bytes arrive
	s.Put(2)

	// THEN the completed character flushes in one piece
	if len(chunks) != 2 || chunks[1] != "中b" {
		t.Fatalf("expected completed character, got %q", chunks)
	}
}

func TestTextStreamer_EndReplacesTruncatedUnit(t *testing.T) {
	// GIVEN a stream that terminates mid-character
	tok := byteMapTokenizer{vocab: map[int64]string{1: "x\xe4\xb8"}}
	var out strings.Builder
	s := NewTextStreamer(tok, func(chunk string) bool {
		out.WriteString(chunk)
		return false
	})
	s.Put(1)

	// WHEN the stream ends
	s.End()

	// THEN the truncated unit becomes a single replacement character
	if got := out.String(); got != "x�" {
		t.Fatalf("expected x followed by U+FFFD, got %q", got)
	}
}

func TestTextStreamer_EndWithEmptyBufferEmitsNothing(t *testing.T) {
	tok := byteMapTokenizer{vocab: map[int64]string{1: "ok"}}
	calls := 0
	s := NewTextStreamer(tok, func(chunk string) bool {
		calls++
		return false
	})
	s.Put(1)
	s.End()
	if calls != 1 {
		t.Fatalf("End with nothing pending must not call back, got %d calls", calls)
	}
}

func TestTextStreamer_CallbackCancellationPropagates(t *testing.T) {
	tok := byteMapTokenizer{vocab: map[int64]string{1: "stop"}}
	s := NewTextStreamer(tok, func(chunk string) bool { return true })
	if !s.Put(1) {
		t.Error("callback cancellation must propagate through Put")
	}
}

func TestTextStreamer_UndecodableTokenKeepsStreamHealthy(t *testing.T) {
	tok := byteMapTokenizer{vocab: map[int64]string{1: "ab"}}
	var out strings.Builder
	s := NewTextStreamer(tok, func(chunk string) bool {
		out.WriteString(chunk)
		return false
	})
	if s.Put(99) {
		t.Error("undecodable token must not cancel the stream")
	}
	s.Put(1)
	if out.String() != "ab" {
		t.Fatalf("stream should continue after a bad token, got %q", out.String())
	}
}

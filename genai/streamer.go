package genai

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Streamer consumes newly generated tokens for a sequence. Any type with
// both methods can be attached; no base-class machinery is involved.
//
// Put is called for every new token and returns true to request that
// generation stop early for that sequence. The cancellation is cooperative:
// it is observed at the next token boundary, not preemptively, and has no
// effect on other sequences in the same batch.
//
// End is called exactly once per request, on normal completion, early stop,
// and IGNORED/dropped termination alike, giving the consumer a
// deterministic flush point. Put runs inline within Step, so it must not
// perform unbounded blocking work.
type Streamer interface {
	Put(token int64) bool
	End()
}

// TextStreamer detokenizes incrementally and forwards text chunks to a
// callback. Token boundaries rarely align with character boundaries: a
// token may end mid way through a multi-byte UTF-8 character. Incomplete
// trailing bytes are withheld until more bytes arrive rather than surfaced
// as a decode error; at End any still-incomplete unit is emitted with the
// replacement character instead of being dropped.
type TextStreamer struct {
	tokenizer Tokenizer
	callback  func(chunk string) bool
	pending   bytes.Buffer
}

// NewTextStreamer attaches callback to a tokenizer. The callback's boolean
// has Put semantics: true stops generation for the sequence.
func NewTextStreamer(tokenizer Tokenizer, callback func(chunk string) bool) *TextStreamer {
	return &TextStreamer{tokenizer: tokenizer, callback: callback}
}

// Put decodes the token, flushes the longest valid UTF-8 prefix currently
// buffered, and forwards it.
func (t *TextStreamer) Put(token int64) bool {
	text, err := t.tokenizer.Decode([]int64{token})
	if err != nil {
		// A token id the tokenizer cannot decode contributes no bytes; the
		// stream itself stays healthy.
		return false
	}
	t.pending.WriteString(text)
	chunk := flushValidUTF8Prefix(&t.pending)
	if chunk == "" {
		return false
	}
	return t.callback(chunk)
}

// End flushes any withheld bytes. A truncated trailing multi-byte unit is
// replaced with U+FFFD; nothing is silently dropped.
func (t *TextStreamer) End() {
	if t.pending.Len() == 0 {
		return
	}
	trailing := strings.ToValidUTF8(t.pending.String(), string(utf8.RuneError))
	t.pending.Reset()
	t.callback(trailing)
}

// flushValidUTF8Prefix returns and consumes the longest valid UTF-8 prefix
// currently buffered, leaving any incomplete trailing bytes in place.
func flushValidUTF8Prefix(b *bytes.Buffer) string {
	data := b.Bytes()
	if len(data) == 0 {
		return ""
	}
	prefix := validUTF8PrefixLen(data)
	if prefix == 0 {
		return ""
	}
	text := string(data[:prefix])
	b.Next(prefix)
	return text
}

func validUTF8PrefixLen(data []byte) int {
	i := 0
	prefix := 0
	for i < len(data) {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(data[i:]) {
				break
			}
			// Invalid byte mid-stream; consume it to guarantee progress.
			i++
			prefix = i
			continue
		}
		i += size
		prefix = i
	}
	return prefix
}

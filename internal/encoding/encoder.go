package encoding

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"finetune/internal/config"
	"finetune/internal/errs"
)

// TokenSequence is one encoded example. IDs always has the encoder's
// maximum length; positions at or after Len hold the pad id.
type TokenSequence struct {
	IDs       []int
	Len       int
	Truncated bool
}

// Content returns the tokens between the start and end markers.
func (s TokenSequence) Content() []int {
	return s.IDs[1 : s.Len-1]
}

// Tokens returns the real tokens, markers included.
func (s TokenSequence) Tokens() []int {
	return s.IDs[:s.Len]
}

// EndIndex is the position of the end marker, whose hidden state feeds the
// classification head.
func (s TokenSequence) EndIndex() int {
	return s.Len - 1
}

// Encoder wraps a tokenizer with marker insertion, truncation and padding.
type Encoder struct {
	tok    Tokenizer
	maxLen int
	side   string
}

func NewEncoder(tok Tokenizer, maxLen int, truncation string) (*Encoder, error) {
	if maxLen < 3 {
		return nil, errs.Invalid("max_sequence_length", "must be at least 3, got %d", maxLen)
	}
	if truncation != config.TruncateRight && truncation != config.TruncateLeft {
		return nil, errs.Invalid("truncation", "unknown side %q", truncation)
	}
	return &Encoder{tok: tok, maxLen: maxLen, side: truncation}, nil
}

func (e *Encoder) Tokenizer() Tokenizer { return e.tok }

func (e *Encoder) MaxLen() int { return e.maxLen }

// Encode turns one text into a TokenSequence.
func (e *Encoder) Encode(text string) (TokenSequence, error) {
	seq, reason := e.encode(text)
	if reason != "" {
		return TokenSequence{}, &errs.EncodingError{Index: -1, Reason: reason}
	}
	return seq, nil
}

// EncodeAll encodes every text, failing on the first bad example with its
// index.
func (e *Encoder) EncodeAll(phase string, texts []string) ([]TokenSequence, error) {
	out := make([]TokenSequence, len(texts))
	for i, text := range texts {
		seq, reason := e.encode(text)
		if reason != "" {
			return nil, &errs.EncodingError{Phase: phase, Index: i, Reason: reason}
		}
		out[i] = seq
	}
	return out, nil
}

func (e *Encoder) encode(text string) (TokenSequence, string) {
	ids, reason := e.content(text)
	if reason != "" {
		return TokenSequence{}, reason
	}
	room := e.maxLen - 2
	truncated := len(ids) > room
	if truncated {
		ids = e.cut(ids, room)
		if e.blank(ids) {
			return TokenSequence{}, "text has no content left after truncation"
		}
	}
	return e.assemble([][]int{ids}, truncated), ""
}

// EncodeFields encodes the fields of one multi-field example as a single
// sequence: start marker, each field separated by the end marker, and a
// final end marker.
func (e *Encoder) EncodeFields(fields []string) (TokenSequence, error) {
	seq, reason := e.encodeFields(fields)
	if reason != "" {
		return TokenSequence{}, &errs.EncodingError{Index: -1, Reason: reason}
	}
	return seq, nil
}

// EncodeFieldsAll is EncodeAll for multi-field examples.
func (e *Encoder) EncodeFieldsAll(phase string, rows [][]string) ([]TokenSequence, error) {
	out := make([]TokenSequence, len(rows))
	for i, fields := range rows {
		seq, reason := e.encodeFields(fields)
		if reason != "" {
			return nil, &errs.EncodingError{Phase: phase, Index: i, Reason: reason}
		}
		out[i] = seq
	}
	return out, nil
}

func (e *Encoder) encodeFields(fields []string) (TokenSequence, string) {
	if len(fields) == 0 {
		return TokenSequence{}, "example has no fields"
	}
	room := e.maxLen - 1 - len(fields)
	if room < len(fields) {
		return TokenSequence{}, fmt.Sprintf("%d fields do not fit in %d tokens", len(fields), e.maxLen)
	}

	parts := make([][]int, len(fields))
	lens := make([]int, len(fields))
	for i, f := range fields {
		ids, reason := e.content(f)
		if reason != "" {
			return TokenSequence{}, fmt.Sprintf("field %d: %s", i, reason)
		}
		parts[i], lens[i] = ids, len(ids)
	}

	truncated := false
	for i, n := range shares(lens, room) {
		if n == lens[i] {
			continue
		}
		truncated = true
		parts[i] = e.cut(parts[i], n)
		if e.blank(parts[i]) {
			return TokenSequence{}, fmt.Sprintf("field %d: no content left after truncation", i)
		}
	}
	return e.assemble(parts, truncated), ""
}

// shares splits a shared token budget across fields. Short fields keep
// every token; the rest are cut to a common length, with any remainder
// going to the earliest long fields.
func shares(lens []int, room int) []int {
	out := slices.Clone(lens)
	if capped(lens, math.MaxInt) <= room {
		return out
	}
	lo, hi := 0, slices.Max(lens)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if capped(lens, mid) <= room {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	left := room - capped(lens, lo)
	for i, n := range lens {
		out[i] = min(n, lo)
		if n > lo && left > 0 {
			out[i]++
			left--
		}
	}
	return out
}

func capped(lens []int, c int) int {
	total := 0
	for _, n := range lens {
		total += min(n, c)
	}
	return total
}

// cut keeps n tokens from the configured side.
func (e *Encoder) cut(ids []int, n int) []int {
	if e.side == config.TruncateLeft {
		return ids[len(ids)-n:]
	}
	return ids[:n]
}

// blank reports whether ids decode to whitespace only.
func (e *Encoder) blank(ids []int) bool {
	return strings.TrimSpace(e.tok.Decode(ids)) == ""
}

// assemble lays out the markers, the content of each part and the padding.
func (e *Encoder) assemble(parts [][]int, truncated bool) TokenSequence {
	sp := e.tok.Specials()
	seq := TokenSequence{IDs: make([]int, e.maxLen), Truncated: truncated}
	seq.IDs[0] = sp.Start
	n := 1
	for _, ids := range parts {
		n += copy(seq.IDs[n:], ids)
		seq.IDs[n] = sp.End
		n++
	}
	seq.Len = n
	for i := n; i < e.maxLen; i++ {
		seq.IDs[i] = sp.Pad
	}
	return seq
}

func (e *Encoder) content(text string) ([]int, string) {
	if !utf8.ValidString(text) {
		return nil, "text is not valid UTF-8"
	}
	if strings.TrimSpace(text) == "" {
		return nil, "text is empty"
	}
	ids, err := e.tok.Tokenize(text)
	if err != nil {
		return nil, fmt.Sprintf("tokenize: %v", err)
	}
	if len(ids) == 0 {
		return nil, "text produced no tokens"
	}
	return ids, ""
}

// Prompt encodes a generation prefix: the start marker followed by the
// content tokens, keeping the most recent maxLen-1 of them.
func (e *Encoder) Prompt(text string) ([]int, error) {
	out := []int{e.tok.Specials().Start}
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	ids, reason := e.content(text)
	if reason != "" {
		return nil, &errs.EncodingError{Phase: "generate", Index: -1, Reason: reason}
	}
	if len(ids) > e.maxLen-1 {
		ids = ids[len(ids)-(e.maxLen-1):]
	}
	return append(out, ids...), nil
}

// Decode maps the content tokens of a sequence back to text.
func (e *Encoder) Decode(seq TokenSequence) string {
	return e.tok.Decode(seq.Content())
}

// DecodeIDs maps raw ids back to text, skipping markers.
func (e *Encoder) DecodeIDs(ids []int) string {
	return e.tok.Decode(slices.Clone(ids))
}

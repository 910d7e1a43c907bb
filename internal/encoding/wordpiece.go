package encoding

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"

	"finetune/internal/config"
)

// WordPiece is a BERT-style subword tokenizer read from a vocab.txt file.
type WordPiece struct {
	t        *tk.Tokenizer
	vocab    []string
	specials Specials
	raw      []byte
}

// LoadWordPiece reads a vocab.txt file.
func LoadWordPiece(path string) (*WordPiece, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return NewWordPiece(raw)
}

// NewWordPiece builds a tokenizer from the contents of a vocab.txt file.
// The vocabulary must contain [CLS], [SEP], [PAD] and [UNK].
func NewWordPiece(raw []byte) (*WordPiece, error) {
	vocab, err := parseVocab(raw)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]int, len(vocab))
	for i, tok := range vocab {
		ids[tok] = i
	}
	var sp Specials
	for _, m := range []struct {
		tok string
		dst *int
	}{{"[CLS]", &sp.Start}, {"[SEP]", &sp.End}, {"[PAD]", &sp.Pad}, {"[UNK]", &sp.Unk}} {
		id, ok := ids[m.tok]
		if !ok {
			return nil, fmt.Errorf("vocabulary has no %s token", m.tok)
		}
		*m.dst = id
	}

	// The library only loads vocabularies from disk.
	f, err := os.CreateTemp("", "vocab-*.txt")
	if err != nil {
		return nil, fmt.Errorf("stage vocabulary: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return nil, fmt.Errorf("stage vocabulary: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("stage vocabulary: %w", err)
	}

	wp, err := wordpiece.NewWordPieceFromFile(f.Name(), "[UNK]")
	if err != nil {
		return nil, fmt.Errorf("load wordpiece model: %w", err)
	}
	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	return &WordPiece{t: t, vocab: vocab, specials: sp, raw: bytes.Clone(raw)}, nil
}

func parseVocab(raw []byte) ([]string, error) {
	lines := strings.Split(strings.TrimRight(string(raw), "\r\n"), "\n")
	vocab := make([]string, 0, len(lines))
	for i, line := range lines {
		tok := strings.TrimSpace(line)
		if tok == "" {
			return nil, fmt.Errorf("vocabulary line %d is empty", i+1)
		}
		vocab = append(vocab, tok)
	}
	return vocab, nil
}

func (w *WordPiece) Name() string { return config.TokenizerWordPiece }

func (w *WordPiece) VocabSize() int { return len(w.vocab) }

func (w *WordPiece) Specials() Specials { return w.specials }

func (w *WordPiece) VocabBytes() []byte { return bytes.Clone(w.raw) }

func (w *WordPiece) Tokenize(text string) ([]int, error) {
	enc, err := w.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
	if err != nil {
		return nil, err
	}
	return enc.GetIds(), nil
}

// Decode joins word pieces, gluing "##" continuations to the previous piece.
func (w *WordPiece) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(w.vocab) || id == w.specials.Start || id == w.specials.End || id == w.specials.Pad {
			continue
		}
		tok := w.vocab[id]
		if rest, ok := strings.CutPrefix(tok, "##"); ok && b.Len() > 0 {
			b.WriteString(rest)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

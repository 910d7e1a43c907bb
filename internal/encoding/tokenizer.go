// Package encoding turns raw text into fixed-length token sequences.
package encoding

import (
	"fmt"
	"strings"
	"unicode"

	"finetune/internal/config"
)

// Specials holds the ids of the marker tokens.
type Specials struct {
	Start int
	End   int
	Pad   int
	Unk   int
}

// Tokenizer is a pretrained vocabulary. Tokenize returns content tokens only;
// the Encoder adds the markers.
type Tokenizer interface {
	Name() string
	VocabSize() int
	Specials() Specials
	Tokenize(text string) ([]int, error)
	Decode(ids []int) string
}

// VocabFile is implemented by tokenizers whose vocabulary must travel with a
// saved model.
type VocabFile interface {
	VocabBytes() []byte
}

// FromConfig builds the tokenizer named by cfg.Tokenizer.
func FromConfig(cfg config.Config) (Tokenizer, error) {
	switch cfg.Tokenizer {
	case config.TokenizerRunes:
		return NewRunes(), nil
	case config.TokenizerWordPiece:
		return LoadWordPiece(cfg.VocabPath)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", cfg.Tokenizer)
	}
}

// Runes is a byte-sized character vocabulary: the 256 Latin-1 code points
// followed by the four marker tokens.
type Runes struct{}

const (
	runePad = 256 + iota
	runeUnk
	runeStart
	runeEnd
	runeVocab
)

func NewRunes() Runes { return Runes{} }

func (Runes) Name() string { return config.TokenizerRunes }

func (Runes) VocabSize() int { return runeVocab }

func (Runes) Specials() Specials {
	return Specials{Start: runeStart, End: runeEnd, Pad: runePad, Unk: runeUnk}
}

func (Runes) Tokenize(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			ids = append(ids, ' ')
		case r < 256:
			ids = append(ids, int(r))
		default:
			ids = append(ids, runeUnk)
		}
	}
	return ids, nil
}

func (Runes) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id >= 0 && id < 256:
			b.WriteRune(rune(id))
		case id == runeUnk:
			b.WriteRune(unicode.ReplacementChar)
		}
	}
	return b.String()
}

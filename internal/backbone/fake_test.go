package backbone

import "finetune/internal/encoding"

type fakeTokenizer struct{}

func (fakeTokenizer) Name() string { return "fake" }

func (fakeTokenizer) VocabSize() int { return 10 }

func (fakeTokenizer) Specials() encoding.Specials {
	return encoding.Specials{Start: 6, End: 7, Pad: 9, Unk: 8}
}

func (fakeTokenizer) Tokenize(string) ([]int, error) { return []int{1}, nil }

func (fakeTokenizer) Decode([]int) string { return "" }

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONL(t *testing.T) {
	in := `{"text": "great movie", "label": "pos"}

{"text": "hated it", "label": "neg"}
`
	got, err := parseExamples(strings.NewReader(in), ".jsonl")
	require.NoError(t, err)
	assert.Equal(t, []Example{{Text: "great movie", Label: "pos"}, {Text: "hated it", Label: "neg"}}, got)

	_, err = parseExamples(strings.NewReader("{oops"), ".jsonl")
	assert.ErrorContains(t, err, "line 1")
}

func TestParseTSV(t *testing.T) {
	got, err := parseExamples(strings.NewReader("pos\tgreat\tmovie\r\nneg\thated it\n"), ".tsv")
	require.NoError(t, err)
	assert.Equal(t, []Example{{Text: "great\tmovie", Label: "pos"}, {Text: "hated it", Label: "neg"}}, got)

	_, err = parseExamples(strings.NewReader("no tab here"), ".tsv")
	assert.ErrorContains(t, err, "label<TAB>text")
}

func TestParsePlainTextCollapsesWhitespace(t *testing.T) {
	got, err := parseExamples(strings.NewReader("  the   cat\tsat \n\nthe end\n"), ".txt")
	require.NoError(t, err)
	assert.Equal(t, []Example{{Text: "the cat sat"}, {Text: "the end"}}, got)
}

func TestReadExamplesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.tsv")
	require.NoError(t, os.WriteFile(path, []byte("a\tx\nb\ty\n"), 0o644))
	got, err := readExamples(path)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	empty := filepath.Join(t.TempDir(), "empty.tsv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = readExamples(empty)
	assert.ErrorContains(t, err, "no examples")
}

func TestSplit(t *testing.T) {
	texts, labels, err := split([]Example{{Text: "x", Label: "a"}, {Text: "y", Label: "b"}}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, texts)
	assert.Equal(t, []string{"a", "b"}, labels)

	_, _, err = split([]Example{{Text: "x"}}, true)
	assert.ErrorContains(t, err, "example 0")

	texts, labels, err = split([]Example{{Text: "x"}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, texts)
	assert.Nil(t, labels)
}

func TestFieldRows(t *testing.T) {
	in := `{"fields": ["any good", "loved it"], "label": "pos"}
{"fields": ["any good", "hated it"], "label": "neg"}
`
	got, err := parseExamples(strings.NewReader(in), ".jsonl")
	require.NoError(t, err)
	rows, err := fieldRows(got)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"any good", "loved it"}, {"any good", "hated it"}}, rows)

	rows, err = fieldRows([]Example{{Text: "x"}})
	require.NoError(t, err)
	assert.Nil(t, rows)

	_, err = fieldRows([]Example{{Text: "x"}, {Fields: []string{"a", "b"}}})
	assert.ErrorContains(t, err, "example 1")
	_, err = fieldRows([]Example{{Fields: []string{"a"}}, {Text: "x"}})
	assert.ErrorContains(t, err, "example 1")
}

func TestWriteJSONLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSONLines(&buf, []Example{{Text: "x", Label: "a"}, {Text: "y"}}))
	assert.Equal(t, "{\"text\":\"x\",\"label\":\"a\"}\n{\"text\":\"y\"}\n", buf.String())
}

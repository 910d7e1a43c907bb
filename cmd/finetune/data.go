package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Example is one line of a data file. Multi-field examples set Fields
// instead of Text.
type Example struct {
	Text   string   `json:"text,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Label  string   `json:"label,omitempty"`
}

// readExamples loads a data file. ".jsonl" and ".json" files hold one
// {"text", "label"} or {"fields", "label"} object per line; ".tsv" files hold "label<TAB>text";
// anything else is read as plain text, one unlabelled example per line.
// "-" reads plain text or JSONL from stdin.
func readExamples(path string) ([]Example, error) {
	var (
		r   io.Reader
		ext = strings.ToLower(filepath.Ext(path))
	)
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			ext = ".jsonl"
		}
		r = bytes.NewReader(data)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	examples, err := parseExamples(r, ext)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%s: no examples", path)
	}
	return examples, nil
}

func parseExamples(r io.Reader, ext string) ([]Example, error) {
	var out []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		switch ext {
		case ".jsonl", ".json":
			var ex Example
			if err := json.Unmarshal([]byte(text), &ex); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, ex)
		case ".tsv":
			label, body, ok := strings.Cut(text, "\t")
			if !ok {
				return nil, fmt.Errorf("line %d: expected label<TAB>text", line)
			}
			out = append(out, Example{Text: body, Label: label})
		default:
			out = append(out, Example{Text: strings.Join(strings.Fields(text), " ")})
		}
	}
	return out, scanner.Err()
}

// split separates texts and labels, requiring a label on every example
// when labelled is set.
func split(examples []Example, labelled bool) (texts, labels []string, err error) {
	texts = make([]string, len(examples))
	if labelled {
		labels = make([]string, len(examples))
	}
	for i, ex := range examples {
		texts[i] = ex.Text
		if !labelled {
			continue
		}
		if ex.Label == "" {
			return nil, nil, fmt.Errorf("example %d has no label", i)
		}
		labels[i] = ex.Label
	}
	return texts, labels, nil
}

// fieldRows returns the fields of every example, or nil when the examples
// are plain texts. Mixing the two shapes is an error.
func fieldRows(examples []Example) ([][]string, error) {
	if len(examples) == 0 || examples[0].Fields == nil {
		for i, ex := range examples {
			if ex.Fields != nil {
				return nil, fmt.Errorf("example %d has fields but example 0 does not", i)
			}
		}
		return nil, nil
	}
	rows := make([][]string, len(examples))
	for i, ex := range examples {
		if ex.Fields == nil {
			return nil, fmt.Errorf("example %d has no fields but example 0 does", i)
		}
		rows[i] = ex.Fields
	}
	return rows, nil
}

// writeJSONLines writes one JSON document per line.
func writeJSONLines[T any](w io.Writer, rows []T) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

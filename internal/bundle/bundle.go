// Package bundle reads and writes self-describing model archives.
//
// A bundle is a gzip-compressed tar file holding
//
//	manifest.json  format version, architecture signature, config, labels, tensor index
//	weights.gob    every tensor as a (name, shape, data) record
//	vocab.txt      the tokenizer vocabulary, for file-backed tokenizers
//
// Writes go to a temporary file in the destination directory that is renamed
// into place, so a crash never leaves a truncated bundle at the target path.
package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"finetune/internal/config"
	"finetune/internal/errs"
	"finetune/internal/params"
)

// FormatVersion is bumped on every incompatible layout change.
const FormatVersion = 1

const (
	manifestFile = "manifest.json"
	weightsFile  = "weights.gob"
	vocabFile    = "vocab.txt"
)

type Manifest struct {
	FormatVersion int              `json:"format_version"`
	BundleID      string           `json:"bundle_id"`
	CreatedAt     time.Time        `json:"created_at"`
	BuildVersion  string           `json:"build_version"`
	ArchSignature string           `json:"arch_signature"`
	Config        config.Config    `json:"config"`
	Labels        []string         `json:"labels,omitempty"`
	Tensors       map[string][]int `json:"tensors"`
	ParamCount    int              `json:"param_count"`
	Tokenizer     TokenizerInfo    `json:"tokenizer"`
	DataHash      string           `json:"data_hash,omitempty"`
}

type TokenizerInfo struct {
	Name      string `json:"name"`
	VocabSize int    `json:"vocab_size"`
	VocabFile string `json:"vocab_file,omitempty"`
}

// Bundle is the in-memory form of an archive.
type Bundle struct {
	Manifest Manifest
	Weights  *params.Set
	Vocab    []byte
}

type record struct {
	Name  string
	Shape []int
	Data  []float64
}

// BuildVersion is stamped into every manifest.
var BuildVersion = "dev"

// Write stores b at path atomically. BundleID and CreatedAt are filled in
// when empty.
func Write(path string, b *Bundle) (err error) {
	m := b.Manifest
	m.FormatVersion = FormatVersion
	m.BuildVersion = BuildVersion
	if m.BundleID == "" {
		m.BundleID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Tensors = b.Weights.Shapes()
	m.ParamCount = b.Weights.Count()
	if len(b.Vocab) > 0 {
		m.Tokenizer.VocabFile = vocabFile
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp bundle: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = encode(tmp, &m, b); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync bundle: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename bundle into place: %w", err)
	}
	b.Manifest = m
	return nil
}

func encode(w io.Writer, m *Manifest, b *Bundle) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeEntry(tw, manifestFile, manifest, m.CreatedAt); err != nil {
		return err
	}

	var weights bytes.Buffer
	records := make([]record, 0, b.Weights.Len())
	b.Weights.Each(func(name string, shape []int, data []float64) {
		records = append(records, record{Name: name, Shape: shape, Data: data})
	})
	if err := gob.NewEncoder(&weights).Encode(records); err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	if err := writeEntry(tw, weightsFile, weights.Bytes(), m.CreatedAt); err != nil {
		return err
	}

	if len(b.Vocab) > 0 {
		if err := writeEntry(tw, vocabFile, b.Vocab, m.CreatedAt); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: mod}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Read loads and verifies a bundle. The format version must match and every
// tensor listed in the manifest must be present in the weights with the
// listed shape.
func Read(path string) (*Bundle, error) {
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}

	raw, ok := entries[manifestFile]
	if !ok {
		return nil, fmt.Errorf("bundle %s: missing %s", path, manifestFile)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("bundle %s: decode manifest: %w", path, err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, &errs.IncompatibleVersionError{
			Path:  path,
			Field: "format_version",
			Got:   fmt.Sprint(m.FormatVersion),
			Want:  fmt.Sprint(FormatVersion),
		}
	}

	raw, ok = entries[weightsFile]
	if !ok {
		return nil, fmt.Errorf("bundle %s: missing %s", path, weightsFile)
	}
	var records []record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&records); err != nil {
		return nil, fmt.Errorf("bundle %s: decode weights: %w", path, err)
	}

	weights := params.New()
	for _, r := range records {
		want, listed := m.Tensors[r.Name]
		if !listed {
			return nil, fmt.Errorf("bundle %s: tensor %q is not in the manifest", path, r.Name)
		}
		if !slices.Equal(want, r.Shape) || size(r.Shape) != len(r.Data) {
			return nil, fmt.Errorf("bundle %s: tensor %q has shape %v with %d values, manifest lists %v",
				path, r.Name, r.Shape, len(r.Data), want)
		}
		if weights.Has(r.Name) {
			return nil, fmt.Errorf("bundle %s: tensor %q stored twice", path, r.Name)
		}
		weights.Put(r.Name, r.Shape, r.Data)
	}
	if weights.Len() != len(m.Tensors) {
		return nil, fmt.Errorf("bundle %s: manifest lists %d tensors, weights hold %d", path, len(m.Tensors), weights.Len())
	}

	b := &Bundle{Manifest: m, Weights: weights}
	if m.Tokenizer.VocabFile != "" {
		if b.Vocab, ok = entries[m.Tokenizer.VocabFile]; !ok {
			return nil, fmt.Errorf("bundle %s: missing %s", path, m.Tokenizer.VocabFile)
		}
	}
	return b, nil
}

// ReadManifest returns only the manifest of a bundle.
func ReadManifest(path string) (*Manifest, error) {
	b, err := Read(path)
	if err != nil {
		return nil, err
	}
	return &b.Manifest, nil
}

func readEntries(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: not a gzip archive: %w", path, err)
	}
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bundle %s: read archive: %w", path, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("bundle %s: read %s: %w", path, hdr.Name, err)
		}
		entries[hdr.Name] = data
	}
	return entries, nil
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

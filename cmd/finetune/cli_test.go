package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune/internal/bundle"
	"finetune/internal/config"
)

func TestResolveConfig(t *testing.T) {
	cmd := fitCmd
	t.Cleanup(func() {
		_ = cmd.Flags().Set("preset", "default")
		set := cmd.Flags().Lookup("set")
		if sv, ok := set.Value.(interface{ Replace([]string) error }); ok {
			_ = sv.Replace(nil)
		}
		set.Changed = false
	})
	require.NoError(t, cmd.Flags().Set("preset", "tiny"))
	require.NoError(t, cmd.Flags().Set("set", "n_epochs=5"))
	require.NoError(t, cmd.Flags().Set("set", "lm_loss_weight=0.25"))

	cfg, err := resolveConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.Tiny().EmbedDim, cfg.EmbedDim)
	assert.Equal(t, 5, cfg.NEpochs)
	assert.InDelta(t, 0.25, cfg.LMLossWeight, 1e-12)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "chatty"))
	t.Cleanup(func() { _ = rootCmd.PersistentFlags().Set("log-level", "info") })
	_, err := newLogger(rootCmd, &bytes.Buffer{})
	assert.ErrorContains(t, err, "chatty")
}

func TestNewLoggerReadsInheritedFlags(t *testing.T) {
	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "debug"))
	require.NoError(t, rootCmd.PersistentFlags().Set("log-json", "true"))
	t.Cleanup(func() {
		_ = rootCmd.PersistentFlags().Set("log-level", "info")
		_ = rootCmd.PersistentFlags().Set("log-json", "false")
	})
	var buf bytes.Buffer
	log, err := newLogger(fitCmd, &buf)
	require.NoError(t, err)
	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestDescribe(t *testing.T) {
	man := &bundle.Manifest{
		FormatVersion: 1,
		BundleID:      "id-1",
		CreatedAt:     time.Now(),
		BuildVersion:  "dev",
		Config:        config.Tiny(),
		Labels:        []string{"neg", "pos"},
		Tensors:       map[string][]int{"tok_embed": {260, 16}, "clf.b": {2}},
		ParamCount:    4162,
		Tokenizer:     bundle.TokenizerInfo{Name: "runes", VocabSize: 260},
	}
	out := describe(man, 2048)
	assert.Contains(t, out, "labels      neg, pos")
	assert.Contains(t, out, "4,162")
	assert.Contains(t, out, "2.0 KiB")
	assert.Less(t, strings.Index(out, "clf.b"), strings.Index(out, "tok_embed"))
}

func TestDemoCorpusIsBalanced(t *testing.T) {
	counts := map[string]int{}
	for _, ex := range demoCorpus {
		counts[ex.Label]++
	}
	assert.Equal(t, map[string]int{"nature": 8, "proverb": 8}, counts)
}

func TestFitCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "train.tsv")
	var b strings.Builder
	for _, ex := range demoCorpus {
		b.WriteString(ex.Label + "\t" + ex.Text + "\n")
	}
	require.NoError(t, os.WriteFile(data, []byte(b.String()), 0o644))
	out := filepath.Join(dir, "model.ftm")
	metrics := filepath.Join(dir, "metrics.json")
	runs := filepath.Join(dir, "runs.db")

	rootCmd.SetArgs([]string{"fit", "--preset", "tiny", "--data", data, "--out", out,
		"--metrics", metrics, "--runs-db", runs, "--progress=false", "--log-level", "warn"})
	require.NoError(t, rootCmd.Execute())

	man, err := bundle.ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"nature", "proverb"}, man.Labels)
	_, err = os.Stat(metrics)
	assert.NoError(t, err)
	_, err = os.Stat(runs)
	assert.NoError(t, err)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v2"
	"github.com/spf13/cobra"

	"finetune"
	"finetune/internal/config"
	"finetune/internal/runlog"
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Finetune a model on a labelled data file and save the bundle",
	RunE:  runFit,
}

func init() {
	f := fitCmd.Flags()
	f.String("config", "", "YAML/JSON/TOML config file (defaults when empty)")
	f.String("preset", "default", "base config when --config is empty (default, tiny)")
	f.StringArray("set", nil, "override a config option, key=value (repeatable)")
	f.String("data", "", "training data: .jsonl, .tsv, or plain text with --lm (required)")
	f.String("val", "", "held-out validation data in the same format")
	f.String("out", "", "output bundle path (required)")
	f.Bool("lm", false, "language-model finetuning only; labels are ignored")
	f.Bool("rebuild-labels", false, "allow labels unseen by a --resume model")
	f.String("resume", "", "continue training an existing bundle instead of building a new model")
	f.String("runs-db", "", "SQLite run registry to record this fit in")
	f.String("metrics", "", "write per-epoch metrics JSON to this path")
	f.Bool("progress", true, "show a progress bar")
	_ = fitCmd.MarkFlagRequired("data")
	_ = fitCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(fitCmd)
}

// resolveConfig layers --set overrides over the config file or preset.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	preset, _ := cmd.Flags().GetString("preset")
	sets, _ := cmd.Flags().GetStringArray("set")

	var (
		base config.Config
		err  error
	)
	switch {
	case path != "":
		if base, err = config.Load(path); err != nil {
			return base, err
		}
	case preset == "tiny":
		base = config.Tiny()
	case preset == "default":
		base = config.Default()
	default:
		return base, fmt.Errorf("unknown preset %q (available: default, tiny)", preset)
	}
	if len(sets) == 0 {
		return base, nil
	}
	overrides := make(map[string]any, len(sets))
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return base, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		overrides[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return config.FromMapOver(base, overrides)
}

func runFit(cmd *cobra.Command, _ []string) error {
	log, err := logger(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	dataPath, _ := flags.GetString("data")
	valPath, _ := flags.GetString("val")
	out, _ := flags.GetString("out")
	lmOnly, _ := flags.GetBool("lm")
	rebuild, _ := flags.GetBool("rebuild-labels")
	resume, _ := flags.GetString("resume")
	runsDB, _ := flags.GetString("runs-db")
	metricsPath, _ := flags.GetString("metrics")
	showProgress, _ := flags.GetBool("progress")

	examples, err := readExamples(dataPath)
	if err != nil {
		return err
	}
	texts, labels, err := split(examples, !lmOnly)
	if err != nil {
		return fmt.Errorf("%s: %w", dataPath, err)
	}
	rows, err := fieldRows(examples)
	if err != nil {
		return fmt.Errorf("%s: %w", dataPath, err)
	}
	if rows != nil && lmOnly {
		return fmt.Errorf("%s: --lm takes plain texts, not fields", dataPath)
	}

	var m *finetune.Model
	if resume != "" {
		m, err = finetune.Load(resume, finetune.WithLogger(log))
	} else {
		var cfg config.Config
		if cfg, err = resolveConfig(cmd); err != nil {
			return err
		}
		m, err = finetune.New(cfg, finetune.WithLogger(log))
	}
	if err != nil {
		return err
	}

	var opts []finetune.FitOption
	if valPath != "" {
		val, err := readExamples(valPath)
		if err != nil {
			return err
		}
		vt, vl, err := split(val, !lmOnly)
		if err != nil {
			return fmt.Errorf("%s: %w", valPath, err)
		}
		vr, err := fieldRows(val)
		if err != nil {
			return fmt.Errorf("%s: %w", valPath, err)
		}
		if vr != nil {
			opts = append(opts, finetune.WithValidationFields(vr, vl))
		} else {
			opts = append(opts, finetune.WithValidation(vt, vl))
		}
	}
	if rebuild {
		opts = append(opts, finetune.WithRebuildLabels())
	}

	var store *runlog.Store
	runID := ""
	kind := "classifier"
	if lmOnly {
		kind = "lm"
	}
	if runsDB != "" {
		if store, err = runlog.Open(runsDB); err != nil {
			return err
		}
		defer store.Close()
		if runID, err = store.StartRun(cmd.Context(), kind, m.Config(), len(texts)); err != nil {
			return err
		}
		log.Info().Str("run_id", runID).Str("db", runsDB).Msg("recording run")
	}

	reporter := newFitReporter(showProgress, store, runID, log)
	opts = append(opts, finetune.WithProgress(reporter.observe))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hist *finetune.History
	switch {
	case lmOnly:
		hist, err = m.FitLM(ctx, texts, opts...)
	case rows != nil:
		hist, err = m.FitFields(ctx, rows, labels, opts...)
	default:
		hist, err = m.Fit(ctx, texts, labels, opts...)
	}
	reporter.finish()
	if last, ok := hist.Last(); ok {
		log.Info().
			Int("epochs", hist.Len()).
			Int("best_epoch", hist.BestEpoch).
			Float64("train_loss", last.TrainLoss).
			Bool("stopped_early", hist.StoppedEarly).
			Msg("fit finished")
	}

	saved := ""
	var div *finetune.DivergenceError
	if err == nil || errors.Is(err, context.Canceled) || (errors.As(err, &div) && div.Restored == "best") {
		if serr := m.Save(out); serr != nil {
			err = errors.Join(err, serr)
		} else {
			saved = out
			log.Info().Str("path", out).Strs("labels", m.Labels()).Msg("saved model")
		}
	}

	if store != nil {
		if ferr := store.FinishRun(context.Background(), runID, hist, m.DataHash(), saved, err); ferr != nil {
			log.Warn().Err(ferr).Msg("failed to finish run record")
		}
	}
	if metricsPath != "" {
		metrics := runlog.NewMetrics(runID, kind, m.Labels(), m.DataHash(), hist)
		if merr := runlog.SaveMetrics(metricsPath, metrics); merr != nil {
			log.Warn().Err(merr).Msg("failed to save metrics")
		} else {
			log.Info().Str("path", metricsPath).Msg("saved metrics")
		}
	}
	return err
}

// fitReporter drives the progress bar and records finished epochs.
type fitReporter struct {
	show  bool
	bar   *progressbar.ProgressBar
	store *runlog.Store
	runID string
	log   zerolog.Logger
}

func newFitReporter(show bool, store *runlog.Store, runID string, log zerolog.Logger) *fitReporter {
	return &fitReporter{show: show, store: store, runID: runID, log: log}
}

func (r *fitReporter) observe(p finetune.Progress) {
	if p.EpochDone {
		r.finish()
		if r.store != nil && p.Metrics != nil {
			if err := r.store.RecordEpoch(context.Background(), r.runID, *p.Metrics); err != nil {
				r.log.Warn().Err(err).Int("epoch", p.Epoch).Msg("failed to record epoch")
			}
		}
		return
	}
	if !r.show {
		return
	}
	if r.bar == nil {
		r.bar = progressbar.NewOptions(p.Batches,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", p.Epoch+1, p.Epochs)),
			progressbar.OptionShowCount(),
		)
	}
	_ = r.bar.Add(1)
}

func (r *fitReporter) finish() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	fmt.Fprintln(os.Stderr)
	r.bar = nil
}

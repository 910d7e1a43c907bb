package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"finetune"
)

// demoCorpus sorts short sentences into descriptions of nature and
// proverbs.
var demoCorpus = []Example{
	{Text: "the sun is shining bright.", Label: "nature"},
	{Text: "birds are singing in the trees.", Label: "nature"},
	{Text: "the ocean waves crash against the shore.", Label: "nature"},
	{Text: "mountains stand tall and proud.", Label: "nature"},
	{Text: "rivers flow gently through the valleys.", Label: "nature"},
	{Text: "flowers bloom in spring.", Label: "nature"},
	{Text: "winter brings snow and ice.", Label: "nature"},
	{Text: "autumn leaves fall gently.", Label: "nature"},
	{Text: "life is beautiful and full of wonder.", Label: "proverb"},
	{Text: "time moves forward always.", Label: "proverb"},
	{Text: "love conquers all fears.", Label: "proverb"},
	{Text: "hope lights the way.", Label: "proverb"},
	{Text: "dreams come true sometimes.", Label: "proverb"},
	{Text: "hard work pays off.", Label: "proverb"},
	{Text: "knowledge is power indeed.", Label: "proverb"},
	{Text: "patience is a virtue.", Label: "proverb"},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Pretrain, finetune and query a tiny model on a built-in corpus",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := logger(cmd)
		if err != nil {
			return err
		}
		epochs, _ := cmd.Flags().GetInt("epochs")
		ctx := cmd.Context()

		dir, err := os.MkdirTemp("", "finetune-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		texts, labels, err := split(demoCorpus, true)
		if err != nil {
			return err
		}

		cfg := finetune.TinyConfig()
		cfg.NEpochs = epochs
		cfg.LearningRate = 3e-3
		cfg.BatchSize = 4

		fmt.Println("Pretraining the language model on the corpus...")
		lm, err := finetune.New(cfg, finetune.WithLogger(log))
		if err != nil {
			return err
		}
		if _, err := lm.FitLM(ctx, texts); err != nil {
			return err
		}
		pretrained := filepath.Join(dir, "lm.ftm")
		if err := lm.Save(pretrained); err != nil {
			return err
		}

		fmt.Println("Finetuning a classifier on top...")
		cfg.PretrainedPath = pretrained
		cfg.ValSize = 0.25
		cfg.CheckpointOnImprove = true
		clf, err := finetune.New(cfg, finetune.WithLogger(log))
		if err != nil {
			return err
		}
		hist, err := clf.Fit(ctx, texts, labels)
		if err != nil {
			return err
		}
		for _, ep := range hist.Epochs {
			fmt.Printf("  epoch %d  train %.4f  running %.4f\n", ep.Epoch+1, ep.TrainLoss, ep.RunningLoss)
		}

		queries := []string{"the snow falls on the mountains.", "hard work conquers all.", "waves in the ocean."}
		probs, err := clf.Predict(queries)
		if err != nil {
			return err
		}
		fmt.Println("\nPredictions:")
		for i, q := range queries {
			fmt.Printf("  %-36q nature %.3f  proverb %.3f\n", q, probs[i]["nature"], probs[i]["proverb"])
		}

		fmt.Println("\nSamples from the language model:")
		opts := finetune.DefaultGenerateOptions()
		opts.MaxTokens = 30
		for _, prefix := range []string{"the", "hope", "rivers"} {
			out, err := lm.Generate(prefix, opts)
			if err != nil {
				return err
			}
			fmt.Printf("  %q -> %q\n", prefix, out)
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().Int("epochs", 20, "training epochs for both stages")
	rootCmd.AddCommand(demoCmd)
}

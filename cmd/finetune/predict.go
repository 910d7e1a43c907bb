package main

import (
	"os"

	"github.com/spf13/cobra"

	"finetune"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Print label probabilities for every example as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := logger(cmd)
		if err != nil {
			return err
		}
		modelPath, _ := cmd.Flags().GetString("model")
		dataPath, _ := cmd.Flags().GetString("data")

		m, err := finetune.Load(modelPath, finetune.WithLogger(log))
		if err != nil {
			return err
		}
		examples, err := readExamples(dataPath)
		if err != nil {
			return err
		}
		texts, _, err := split(examples, false)
		if err != nil {
			return err
		}
		rows, err := fieldRows(examples)
		if err != nil {
			return err
		}
		var probs []map[string]float64
		if rows != nil {
			probs, err = m.PredictFields(rows)
		} else {
			probs, err = m.Predict(texts)
		}
		if err != nil {
			return err
		}

		type row struct {
			Text   string             `json:"text,omitempty"`
			Fields []string           `json:"fields,omitempty"`
			Label  string             `json:"label"`
			Probs  map[string]float64 `json:"probs"`
			Actual string             `json:"actual,omitempty"`
		}
		out := make([]row, len(texts))
		correct, labelled := 0, 0
		for i, p := range probs {
			best := ""
			for label, v := range p {
				if best == "" || v > p[best] || (v == p[best] && label < best) {
					best = label
				}
			}
			out[i] = row{Text: texts[i], Fields: examples[i].Fields, Label: best, Probs: p, Actual: examples[i].Label}
			if examples[i].Label != "" {
				labelled++
				if examples[i].Label == best {
					correct++
				}
			}
		}
		if labelled > 0 {
			log.Info().Int("labelled", labelled).Float64("accuracy", float64(correct)/float64(labelled)).Msg("evaluated")
		}
		return writeJSONLines(os.Stdout, out)
	},
}

var featurizeCmd = &cobra.Command{
	Use:   "featurize",
	Short: "Print the pooled backbone features of every example as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := logger(cmd)
		if err != nil {
			return err
		}
		modelPath, _ := cmd.Flags().GetString("model")
		dataPath, _ := cmd.Flags().GetString("data")

		m, err := finetune.Load(modelPath, finetune.WithLogger(log))
		if err != nil {
			return err
		}
		examples, err := readExamples(dataPath)
		if err != nil {
			return err
		}
		texts, _, err := split(examples, false)
		if err != nil {
			return err
		}
		rows, err := fieldRows(examples)
		if err != nil {
			return err
		}
		var feats [][]float64
		if rows != nil {
			feats, err = m.FeaturizeFields(rows)
		} else {
			feats, err = m.Featurize(texts)
		}
		if err != nil {
			return err
		}

		type row struct {
			Text     string    `json:"text,omitempty"`
			Fields   []string  `json:"fields,omitempty"`
			Features []float64 `json:"features"`
		}
		out := make([]row, len(texts))
		for i := range texts {
			out[i] = row{Text: texts[i], Fields: examples[i].Fields, Features: feats[i]}
		}
		return writeJSONLines(os.Stdout, out)
	},
}

func init() {
	for _, c := range []*cobra.Command{predictCmd, featurizeCmd} {
		c.Flags().String("model", "", "model bundle (required)")
		c.Flags().String("data", "-", "input data file, or - for stdin")
		_ = c.MarkFlagRequired("model")
		rootCmd.AddCommand(c)
	}
}

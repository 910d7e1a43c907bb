package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"finetune"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Continue a prompt (or every stdin line) with the language model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := logger(cmd)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		modelPath, _ := flags.GetString("model")
		prompt, _ := flags.GetString("prompt")

		opts := finetune.DefaultGenerateOptions()
		opts.Temperature, _ = flags.GetFloat64("temp")
		opts.TopK, _ = flags.GetInt("topk")
		opts.TopP, _ = flags.GetFloat64("topp")
		opts.RepetitionPenalty, _ = flags.GetFloat64("rep")
		opts.MaxTokens, _ = flags.GetInt("max")
		opts.Seed, _ = flags.GetInt64("seed")

		m, err := finetune.Load(modelPath, finetune.WithLogger(log))
		if err != nil {
			return err
		}

		if prompt != "" {
			out, err := m.Generate(prompt, opts)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			out, err := m.Generate(line, opts)
			if err != nil {
				return err
			}
			fmt.Println(out)
		}
		return scanner.Err()
	},
}

func init() {
	d := finetune.DefaultGenerateOptions()
	f := generateCmd.Flags()
	f.String("model", "", "model bundle (required)")
	f.String("prompt", "", "prompt text; reads prompts from stdin when empty")
	f.Float64("temp", d.Temperature, "sampling temperature")
	f.Int("topk", d.TopK, "top-k sampling (0 disables)")
	f.Float64("topp", d.TopP, "top-p (nucleus) sampling (0 or 1 disables)")
	f.Float64("rep", d.RepetitionPenalty, "repetition penalty")
	f.Int("max", d.MaxTokens, "maximum tokens to generate")
	f.Int64("seed", d.Seed, "random seed")
	_ = generateCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(generateCmd)
}

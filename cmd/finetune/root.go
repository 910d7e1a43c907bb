package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:           "finetune",
	Short:         "Finetune a pretrained language model into a text classifier",
	Long:          "finetune trains a language-model backbone and a classification head jointly, then predicts, featurizes and generates with the saved bundle.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs instead of console output")
}

// logger builds the process logger from the persistent flags. Logs go to
// stderr so command output on stdout stays machine readable.
func logger(cmd *cobra.Command) (zerolog.Logger, error) {
	return newLogger(cmd, os.Stderr)
}

func newLogger(cmd *cobra.Command, w io.Writer) (zerolog.Logger, error) {
	levelName, err := flagValue(cmd, "log-level")
	if err != nil {
		return zerolog.Nop(), err
	}
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q: %w", levelName, err)
	}
	asJSON, err := flagValue(cmd, "log-json")
	if err != nil {
		return zerolog.Nop(), err
	}
	if asJSON != "true" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// flagValue finds a flag on the command or any parent. Persistent flags are
// only merged into cmd.Flags() once cobra parses the command line.
func flagValue(cmd *cobra.Command, name string) (string, error) {
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.InheritedFlags(), cmd.Root().PersistentFlags()} {
		if f := fs.Lookup(name); f != nil {
			return f.Value.String(), nil
		}
	}
	return "", fmt.Errorf("flag --%s is not defined", name)
}

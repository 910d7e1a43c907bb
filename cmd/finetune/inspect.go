package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"finetune/internal/bundle"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Describe a model bundle without loading its weights",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("model")
		asJSON, _ := cmd.Flags().GetBool("json")

		man, err := bundle.ReadManifest(path)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(man)
		}
		st, err := os.Stat(path)
		if err != nil {
			return err
		}
		fmt.Print(describe(man, st.Size()))
		return nil
	},
}

func describe(man *bundle.Manifest, fileSize int64) string {
	var b strings.Builder
	cfg := man.Config
	fmt.Fprintf(&b, "bundle      %s (format %d, build %s)\n", man.BundleID, man.FormatVersion, man.BuildVersion)
	fmt.Fprintf(&b, "created     %s (%s)\n", man.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(man.CreatedAt))
	fmt.Fprintf(&b, "size        %s\n", humanize.IBytes(uint64(fileSize)))
	fmt.Fprintf(&b, "backbone    %s, dim %d, max length %d\n", cfg.Backbone, cfg.EmbedDim, cfg.MaxSequenceLength)
	fmt.Fprintf(&b, "tokenizer   %s (%s tokens)\n", man.Tokenizer.Name, humanize.Comma(int64(man.Tokenizer.VocabSize)))
	fmt.Fprintf(&b, "parameters  %s in %d tensors\n", humanize.Comma(int64(man.ParamCount)), len(man.Tensors))
	fmt.Fprintf(&b, "signature   %s\n", man.ArchSignature)
	if len(man.Labels) > 0 {
		fmt.Fprintf(&b, "labels      %s\n", strings.Join(man.Labels, ", "))
	} else {
		fmt.Fprintf(&b, "labels      (none)\n")
	}
	if man.DataHash != "" {
		fmt.Fprintf(&b, "data hash   %s\n", man.DataHash)
	}
	names := make([]string, 0, len(man.Tensors))
	for name := range man.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %-24s %v\n", name, man.Tensors[name])
	}
	return b.String()
}

func init() {
	inspectCmd.Flags().String("model", "", "model bundle (required)")
	inspectCmd.Flags().Bool("json", false, "print the raw manifest")
	_ = inspectCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(inspectCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/triage-ai/safescan/internal/engine"
	"github.com/triage-ai/safescan/internal/engine/detectors"
)

func init() {
	rootCmd.AddCommand(interpretCmd)
}

// interpretOutput is what the interpret command prints.
type interpretOutput struct {
	ChildSexualImage bool                 `json:"childSexualImage"`
	Verdict          *engine.ImageVerdict `json:"verdict"`
}

var interpretCmd = &cobra.Command{
	Use:   "interpret <verdict.json|->",
	Short: "Interpret a saved vision classifier verdict",
	Long: `Read a raw vision classifier verdict and print whether it is child-sexual
content. Any other verdict is printed in its downgraded, non-blocking form.

Exits 2 when the verdict is child-sexual.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		var raw engine.ImageVerdict
		if err := json.NewDecoder(r).Decode(&raw); err != nil {
			return fmt.Errorf("decode verdict: %w", err)
		}

		interp := detectors.NewImageVerdictInterpreter()
		out := interpretOutput{ChildSexualImage: interp.IsChildSexualImage(&raw)}
		if out.ChildSexualImage {
			out.Verdict = &raw
		} else {
			out.Verdict = interp.Downgrade(&raw)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if out.ChildSexualImage {
			return errUnsafe
		}
		return nil
	},
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/triage-ai/safescan/internal/engine/detectors"
)

func init() {
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(rulesCmd)
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize [text...]",
	Short: "Print the text as the classifier sees it",
	Long: `Print the normalized form of the text: NFKC, lowercased, leetspeak
inside words folded, runs of separators collapsed to one space. With no arguments the text is read
from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := textArg(cmd, args)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), detectors.Normalize(text))
		return err
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules [text...]",
	Short: "List the classifier rules, or the ones a text matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := detectors.NewChildSafetyClassifier()
		names := c.RuleNames()
		if len(args) > 0 {
			names = c.MatchedRules(strings.Join(args, " "))
		}
		for _, n := range names {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), n); err != nil {
				return err
			}
		}
		return nil
	},
}

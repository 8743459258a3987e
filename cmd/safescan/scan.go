package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/safescan/internal/config"
	"github.com/triage-ai/safescan/internal/engine"
	"github.com/triage-ai/safescan/internal/engine/detectors"
	"github.com/triage-ai/safescan/internal/storage"
)

var (
	flagPromptTool string
	flagImageTool  string
	flagImageURL   string
	flagEndpoint   string
	flagToken      string
)

func init() {
	promptCmd.Flags().StringVarP(&flagPromptTool, "tool", "t", "text-to-image", "tool type the prompt is for")

	imageCmd.Flags().StringVarP(&flagImageTool, "tool", "t", "image-to-video", "tool type the image is for")
	imageCmd.Flags().StringVarP(&flagImageURL, "url", "u", "", "image URL (required)")
	imageCmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "vision classifier endpoint (overrides [vision] endpoint)")
	imageCmd.Flags().StringVar(&flagToken, "token", "", "bearer token forwarded to the vision classifier")

	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(imageCmd)
}

// scanOutput is what the scan commands print.
type scanOutput struct {
	Verdict     *engine.SafetyVerdict       `json:"verdict"`
	ShowWarning bool                        `json:"showWarning"`
	Warning     *engine.WarningPresentation `json:"warning"`
}

var promptCmd = &cobra.Command{
	Use:   "prompt [text...]",
	Short: "Scan a prompt",
	Long: `Scan a prompt with the child-safety text classifier and print the verdict
as JSON. With no arguments the prompt is read from stdin.

Exits 2 when the prompt is unsafe.

	Examples:
	  safescan prompt "a lighthouse at dusk"
	  echo "a lighthouse at dusk" | safescan prompt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := textArg(cmd, args)
		if err != nil {
			return err
		}
		scanner, err := buildScanner("")
		if err != nil {
			return err
		}
		return scanAndPrint(cmd, scanner, &engine.ScanRequest{
			Prompt:   prompt,
			ToolType: flagPromptTool,
		})
	},
}

var imageCmd = &cobra.Command{
	Use:   "image --url <image-url> [prompt...]",
	Short: "Scan an image (and optional prompt)",
	Long: `Send an image to the vision classifier, interpret the result and print the
verdict as JSON. An unreachable classifier yields a fail-open verdict.

Exits 2 when the verdict is unsafe.

	Examples:
	  safescan image --url https://cdn.example.com/a.png
	  safescan image --url https://cdn.example.com/a.png --endpoint http://vision:8000/analyze "make it move"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagImageURL == "" {
			return fmt.Errorf("--url is required")
		}
		scanner, err := buildScanner(flagEndpoint)
		if err != nil {
			return err
		}
		return scanAndPrint(cmd, scanner, &engine.ScanRequest{
			ImageURL:    flagImageURL,
			Prompt:      strings.Join(args, " "),
			ToolType:    flagImageTool,
			AccessToken: flagToken,
		})
	},
}

// buildScanner loads the config and wires a scanner. A non-empty endpoint
// replaces the configured vision endpoint.
func buildScanner(endpoint string) (*engine.Scanner, error) {
	logger := newLogger()

	cfg, _, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		cfg.Vision.Endpoint = endpoint
	}

	var images engine.ImageAnalyzer
	if vcfg, ok := cfg.VisionConfig(); ok {
		vc, err := detectors.NewVisionClient(vcfg, logger)
		if err != nil {
			return nil, err
		}
		images = vc
	}

	return engine.NewScanner(cfg.ScannerConfig(), engine.ScannerDeps{
		Images:      images,
		Interpreter: detectors.NewImageVerdictInterpreter(),
		Prompts:     detectors.NewPromptDetector(logger),
		Events:      storage.NewLogWriter(logger),
		Logger:      logger,
	}), nil
}

func scanAndPrint(cmd *cobra.Command, scanner *engine.Scanner, req *engine.ScanRequest) error {
	start := time.Now()
	v := scanner.PerformSafetyAnalysis(cmd.Context(), req)
	scanner.LogSafetyAnalysis(v, engine.UserActionNone, engine.LogSubject{
		Prompt:    req.Prompt,
		ImageURL:  req.ImageURL,
		LatencyMs: float32(time.Since(start)) / float32(time.Millisecond),
		Source:    "cli",
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(scanOutput{
		Verdict:     v,
		ShowWarning: engine.ShouldShowWarning(v),
		Warning:     engine.GetSafetyWarningMessage(v),
	}); err != nil {
		return err
	}

	if !v.Safe {
		return errUnsafe
	}
	return nil
}

// textArg joins args, or reads stdin when there are none.
func textArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

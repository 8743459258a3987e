package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/safescan/internal/engine"
	"go.uber.org/zap"
)

var (
	ErrVisionStatus   = errors.New("vision endpoint returned non-OK status")
	ErrVisionResponse = errors.New("vision endpoint returned an invalid verdict")
)

// maxVisionResponse caps the vision response body.
const maxVisionResponse = 1 << 20

// imageVerdictSchema is what the vision endpoint must return. Extra fields are allowed.
const imageVerdictSchema = `{
	"type": "object",
	"required": ["safe"],
	"properties": {
		"safe":        {"type": "boolean"},
		"confidence":  {"type": "number", "minimum": 0, "maximum": 1},
		"violations":  {"type": ["array", "null"], "items": {"type": "string"}},
		"reasoning":   {"type": ["string", "null"]},
		"suggestions": {"type": ["array", "null"], "items": {"type": "string"}},
		"categories":  {"type": ["array", "null"], "items": {"type": "string"}}
	}
}`

// visionRequest is the JSON body POSTed to the vision endpoint.
type visionRequest struct {
	ImageURL     string `json:"imageUrl"`
	AnalysisType string `json:"analysisType"`
	Sensitivity  string `json:"sensitivity"`
	Prompt       string `json:"prompt,omitempty"`
}

// VisionConfig configures the VisionClient.
type VisionConfig struct {
	Endpoint       string
	Timeout        time.Duration // Default: 15s
	MaxRetries     uint64
	InitialBackoff time.Duration
	HTTPClient     *http.Client // optional; Timeout is ignored when set
}

// VisionClient calls the external vision classifier over HTTP.
//
// Every failure (transport, non-2xx, malformed body) is returned as an error;
// the scanner turns it into a fail-open verdict.
type VisionClient struct {
	endpoint string
	client   *http.Client
	schema   *jsonschema.Schema
	retry    RetryOptions
	logger   *zap.Logger
}

// NewVisionClient creates a client for the given endpoint.
func NewVisionClient(cfg VisionConfig, logger *zap.Logger) (*VisionClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("NewVisionClient: endpoint is required")
	}

	schema, err := compileVerdictSchema()
	if err != nil {
		return nil, fmt.Errorf("NewVisionClient: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	logger.Info("vision classifier configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.Uint64("max_retries", cfg.MaxRetries),
	)

	return &VisionClient{
		endpoint: cfg.Endpoint,
		client:   client,
		schema:   schema,
		retry:    VisionRetryOptions(cfg.MaxRetries, cfg.InitialBackoff),
		logger:   logger,
	}, nil
}

func compileVerdictSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(imageVerdictSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("image_verdict.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("image_verdict.json")
}

// AnalyzeImage asks the vision classifier for a safety verdict on the image.
func (c *VisionClient) AnalyzeImage(ctx context.Context, req *engine.ImageRequest) (*engine.ImageVerdict, error) {
	body, err := json.Marshal(visionRequest{
		ImageURL:     req.ImageURL,
		AnalysisType: "safety",
		Sensitivity:  req.Sensitivity,
		Prompt:       req.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("AnalyzeImage: %w", err)
	}

	return withRetry(ctx, func() (*engine.ImageVerdict, error) {
		return c.post(ctx, body, req.AccessToken)
	}, c.retry)
}

// post performs one call. 4xx responses and invalid verdicts are permanent;
// transport errors and 5xx are retried.
func (c *VisionClient) post(ctx context.Context, body []byte, token string) (*engine.ImageVerdict, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("AnalyzeImage: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("AnalyzeImage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVisionResponse))
	if err != nil {
		return nil, fmt.Errorf("AnalyzeImage: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("AnalyzeImage: %w: %d", ErrVisionStatus, resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(statusErr)
		}
		c.logger.Warn("vision endpoint error, may retry",
			zap.Int("status", resp.StatusCode),
		)
		return nil, statusErr
	}

	return c.decodeVerdict(raw)
}

func (c *VisionClient) decodeVerdict(raw []byte) (*engine.ImageVerdict, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("AnalyzeImage: %w: %v", ErrVisionResponse, err))
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("AnalyzeImage: %w: %v", ErrVisionResponse, err))
	}

	var v engine.ImageVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("AnalyzeImage: %w: %v", ErrVisionResponse, err))
	}

	// Flags the gate owns are never taken from upstream.
	v.FilteredForAdultNudity = false
	v.Skipped = false
	if v.Violations == nil {
		v.Violations = []string{}
	}
	if v.Suggestions == nil {
		v.Suggestions = []string{}
	}
	return &v, nil
}

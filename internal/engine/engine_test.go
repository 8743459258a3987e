package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/safescan/internal/engine"
	"github.com/triage-ai/safescan/internal/engine/detectors"
	"github.com/triage-ai/safescan/internal/storage"
	"go.uber.org/zap"
)

// mockImages implements engine.ImageAnalyzer.
type mockImages struct {
	verdict *engine.ImageVerdict
	err     error
	calls   int
	lastReq *engine.ImageRequest
}

func (m *mockImages) AnalyzeImage(_ context.Context, req *engine.ImageRequest) (*engine.ImageVerdict, error) {
	m.calls++
	m.lastReq = req
	return m.verdict, m.err
}

// spyPrompts wraps the real prompt detector and counts calls.
type spyPrompts struct {
	inner *detectors.PromptDetector
	calls int
}

func (s *spyPrompts) AnalyzePromptSafety(prompt string) *engine.PromptVerdict {
	s.calls++
	return s.inner.AnalyzePromptSafety(prompt)
}

// panicInterpreter panics on every call.
type panicInterpreter struct{}

func (panicInterpreter) IsChildSexualImage(*engine.ImageVerdict) bool { panic("boom") }

func (panicInterpreter) Downgrade(v *engine.ImageVerdict) *engine.ImageVerdict { return v }

// memWriter implements storage.EventWriter in memory.
type memWriter struct {
	mu     sync.Mutex
	events []*storage.SafetyEvent
}

func (w *memWriter) Write(e *storage.SafetyEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *memWriter) Close() {}

func boolPtr(b bool) *bool { return &b }

func defaultConfig() engine.ScannerConfig {
	return engine.ScannerConfig{
		Enabled: true,
		Tools: engine.ToolRegistry{Tools: map[string]engine.ToolPolicy{
			"upscaler": {Enabled: boolPtr(false)},
		}},
		ImageSensitivity:  "medium",
		PromptSensitivity: "medium",
	}
}

func newScanner(cfg engine.ScannerConfig, images engine.ImageAnalyzer) (*engine.Scanner, *spyPrompts, *memWriter) {
	prompts := &spyPrompts{inner: detectors.NewPromptDetector(zap.NewNop())}
	events := &memWriter{}
	s := engine.NewScanner(cfg, engine.ScannerDeps{
		Images:      images,
		Interpreter: detectors.NewImageVerdictInterpreter(),
		Prompts:     prompts,
		Events:      events,
		Logger:      zap.NewNop(),
	})
	return s, prompts, events
}

func TestScanner_PromptOnly_Safe(t *testing.T) {
	s, prompts, _ := newScanner(defaultConfig(), nil)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		Prompt:   "a watercolor lighthouse at dusk",
		ToolType: "text-to-image",
	})

	if !v.Safe {
		t.Fatal("expected safe")
	}
	if v.OverallRisk != engine.RiskLow {
		t.Errorf("expected low risk, got %v", v.OverallRisk)
	}
	if !v.ImageAnalysis.Skipped || !v.ImageAnalysis.Safe {
		t.Error("image analysis should be skipped and safe")
	}
	if v.PromptAnalysis.Method != engine.MethodPermissive {
		t.Errorf("expected permissive, got %q", v.PromptAnalysis.Method)
	}
	if prompts.calls != 1 {
		t.Errorf("expected 1 prompt call, got %d", prompts.calls)
	}
	if v.ToolType != "text-to-image" {
		t.Errorf("unexpected tool type %q", v.ToolType)
	}
	if v.Timestamp.IsZero() {
		t.Error("timestamp must be set")
	}
}

func TestScanner_EndToEnd_ChildSafetyPrompt(t *testing.T) {
	s, _, _ := newScanner(defaultConfig(), nil)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		Prompt:   "my 16 year old niece in a sexual pose",
		ToolType: "text-to-image",
	})

	if v.Safe {
		t.Fatal("expected unsafe")
	}
	if v.PromptAnalysis.Category != engine.CategoryChildSafety {
		t.Errorf("expected child-safety category, got %q", v.PromptAnalysis.Category)
	}
	if v.OverallRisk != engine.RiskHigh {
		t.Errorf("expected high risk, got %v", v.OverallRisk)
	}
	if v.InstantBan {
		t.Error("a prompt violation must not ban")
	}
	if len(v.Recommendations) != 2 {
		t.Errorf("expected 2 recommendations, got %v", v.Recommendations)
	}
	if !engine.ShouldShowWarning(v) {
		t.Error("expected warning to be shown")
	}

	w := engine.GetSafetyWarningMessage(v)
	if w == nil {
		t.Fatal("expected presentation")
	}
	if w.Severity != engine.SeverityError {
		t.Errorf("expected error severity, got %v", w.Severity)
	}
	if w.Title != "Possible Child Safety Violation" {
		t.Errorf("unexpected title %q", w.Title)
	}
	if !w.PromptFlagged || w.ImageFlagged {
		t.Error("expected prompt flagged only")
	}
}

func TestScanner_ImageDowngrade(t *testing.T) {
	images := &mockImages{verdict: &engine.ImageVerdict{
		Safe:        false,
		Confidence:  0.9,
		Violations:  []string{"nudity"},
		Reasoning:   "adult nudity",
		Suggestions: []string{"cover"},
		Categories:  []string{"nudity"},
	}}
	s, _, _ := newScanner(defaultConfig(), images)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		ImageURL: "https://cdn.example.com/a.png",
		ToolType: "image-to-video",
	})

	if !v.ImageAnalysis.Safe {
		t.Error("adult nudity must be downgraded to safe")
	}
	if !v.ImageAnalysis.FilteredForAdultNudity {
		t.Error("expected filteredForAdultNudity")
	}
	if len(v.ImageAnalysis.Violations) != 0 || len(v.Violations) != 0 {
		t.Error("violations must be cleared")
	}
	if !v.Safe {
		t.Error("overall verdict must be safe")
	}
	if images.lastReq.Sensitivity != "medium" {
		t.Errorf("expected default sensitivity, got %q", images.lastReq.Sensitivity)
	}
}

func TestScanner_ChildSexualImage_ShortCircuits(t *testing.T) {
	images := &mockImages{verdict: &engine.ImageVerdict{
		Safe:       false,
		Confidence: 0.7,
		Categories: []string{"nudity", "minor"},
	}}
	s, prompts, _ := newScanner(defaultConfig(), images)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		ImageURL: "https://cdn.example.com/a.png",
		Prompt:   "a portrait",
		ToolType: "image-to-video",
	})

	if v.Safe || !v.InstantBan {
		t.Fatal("expected instant ban")
	}
	if v.Reason != engine.ReasonChildSexualImage {
		t.Errorf("unexpected reason %q", v.Reason)
	}
	if v.OverallRisk != engine.RiskHigh {
		t.Errorf("expected high risk, got %v", v.OverallRisk)
	}
	if v.Confidence != 0.9 {
		t.Errorf("expected confidence floor 0.9, got %f", v.Confidence)
	}
	if prompts.calls != 0 {
		t.Errorf("prompt must not be evaluated, got %d calls", prompts.calls)
	}
	if !v.PromptAnalysis.Skipped {
		t.Error("prompt analysis should be marked skipped")
	}
}

func TestScanner_ChildSexualImage_KeepsHigherConfidence(t *testing.T) {
	images := &mockImages{verdict: &engine.ImageVerdict{Confidence: 0.97, Categories: []string{"nudity", "minor"}}}
	s, _, _ := newScanner(defaultConfig(), images)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{ImageURL: "u", ToolType: "t"})
	if v.Confidence != 0.97 {
		t.Errorf("expected 0.97, got %f", v.Confidence)
	}
}

func TestScanner_DisabledToolBypass(t *testing.T) {
	images := &mockImages{verdict: &engine.ImageVerdict{Categories: []string{"nudity", "minor"}}}
	s, prompts, _ := newScanner(defaultConfig(), images)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		ImageURL: "https://cdn.example.com/a.png",
		Prompt:   "17yo sex",
		ToolType: "upscaler",
	})

	if !v.Safe {
		t.Error("disabled tool must bypass")
	}
	if !v.ImageAnalysis.Skipped || !v.PromptAnalysis.Skipped {
		t.Error("both halves must be skipped")
	}
	if !v.ImageAnalysis.Safe || !v.PromptAnalysis.Safe {
		t.Error("skipped halves must be safe")
	}
	if v.OverallRisk != engine.RiskLow {
		t.Errorf("expected low risk, got %v", v.OverallRisk)
	}
	if images.calls != 0 || prompts.calls != 0 {
		t.Error("no analysis may run for a disabled tool")
	}
}

func TestScanner_GlobalDisable(t *testing.T) {
	cfg := defaultConfig()
	cfg.Enabled = false
	s, prompts, _ := newScanner(cfg, nil)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{Prompt: "17yo sex", ToolType: "text-to-image"})
	if !v.Safe || !v.PromptAnalysis.Skipped || prompts.calls != 0 {
		t.Error("global disable must bypass")
	}
}

func TestScanner_FailOpenOnEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	vision, err := detectors.NewVisionClient(detectors.VisionConfig{Endpoint: srv.URL, Timeout: time.Second}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewVisionClient: %v", err)
	}
	s, _, _ := newScanner(defaultConfig(), vision)

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		ImageURL: "https://cdn.example.com/a.png",
		ToolType: "image-to-video",
	})

	if !v.ImageAnalysis.AnalysisError {
		t.Error("expected imageAnalysis.analysisError")
	}
	if !v.ImageAnalysis.Safe || !v.Safe {
		t.Error("endpoint failure must fail open")
	}
	if v.ImageAnalysis.Confidence != 0 {
		t.Errorf("expected confidence 0, got %f", v.ImageAnalysis.Confidence)
	}
	if engine.ShouldShowWarning(v) {
		t.Error("no warning on a failed analysis")
	}
}

func TestScanner_FailOpenOnAnalyzerError(t *testing.T) {
	s, prompts, _ := newScanner(defaultConfig(), &mockImages{err: errors.New("dial tcp: refused")})

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{
		ImageURL: "u",
		Prompt:   "a cat",
		ToolType: "image-to-video",
	})
	if !v.Safe || !v.ImageAnalysis.AnalysisError {
		t.Error("analyzer error must fail open with analysisError")
	}
	if prompts.calls != 1 {
		t.Error("prompt must still be evaluated after an image failure")
	}
}

func TestScanner_RecoversFromPanic(t *testing.T) {
	s := engine.NewScanner(defaultConfig(), engine.ScannerDeps{
		Images:      &mockImages{verdict: &engine.ImageVerdict{}},
		Interpreter: panicInterpreter{},
		Prompts:     detectors.NewPromptDetector(zap.NewNop()),
	})

	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{ImageURL: "u", ToolType: "t"})
	if v == nil {
		t.Fatal("expected a verdict")
	}
	if !v.Safe || !v.AnalysisError {
		t.Error("panic must degrade to a fail-open verdict")
	}
	if v.OverallRisk != engine.RiskUnknown {
		t.Errorf("expected unknown risk, got %v", v.OverallRisk)
	}
}

func TestScanner_NilRequest(t *testing.T) {
	s, _, _ := newScanner(defaultConfig(), nil)
	v := s.PerformSafetyAnalysis(context.Background(), nil)
	if v == nil || !v.Safe {
		t.Error("nil request should yield a safe verdict")
	}
}

func TestScanner_ToolSensitivityOverride(t *testing.T) {
	cfg := defaultConfig()
	high := "high"
	cfg.Tools.Tools["face-swap"] = engine.ToolPolicy{ImageSensitivity: &high}
	images := &mockImages{verdict: &engine.ImageVerdict{Safe: true}}
	s, _, _ := newScanner(cfg, images)

	s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{ImageURL: "u", ToolType: "face-swap", AccessToken: "tok"})
	if images.lastReq.Sensitivity != "high" {
		t.Errorf("expected tool override, got %q", images.lastReq.Sensitivity)
	}
	if images.lastReq.AccessToken != "tok" {
		t.Error("access token must be forwarded to the analyzer")
	}
}

func TestScanner_VerdictJSONShape(t *testing.T) {
	s, _, _ := newScanner(defaultConfig(), nil)
	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{Prompt: "17yo s3x", ToolType: "text-to-image"})

	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"safe", "imageAnalysis", "promptAnalysis", "overallRisk", "violations", "recommendations", "confidence", "toolType", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if m["overallRisk"] != "high" {
		t.Errorf("expected overallRisk high, got %v", m["overallRisk"])
	}
	img := m["imageAnalysis"].(map[string]any)
	if img["skipped"] != true || img["safe"] != true {
		t.Errorf("skipped image should serialize safe+skipped, got %v", img)
	}
}

func TestScanner_LogSafetyAnalysis(t *testing.T) {
	s, _, events := newScanner(defaultConfig(), nil)
	v := s.PerformSafetyAnalysis(context.Background(), &engine.ScanRequest{Prompt: "17yo s3x", ToolType: "text-to-image"})

	s.LogSafetyAnalysis(v, engine.UserActionModify, engine.LogSubject{UserID: "user_1", Prompt: "17yo s3x"})
	s.LogSafetyAnalysis(v, engine.UserAction("bogus"), engine.LogSubject{})
	s.LogSafetyAnalysis(nil, engine.UserActionContinue, engine.LogSubject{})

	if len(events.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events.events))
	}
	e := events.events[0]
	if e.UserAction != "modify" || e.UserID != "user_1" || e.ToolType != "text-to-image" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Safe || e.OverallRisk != "high" || !e.PromptChecked || e.ImageChecked {
		t.Errorf("unexpected verdict fields: %+v", e)
	}
	if e.PromptMethod != "regex-child-safety" || e.PromptCategory != "child-safety" {
		t.Errorf("unexpected prompt fields: %+v", e)
	}
	if len(e.PromptHash) != 64 || e.PromptPreview != "17yo s3x" {
		t.Errorf("unexpected prompt preview/hash: %q %q", e.PromptPreview, e.PromptHash)
	}
	if e.EventID == "" || e.Source != "api" {
		t.Errorf("event id and default source must be set: %+v", e)
	}
	if events.events[1].UserAction != "none" {
		t.Errorf("unknown actions map to none, got %q", events.events[1].UserAction)
	}
	if !e.Timestamp.Equal(v.Timestamp) {
		t.Errorf("event timestamp = %v, want verdict timestamp %v", e.Timestamp, v.Timestamp)
	}
}

func TestScanner_LogSafetyAnalysis_StampsMissingTimestamp(t *testing.T) {
	s, _, events := newScanner(defaultConfig(), nil)

	before := time.Now().UTC()
	s.LogSafetyAnalysis(&engine.SafetyVerdict{Safe: true, ToolType: "text-to-image"}, engine.UserActionContinue, engine.LogSubject{})

	if len(events.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.events))
	}
	ts := events.events[0].Timestamp
	if ts.IsZero() || ts.Before(before.Add(-time.Second)) || ts.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("missing timestamp must be stamped with now, got %v", ts)
	}
}

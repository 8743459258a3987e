package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTruncatePrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prompt string
		maxLen int
		want   string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello"},
		{"multibyte kept whole", "héllo wörld", 7, "héllo w"},
		{"empty", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, TruncatePrompt(tt.prompt, tt.maxLen))
		})
	}
}

func TestBoolToUint8(t *testing.T) {
	assert.Equal(t, uint8(1), boolToUint8(true))
	assert.Equal(t, uint8(0), boolToUint8(false))
}

func TestNonNil(t *testing.T) {
	assert.NotNil(t, nonNil(nil))
	assert.Empty(t, nonNil(nil))
	assert.Equal(t, []string{"a"}, nonNil([]string{"a"}))
}

func TestLogWriter_WritesStructuredEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(&SafetyEvent{
		EventID:     "evt_1",
		Timestamp:   time.Now(),
		UserID:      "user_1",
		ToolType:    "text-to-image",
		UserAction:  "continue",
		Safe:        false,
		OverallRisk: "high",
		Confidence:  0.95,
		Violations:  []string{"v1"},
	})
	w.Close()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "safety_event", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "evt_1", fields["event_id"])
	assert.Equal(t, "user_1", fields["user_id"])
	assert.Equal(t, "continue", fields["user_action"])
	assert.Equal(t, false, fields["safe"])
	assert.Equal(t, "high", fields["overall_risk"])
}

func TestSafetyEventsDDL_CoversInsertColumns(t *testing.T) {
	for _, col := range []string{
		"event_id", "timestamp", "user_id", "session_id", "tool_type", "user_action",
		"safe", "instant_ban", "analysis_error", "reason", "overall_risk", "confidence",
		"violations", "recommendations", "image_checked", "image_analysis_error",
		"image_filtered_adult", "image_categories", "prompt_checked", "prompt_method",
		"prompt_category", "prompt_preview", "prompt_hash", "image_url", "latency_ms", "source",
	} {
		assert.Contains(t, safetyEventsDDL, "\t"+col+" ", "missing column %s", col)
	}
}

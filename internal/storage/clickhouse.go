package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// safetyEventsDDL creates the table ClickHouseWriter inserts into and chread reads from.
const safetyEventsDDL = `
CREATE TABLE IF NOT EXISTS safety_events (
	event_id             String,
	timestamp            DateTime64(3, 'UTC'),
	user_id              String,
	session_id           String,
	tool_type            LowCardinality(String),
	user_action          LowCardinality(String),
	safe                 UInt8,
	instant_ban          UInt8,
	analysis_error       UInt8,
	reason               String,
	overall_risk         LowCardinality(String),
	confidence           Float32,
	violations           Array(String),
	recommendations      Array(String),
	image_checked        UInt8,
	image_analysis_error UInt8,
	image_filtered_adult UInt8,
	image_categories     Array(String),
	prompt_checked       UInt8,
	prompt_method        LowCardinality(String),
	prompt_category      LowCardinality(String),
	prompt_preview       String,
	prompt_hash          String,
	image_url            String,
	latency_ms           Float32,
	source               LowCardinality(String)
) ENGINE = MergeTree
ORDER BY (tool_type, timestamp)
TTL toDateTime(timestamp) + INTERVAL 180 DAY`

// OpenClickHouse parses the DSN, opens a connection and pings it.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}

	// ClickHouse Cloud only accepts TLS; ParseDSN leaves it nil without ?secure=true.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	return conn, nil
}

// EnsureSchema creates the safety_events table if it does not exist.
func EnsureSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, safetyEventsDDL); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

// ClickHouseWriter writes safety events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *SafetyEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects to ClickHouse, ensures the schema and starts
// the background flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := OpenClickHouse(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *SafetyEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a safety event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *SafetyEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", event.EventID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*SafetyEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining events from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*SafetyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO safety_events (
			event_id, timestamp, user_id, session_id, tool_type, user_action,
			safe, instant_ban, analysis_error, reason, overall_risk, confidence,
			violations, recommendations,
			image_checked, image_analysis_error, image_filtered_adult, image_categories,
			prompt_checked, prompt_method, prompt_category, prompt_preview, prompt_hash,
			image_url, latency_ms, source
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.UserID,
			e.SessionID,
			e.ToolType,
			e.UserAction,
			boolToUint8(e.Safe),
			boolToUint8(e.InstantBan),
			boolToUint8(e.AnalysisError),
			e.Reason,
			e.OverallRisk,
			e.Confidence,
			nonNil(e.Violations),
			nonNil(e.Recommendations),
			boolToUint8(e.ImageChecked),
			boolToUint8(e.ImageAnalysisError),
			boolToUint8(e.ImageFilteredAdult),
			nonNil(e.ImageCategories),
			boolToUint8(e.PromptChecked),
			e.PromptMethod,
			e.PromptCategory,
			e.PromptPreview,
			e.PromptHash,
			e.ImageURL,
			e.LatencyMs,
			e.Source,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// boolToUint8 converts a bool for ClickHouse UInt8 columns.
func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *SafetyEvent) {
	w.logger.Info("safety_event",
		zap.String("event_id", event.EventID),
		zap.String("user_id", event.UserID),
		zap.String("tool_type", event.ToolType),
		zap.String("user_action", event.UserAction),
		zap.Bool("safe", event.Safe),
		zap.Bool("instant_ban", event.InstantBan),
		zap.String("reason", event.Reason),
		zap.String("overall_risk", event.OverallRisk),
		zap.Float32("confidence", event.Confidence),
		zap.Strings("violations", event.Violations),
		zap.String("prompt_method", event.PromptMethod),
		zap.Bool("image_analysis_error", event.ImageAnalysisError),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}

package chread

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/safescan/internal/storage"
	"go.uber.org/zap"
)

// eventColumns is the column list shared by ListEvents and GetEvent, in EventRow scan order.
const eventColumns = "event_id, timestamp, user_id, session_id, tool_type, user_action, " +
	"safe, instant_ban, analysis_error, reason, overall_risk, confidence, " +
	"violations, recommendations, " +
	"image_checked, image_analysis_error, image_filtered_adult, image_categories, " +
	"prompt_checked, prompt_method, prompt_category, prompt_preview, " +
	"latency_ms, source"

// Reader provides read access to the ClickHouse safety_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(ctx context.Context, dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := storage.OpenClickHouse(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the safety_events table.
type EventRow struct {
	EventID            string    `json:"event_id"`
	Timestamp          time.Time `json:"timestamp"`
	UserID             string    `json:"user_id"`
	SessionID          string    `json:"session_id"`
	ToolType           string    `json:"tool_type"`
	UserAction         string    `json:"user_action"`
	Safe               uint8     `json:"safe"`
	InstantBan         uint8     `json:"instant_ban"`
	AnalysisError      uint8     `json:"analysis_error"`
	Reason             string    `json:"reason"`
	OverallRisk        string    `json:"overall_risk"`
	Confidence         float32   `json:"confidence"`
	Violations         []string  `json:"violations"`
	Recommendations    []string  `json:"recommendations"`
	ImageChecked       uint8     `json:"image_checked"`
	ImageAnalysisError uint8     `json:"image_analysis_error"`
	ImageFilteredAdult uint8     `json:"image_filtered_adult"`
	ImageCategories    []string  `json:"image_categories"`
	PromptChecked      uint8     `json:"prompt_checked"`
	PromptMethod       string    `json:"prompt_method"`
	PromptCategory     string    `json:"prompt_category"`
	PromptPreview      string    `json:"prompt_preview"`
	LatencyMs          float32   `json:"latency_ms"`
	Source             string    `json:"source"`
}

func (e *EventRow) scanTargets() []any {
	return []any{
		&e.EventID, &e.Timestamp, &e.UserID, &e.SessionID, &e.ToolType, &e.UserAction,
		&e.Safe, &e.InstantBan, &e.AnalysisError, &e.Reason, &e.OverallRisk, &e.Confidence,
		&e.Violations, &e.Recommendations,
		&e.ImageChecked, &e.ImageAnalysisError, &e.ImageFilteredAdult, &e.ImageCategories,
		&e.PromptChecked, &e.PromptMethod, &e.PromptCategory, &e.PromptPreview,
		&e.LatencyMs, &e.Source,
	}
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	UserID      *string
	ToolType    *string
	UserAction  *string
	OverallRisk *string
	Safe        *bool
	InstantBan  *bool
	StartTime   *time.Time
	EndTime     *time.Time
	Page        int
	PageSize    int
}

// buildEventFilter turns the params into a WHERE clause and its named args.
func buildEventFilter(params ListEventsParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	eq := func(column string, v *string) {
		if v == nil {
			return
		}
		conditions = append(conditions, fmt.Sprintf("%s = @%s", column, column))
		args = append(args, clickhouse.Named(column, *v))
	}
	flag := func(column string, v *bool) {
		if v == nil {
			return
		}
		var u uint8
		if *v {
			u = 1
		}
		conditions = append(conditions, fmt.Sprintf("%s = @%s", column, column))
		args = append(args, clickhouse.Named(column, u))
	}

	eq("user_id", params.UserID)
	eq("tool_type", params.ToolType)
	eq("user_action", params.UserAction)
	eq("overall_risk", params.OverallRisk)
	flag("safe", params.Safe)
	flag("instant_ban", params.InstantBan)

	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	return strings.Join(conditions, " AND "), args
}

// ListEvents returns paginated, filtered safety events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}

	where, args := buildEventFilter(params)
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM safety_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM safety_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(e.scanTargets()...); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, eventID string) (*EventRow, error) {
	rows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT %s FROM safety_events WHERE event_id = @event_id LIMIT 1", eventColumns),
		clickhouse.Named("event_id", eventID),
	)
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e EventRow
	if err := rows.Scan(e.scanTargets()...); err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	return &e, nil
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalScans     int `json:"total_scans"`
	Unsafe         int `json:"unsafe"`
	InstantBans    int `json:"instant_bans"`
	AnalysisErrors int `json:"analysis_errors"`
	AdultFiltered  int `json:"adult_filtered"`
}

// ToolCount holds a tool type and its scan counts.
type ToolCount struct {
	ToolType string `json:"tool_type"`
	Scans    int    `json:"scans"`
	Unsafe   int    `json:"unsafe"`
}

// ActionCount holds a user action and its count.
type ActionCount struct {
	UserAction string `json:"user_action"`
	Count      int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// UserCount holds a user_id and its count.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats  `json:"summary"`
	ByTool             []ToolCount   `json:"by_tool"`
	UserActions        []ActionCount `json:"user_actions"`
	LatencyPercentiles LatencyStats  `json:"latency_percentiles"`
	TopFlaggedUsers    []UserCount   `json:"top_flagged_users"`
}

// GetAnalytics returns aggregated scan analytics over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	baseArgs := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{}

	// Summary counts
	var total, unsafe, bans, errs, adult uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), countIf(safe = 0), countIf(instant_ban = 1), "+
			"countIf(analysis_error = 1 OR image_analysis_error = 1), countIf(image_filtered_adult = 1) "+
			"FROM safety_events WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &unsafe, &bans, &errs, &adult)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalScans:     int(total),
		Unsafe:         int(unsafe),
		InstantBans:    int(bans),
		AnalysisErrors: int(errs),
		AdultFiltered:  int(adult),
	}

	// Per tool
	toolRows, err := r.conn.Query(ctx,
		"SELECT tool_type, count() as scans, countIf(safe = 0) as unsafe "+
			"FROM safety_events WHERE timestamp >= @range_start "+
			"GROUP BY tool_type ORDER BY scans DESC",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics by_tool: %w", err)
	}
	defer func() { _ = toolRows.Close() }()
	for toolRows.Next() {
		var tool string
		var scans, flagged uint64
		if err := toolRows.Scan(&tool, &scans, &flagged); err != nil {
			return nil, fmt.Errorf("GetAnalytics by_tool scan: %w", err)
		}
		result.ByTool = append(result.ByTool, ToolCount{ToolType: tool, Scans: int(scans), Unsafe: int(flagged)})
	}

	// User reactions to warnings
	actionRows, err := r.conn.Query(ctx,
		"SELECT user_action, count() as count "+
			"FROM safety_events WHERE timestamp >= @range_start AND user_action != 'none' "+
			"GROUP BY user_action ORDER BY count DESC",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics user_actions: %w", err)
	}
	defer func() { _ = actionRows.Close() }()
	for actionRows.Next() {
		var action string
		var count uint64
		if err := actionRows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics user_actions scan: %w", err)
		}
		result.UserActions = append(result.UserActions, ActionCount{UserAction: action, Count: int(count)})
	}

	// Latency percentiles
	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM safety_events WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Top flagged users
	userRows, err := r.conn.Query(ctx,
		"SELECT user_id, count() as count "+
			"FROM safety_events "+
			"WHERE safe = 0 AND user_id != '' AND timestamp >= @range_start "+
			"GROUP BY user_id ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_users: %w", err)
	}
	defer func() { _ = userRows.Close() }()
	for userRows.Next() {
		var uid string
		var count uint64
		if err := userRows.Scan(&uid, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_users scan: %w", err)
		}
		result.TopFlaggedUsers = append(result.TopFlaggedUsers, UserCount{UserID: uid, Count: int(count)})
	}

	// Ensure slices are non-nil for JSON serialization
	if result.ByTool == nil {
		result.ByTool = []ToolCount{}
	}
	if result.UserActions == nil {
		result.UserActions = []ActionCount{}
	}
	if result.TopFlaggedUsers == nil {
		result.TopFlaggedUsers = []UserCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}

// Package tracker records model token usage per chapter and stage.
package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/quire/ai/anthropic"
	"github.com/teranos/quire/errors"
)

// TokenUsage is one completion's token spend, attributed to a chapter and stage.
type TokenUsage struct {
	TargetID     string `json:"target_id"`
	Stage        string `json:"stage"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ModelUsage is a stored usage row.
type ModelUsage struct {
	ID               int64     `json:"id"`
	TargetID         string    `json:"target_id"`
	Stage            string    `json:"stage"`
	ModelName        string    `json:"model_name"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	Cost             float64   `json:"cost"`
	RequestTimestamp time.Time `json:"request_timestamp"`
}

// PricingFunc returns the USD cost of a completion.
type PricingFunc func(model string, inputTokens, outputTokens int) float64

// UsageTracker provides functionality to track AI model usage
type UsageTracker struct {
	db      *sql.DB
	pricing PricingFunc
	now     func() time.Time
}

// NewUsageTracker creates a tracker priced with the Anthropic price table.
func NewUsageTracker(db *sql.DB) *UsageTracker {
	return &UsageTracker{
		db:      db,
		pricing: anthropic.CalculateCost,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TrackTokens records one completion's usage.
func (t *UsageTracker) TrackTokens(ctx context.Context, usage TokenUsage) error {
	if usage.TargetID == "" || usage.Stage == "" || usage.Model == "" {
		return errors.NewInvalidRequestError("token usage needs target, stage and model (got %q, %q, %q)",
			usage.TargetID, usage.Stage, usage.Model)
	}

	query := `
		INSERT INTO ai_model_usage (
			target_id, stage, model_name, input_tokens, output_tokens, cost, request_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`

	cost := t.pricing(usage.Model, usage.InputTokens, usage.OutputTokens)
	_, err := t.db.ExecContext(ctx, query,
		usage.TargetID, usage.Stage, usage.Model,
		usage.InputTokens, usage.OutputTokens, cost, t.now(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record token usage for %s/%s", usage.TargetID, usage.Stage)
	}
	return nil
}

// UsageStats represents aggregated usage statistics
type UsageStats struct {
	TotalRequests     int     `json:"total_requests"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalCost         float64 `json:"total_cost"`
	UniqueModels      int     `json:"unique_models"`
}

// TotalTokens returns input plus output tokens.
func (s *UsageStats) TotalTokens() int {
	return s.TotalInputTokens + s.TotalOutputTokens
}

// GetUsageStats returns usage statistics for a given time period
func (t *UsageTracker) GetUsageStats(ctx context.Context, since time.Time) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*) as total_requests,
			COALESCE(SUM(input_tokens), 0) as total_input_tokens,
			COALESCE(SUM(output_tokens), 0) as total_output_tokens,
			COALESCE(SUM(cost), 0) as total_cost,
			COUNT(DISTINCT model_name) as unique_models
		FROM ai_model_usage
		WHERE request_timestamp >= ?`

	var stats UsageStats
	err := t.db.QueryRowContext(ctx, query, since.UTC()).Scan(
		&stats.TotalRequests, &stats.TotalInputTokens, &stats.TotalOutputTokens,
		&stats.TotalCost, &stats.UniqueModels,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}
	return &stats, nil
}

// ModelBreakdown represents usage statistics for a specific model
type ModelBreakdown struct {
	ModelName    string  `json:"model_name"`
	RequestCount int     `json:"request_count"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// GetModelBreakdown returns usage breakdown by model, most expensive first
func (t *UsageTracker) GetModelBreakdown(ctx context.Context, since time.Time) ([]ModelBreakdown, error) {
	query := `
		SELECT
			model_name,
			COUNT(*) as request_count,
			SUM(input_tokens) as input_tokens,
			SUM(output_tokens) as output_tokens,
			SUM(cost) as total_cost
		FROM ai_model_usage
		WHERE request_timestamp >= ?
		GROUP BY model_name
		ORDER BY total_cost DESC, model_name ASC`

	rows, err := t.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query model breakdown")
	}
	defer rows.Close()

	var breakdown []ModelBreakdown
	for rows.Next() {
		var mb ModelBreakdown
		if err := rows.Scan(&mb.ModelName, &mb.RequestCount, &mb.InputTokens, &mb.OutputTokens, &mb.TotalCost); err != nil {
			return nil, errors.Wrap(err, "failed to scan model breakdown")
		}
		breakdown = append(breakdown, mb)
	}
	return breakdown, rows.Err()
}

// GetTargetUsage returns every usage row for a chapter in request order.
func (t *UsageTracker) GetTargetUsage(ctx context.Context, targetID string) ([]ModelUsage, error) {
	query := `
		SELECT id, target_id, stage, model_name, input_tokens, output_tokens, cost, request_timestamp
		FROM ai_model_usage
		WHERE target_id = ?
		ORDER BY request_timestamp ASC, id ASC`

	rows, err := t.db.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query usage for %s", targetID)
	}
	defer rows.Close()

	var usage []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.ID, &u.TargetID, &u.Stage, &u.ModelName,
			&u.InputTokens, &u.OutputTokens, &u.Cost, &u.RequestTimestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage row")
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

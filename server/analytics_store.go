package server

import (
	"context"
	"time"
)

// DailyRollupRow is one day's aggregated session activity. Date is a UTC
// calendar day formatted as 2006-01-02.
type DailyRollupRow struct {
	Date              string    `json:"date"`
	SessionsStarted   int64     `json:"sessions_started"`
	SessionsCompleted int64     `json:"sessions_completed"`
	Escalations       int64     `json:"escalations"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AnalyticsStore aggregates session activity into daily rollup rows.
// Rollups are recomputed from the source tables, so upserting the same
// window twice is safe.
type AnalyticsStore interface {
	// AggregateDaily computes rollup rows from sessions and escalations
	// started at or after since.
	AggregateDaily(ctx context.Context, since time.Time) ([]DailyRollupRow, error)

	// UpsertDailyRollups writes rows into the rollup table, replacing
	// existing rows for the same dates.
	UpsertDailyRollups(ctx context.Context, rows []DailyRollupRow) error

	// ListDailyRollups returns rollup rows newest-first, up to limit.
	ListDailyRollups(ctx context.Context, limit int) ([]DailyRollupRow, error)
}

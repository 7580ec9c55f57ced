package ecsviewer

import (
	"context"
	"log/slog"
)

// Target represents a visualization output destination.
type Target interface {
	// Update sends new state to the target.
	Update(ctx context.Context, state *ViewState) error

	// Close cleans up the target.
	Close() error

	// Name returns a descriptive name for logging.
	Name() string
}

// LogTarget writes a one-line summary of every update to a logger. Useful
// for headless runs and for watching the next-system prediction.
type LogTarget struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogTarget creates a LogTarget logging at level.
func NewLogTarget(logger *slog.Logger, level slog.Level) *LogTarget {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTarget{logger: logger, level: level}
}

// Name implements Target.
func (t *LogTarget) Name() string { return "LogTarget" }

// Update implements Target.
func (t *LogTarget) Update(ctx context.Context, state *ViewState) error {
	if state == nil {
		return nil
	}
	t.logger.Log(ctx, t.level, "view: update",
		"sequence", state.Sequence,
		"entities", state.Summary.TotalEntities,
		"instances", state.Summary.TotalInstances,
		"systems", state.Summary.TotalSystems,
		"queries", state.Summary.TotalQueries,
		"execute_ms", state.Summary.TotalExecuteTime,
		"next_system", state.NextSystem,
		"fallback", state.NextSystemFallback,
		"over_queries", len(state.Highlight.OverQueries),
		"over_components", len(state.Highlight.OverComponents),
	)
	return nil
}

// Close implements Target.
func (t *LogTarget) Close() error { return nil }

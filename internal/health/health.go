// Package health derives per-source operational status from the run
// history. Status is computed on read; there is no background state to
// drift from the database.
package health

import (
	"context"
	"fmt"

	"github.com/cararth/syndicate/internal/store"
)

// Status values.
const (
	StatusUnknown = "unknown" // no runs yet
	StatusFailing = "failing"
	StatusHealthy = "healthy"
)

// Config tunes the failure window.
type Config struct {
	Window      int     `yaml:"window"`       // runs considered, default 10
	FailureRate float64 `yaml:"failure_rate"` // failing cutoff, default 0.5
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 10
	}
	if c.FailureRate <= 0 {
		c.FailureRate = 0.5
	}
}

// SourceHealth is one source's derived status.
type SourceHealth struct {
	SourceID     string  `json:"source_id"`
	PartnerName  string  `json:"partner_name"`
	FeedType     string  `json:"feed_type"`
	Status       string  `json:"status"`
	TotalRuns    int     `json:"total_runs"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	WindowRate   float64 `json:"window_failure_rate"`
	LastRunAt    *int64  `json:"last_run_at,omitempty"`
	LastStatus   string  `json:"last_status,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
	FailStreak   int     `json:"fail_streak"`
}

// Registry computes health snapshots.
type Registry struct {
	store  *store.Store
	config Config
}

// NewRegistry creates a Registry.
func NewRegistry(st *store.Store, cfg Config) *Registry {
	cfg.defaults()
	return &Registry{store: st, config: cfg}
}

// Snapshot derives health for every configured source.
func (r *Registry) Snapshot(ctx context.Context) ([]*SourceHealth, error) {
	sources, err := r.store.ListPartnerSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	out := make([]*SourceHealth, 0, len(sources))
	for _, src := range sources {
		h, err := r.SourceSnapshot(ctx, src)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// SourceSnapshot derives health for one source.
func (r *Registry) SourceSnapshot(ctx context.Context, src *store.PartnerSource) (*SourceHealth, error) {
	total, success, failure, err := r.store.RunCounters(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("run counters for %s: %w", src.ID, err)
	}

	h := &SourceHealth{
		SourceID:     src.ID,
		PartnerName:  src.PartnerName,
		FeedType:     src.FeedType,
		TotalRuns:    total,
		SuccessCount: success,
		FailureCount: failure,
		LastRunAt:    src.LastRunAt,
		LastStatus:   src.LastStatus,
		LastError:    src.LastError,
		FailStreak:   src.FailCount,
	}

	if total == 0 {
		h.Status = StatusUnknown
		return h, nil
	}

	recent, err := r.store.RunHistory(ctx, src.ID, r.config.Window)
	if err != nil {
		return nil, fmt.Errorf("run history for %s: %w", src.ID, err)
	}
	var windowFailures int
	for _, run := range recent {
		if run.Status != "success" {
			windowFailures++
		}
	}
	h.WindowRate = float64(windowFailures) / float64(len(recent))

	latestFailed := len(recent) > 0 && recent[0].Status != "success"
	if latestFailed && h.WindowRate >= r.config.FailureRate {
		h.Status = StatusFailing
	} else {
		h.Status = StatusHealthy
	}
	return h, nil
}

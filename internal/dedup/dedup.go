// Package dedup decides whether an incoming listing duplicates one
// already in inventory. Confidence combines an exact identifier match,
// fuzzy attribute similarity, and an optional image similarity signal.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/cararth/syndicate/internal/imagesim"
	"github.com/cararth/syndicate/internal/store"
)

// Decision values.
const (
	DecisionAdmit = "admit" // below flag threshold, new inventory
	DecisionFlag  = "flag"  // ambiguous, goes to review
	DecisionSkip  = "skip"  // confident duplicate, dropped
)

// Signal weights. Exact identifier match overrides everything; fuzzy
// attributes and images are additive.
const (
	weightFuzzy  = 0.6
	weightImages = 0.3
)

// Config holds the decision thresholds.
type Config struct {
	SkipThreshold float64 `yaml:"skip_threshold"` // default 0.85
	FlagThreshold float64 `yaml:"flag_threshold"` // default 0.5
}

func (c *Config) defaults() {
	if c.SkipThreshold <= 0 {
		c.SkipThreshold = 0.85
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = 0.5
	}
}

// Result explains a dedup decision.
type Result struct {
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	MatchedID  string   `json:"matched_id,omitempty"`
	Signals    []string `json:"signals,omitempty"`
}

// Engine scores candidates against inventory.
type Engine struct {
	config Config
	images imagesim.Comparer // nil when image similarity is not wired
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*sync.Mutex
}

// NewEngine creates a dedup engine. images may be nil.
func NewEngine(cfg Config, images imagesim.Comparer, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:  cfg,
		images:  images,
		logger:  logger,
		buckets: make(map[string]*sync.Mutex),
	}
}

// Bucket returns the serialization key for a listing: the VIN's WMI+VDS
// prefix when a full VIN is present, otherwise make|model. Two listings
// that could match always share a bucket.
func Bucket(l *store.Listing) string {
	if len(l.VIN) >= 11 {
		return "vin:" + l.VIN[:11]
	}
	return "mm:" + strings.ToLower(l.Make) + "|" + strings.ToLower(l.Model)
}

// LockBucket serializes dedup decisions within a bucket so two
// near-duplicates arriving concurrently cannot both be admitted. The
// returned func releases the bucket.
func (e *Engine) LockBucket(key string) func() {
	e.mu.Lock()
	m, ok := e.buckets[key]
	if !ok {
		m = &sync.Mutex{}
		e.buckets[key] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Dedupe scores candidate against the inventory slice and returns the
// decision. Inventory includes listings admitted earlier in the same batch.
func (e *Engine) Dedupe(ctx context.Context, candidate *store.Listing, inventory []*store.Listing) Result {
	best := Result{Decision: DecisionAdmit}

	for _, existing := range inventory {
		if existing.ID == candidate.ID {
			continue
		}

		if exactIdentifierMatch(candidate, existing) {
			return Result{
				Decision:   DecisionSkip,
				Confidence: 1.0,
				MatchedID:  existing.ID,
				Signals:    []string{"identifier"},
			}
		}

		conf, signals := e.score(ctx, candidate, existing)
		if conf > best.Confidence ||
			(conf == best.Confidence && best.MatchedID != "" && existing.UpdatedAt > updatedAtOf(inventory, best.MatchedID)) {
			best.Confidence = conf
			best.MatchedID = existing.ID
			best.Signals = signals
		}
	}

	switch {
	case best.Confidence >= e.config.SkipThreshold:
		best.Decision = DecisionSkip
	case best.Confidence >= e.config.FlagThreshold:
		best.Decision = DecisionFlag
	default:
		best.Decision = DecisionAdmit
		best.MatchedID = ""
		best.Signals = nil
	}
	return best
}

func updatedAtOf(inventory []*store.Listing, id string) int64 {
	for _, l := range inventory {
		if l.ID == id {
			return l.UpdatedAt
		}
	}
	return 0
}

func exactIdentifierMatch(a, b *store.Listing) bool {
	if a.VIN != "" && a.VIN == b.VIN {
		return true
	}
	if a.Registration != "" && a.Registration == b.Registration {
		return true
	}
	return false
}

// score combines the fuzzy attribute signal and the image signal.
func (e *Engine) score(ctx context.Context, candidate, existing *store.Listing) (float64, []string) {
	var conf float64
	var signals []string

	if f := fuzzyScore(candidate, existing); f > 0 {
		conf += f * weightFuzzy
		signals = append(signals, "attributes")
	}

	if e.images != nil && len(candidate.Images) > 0 && len(existing.Images) > 0 {
		sim, err := e.images.Compare(ctx, candidate.Images, existing.Images)
		if err != nil {
			// The image signal degrades to zero rather than failing the run.
			e.logger.Warn("image similarity unavailable",
				slog.String("candidate", candidate.ID), slog.String("error", err.Error()))
		} else if sim > 0 {
			conf += sim * weightImages
			signals = append(signals, "images")
		}
	}

	if conf > 1 {
		conf = 1
	}
	return conf, signals
}

// fuzzyScore is 1.0 when make, model, year and city all match and price
// (±10%) and mileage (±15%) overlap; partial matches score proportionally.
func fuzzyScore(a, b *store.Listing) float64 {
	if !strings.EqualFold(a.Make, b.Make) || !strings.EqualFold(a.Model, b.Model) {
		return 0
	}

	hits, total := 2.0, 2.0

	total++
	if a.Year != 0 && a.Year == b.Year {
		hits++
	}
	total++
	if a.City != "" && strings.EqualFold(a.City, b.City) {
		hits++
	}
	total++
	if withinPct(a.Price, b.Price, 0.10) {
		hits++
	}
	total++
	if withinPct(a.Mileage, b.Mileage, 0.15) {
		hits++
	}

	return hits / total
}

func withinPct(a, b int64, pct float64) bool {
	if a == 0 || b == 0 {
		return false
	}
	hi := float64(b) * (1 + pct)
	lo := float64(b) * (1 - pct)
	return float64(a) >= lo && float64(a) <= hi
}

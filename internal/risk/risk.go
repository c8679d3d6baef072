// Package risk scores listings for fraud and quality signals with a
// deterministic rule set. The same input always produces the same
// assessment.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cararth/syndicate/internal/store"
	"github.com/cararth/syndicate/vin"
)

// Bands.
const (
	BandLow    = "low"
	BandMedium = "medium"
	BandHigh   = "high"
)

// Config holds band cutoffs and sanity bounds.
type Config struct {
	HighThreshold   int   `yaml:"high_threshold"`   // default 70
	MediumThreshold int   `yaml:"medium_threshold"` // default 40
	MinPrice        int64 `yaml:"min_price"`        // default 10,000 INR
	MaxPrice        int64 `yaml:"max_price"`        // default 100,000,000 INR
	MaxMileage      int64 `yaml:"max_mileage"`      // default 500,000 km
	MinYear         int   `yaml:"min_year"`         // default 1990
	// RequiredDocuments lists document kinds every listing must carry,
	// matched by substring against document URLs/names. Default: rc.
	RequiredDocuments []string `yaml:"required_documents"`
}

func (c *Config) defaults() {
	if c.HighThreshold <= 0 {
		c.HighThreshold = 70
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = 40
	}
	if c.MinPrice <= 0 {
		c.MinPrice = 10_000
	}
	if c.MaxPrice <= 0 {
		c.MaxPrice = 100_000_000
	}
	if c.MaxMileage <= 0 {
		c.MaxMileage = 500_000
	}
	if c.MinYear <= 0 {
		c.MinYear = 1990
	}
	if c.RequiredDocuments == nil {
		c.RequiredDocuments = []string{"rc"}
	}
}

// Assessment is the scored outcome for one listing.
type Assessment struct {
	Score       int      `json:"score"` // clamped to [0, 100]
	Band        string   `json:"band"`
	Reasons     []string `json:"reasons,omitempty"`
	HardBlocked bool     `json:"hard_blocked"`
}

// Scorer applies the rule set.
type Scorer struct {
	config Config
	now    func() time.Time
}

// NewScorer creates a Scorer. now may be nil (defaults to time.Now) and
// exists so year plausibility is testable.
func NewScorer(cfg Config, now func() time.Time) *Scorer {
	cfg.defaults()
	if now == nil {
		now = time.Now
	}
	return &Scorer{config: cfg, now: now}
}

// Score evaluates every rule against the listing.
func (s *Scorer) Score(l *store.Listing) Assessment {
	var a Assessment

	add := func(points int, reason string) {
		a.Score += points
		a.Reasons = append(a.Reasons, reason)
	}

	// A listing can pass normalization on registration alone; no VIN is
	// then a risk signal rather than a rejection.
	if l.VIN == "" {
		add(30, "missing VIN")
	} else if err := vin.Validate(l.VIN); errors.Is(err, vin.ErrChecksum) {
		add(25, "VIN checksum failure")
		a.HardBlocked = true
	} else if err != nil {
		add(25, fmt.Sprintf("VIN invalid: %v", err))
		a.HardBlocked = true
	}

	if l.Price < s.config.MinPrice || l.Price > s.config.MaxPrice {
		add(20, fmt.Sprintf("price %d outside bounds [%d, %d]", l.Price, s.config.MinPrice, s.config.MaxPrice))
	}

	for _, doc := range s.config.RequiredDocuments {
		if !hasDocument(l.Documents, doc) {
			add(15, "missing document: "+doc)
		}
	}

	if l.Registration != "" && l.State != "" {
		if st := vin.PlateState(l.Registration); st != "" && !strings.EqualFold(st, l.State) {
			add(10, fmt.Sprintf("registration state %s does not match listing state %s", st, l.State))
		}
	}

	if len(l.Images) == 0 {
		add(10, "no images")
	}

	maxYear := s.now().Year() + 1
	if l.Year != 0 && (l.Year < s.config.MinYear || l.Year > maxYear) {
		add(15, fmt.Sprintf("implausible year %d", l.Year))
	}

	if l.Mileage > s.config.MaxMileage {
		add(10, fmt.Sprintf("implausible mileage %d km", l.Mileage))
	}

	if a.Score > 100 {
		a.Score = 100
	}
	a.Band = s.band(a.Score)
	return a
}

func (s *Scorer) band(score int) string {
	switch {
	case score >= s.config.HighThreshold:
		return BandHigh
	case score >= s.config.MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

func hasDocument(docs []string, kind string) bool {
	for _, d := range docs {
		if strings.Contains(strings.ToLower(d), strings.ToLower(kind)) {
			return true
		}
	}
	return false
}

// Package pattern owns the pattern cache: per-pattern records, the secondary
// indexes over them, and the short-lived scan response cache.
package pattern

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Source tiers reported by the upstream detector.
const (
	TierDaily    = "daily"
	TierIntraday = "intraday"
	TierCombo    = "combo"
	TierFallback = "fallback"
	TierUnknown  = "unknown"
)

// Indicator names consulted by scan filters.
const (
	IndicatorRelStrength = "relative_strength"
	IndicatorRelVolume   = "relative_volume"
	IndicatorRSI         = "rsi"
)

// Record is one detected pattern. Timestamps are unix seconds to match the
// wire format end to end.
type Record struct {
	Symbol       string             `json:"symbol"`
	PatternType  string             `json:"pattern_type"`
	Confidence   float64            `json:"confidence"`
	CurrentPrice float64            `json:"current_price"`
	PriceChange  float64            `json:"price_change"`
	DetectedAt   float64            `json:"detected_at"`
	ExpiresAt    float64            `json:"expires_at"`
	Indicators   map[string]float64 `json:"indicators,omitempty"`
	SourceTier   string             `json:"source_tier"`
}

// ID derives the record identity: "{symbol}:{pattern_type}:{detected_ts}".
func (r *Record) ID() string {
	return fmt.Sprintf("%s:%s:%d", r.Symbol, r.PatternType, int64(math.Floor(r.DetectedAt)))
}

// ParseID splits an id back into its parts. Symbols are case-sensitive and
// must not contain ':'; pattern types may (split is outside-in).
func ParseID(id string) (symbol, patternType string, detectedTS int64, err error) {
	first := strings.Index(id, ":")
	last := strings.LastIndex(id, ":")
	if first < 0 || last <= first {
		return "", "", 0, fmt.Errorf("malformed pattern id %q", id)
	}
	ts, err := strconv.ParseInt(id[last+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed pattern id %q: %w", id, err)
	}
	return id[:first], id[first+1 : last], ts, nil
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("record missing symbol")
	}
	if r.PatternType == "" {
		return fmt.Errorf("record missing pattern_type")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of [0,1]", r.Confidence)
	}
	if r.DetectedAt > r.ExpiresAt {
		return fmt.Errorf("detected_at %.0f after expires_at %.0f", r.DetectedAt, r.ExpiresAt)
	}
	return nil
}

// Expired reports whether the record is past its expires_at.
func (r *Record) Expired(now time.Time) bool {
	return float64(now.Unix()) >= r.ExpiresAt
}

// Indicator returns a named indicator, or def when absent.
func (r *Record) Indicator(name string, def float64) float64 {
	if v, ok := r.Indicators[name]; ok {
		return v
	}
	return def
}

// NormalizeTier maps free-form tier strings onto the known set.
func NormalizeTier(tier string) string {
	switch tier {
	case TierDaily, TierIntraday, TierCombo, TierFallback:
		return tier
	default:
		return TierUnknown
	}
}

// Display is the externally-visible projection of a record used by the scan
// HTTP contract.
type Display struct {
	Symbol  string  `json:"symbol"`
	Pattern string  `json:"pattern"`
	Conf    float64 `json:"conf"`
	RS      string  `json:"rs"`
	Vol     string  `json:"vol"`
	Price   string  `json:"price"`
	Chg     string  `json:"chg"`
	Time    string  `json:"time"`
	Exp     string  `json:"exp"`
	Source  string  `json:"source"`
}

// Fixed abbreviation table for pattern type display names.
var patternAbbrevs = map[string]string{
	"Weekly_Breakout":    "WeeklyBO",
	"Bull_Flag":          "BullFlag",
	"Trendline_Hold":     "TrendHold",
	"Volume_Spike":       "VolSpike",
	"Gap_Fill":           "GapFill",
	"Momentum_Shift":     "MomShift",
	"Support_Test":       "Support",
	"Resistance_Break":   "ResBreak",
	"Ascending_Triangle": "AscTri",
	"Reversal_Signal":    "Reversal",
	"Doji":               "Doji",
	"Hammer":             "Hammer",
	"Engulfing":          "Engulfing",
}

// AbbreviatePattern returns the display form of a pattern type. Unknown
// types are truncated to 8 characters.
func AbbreviatePattern(patternType string) string {
	if abbrev, ok := patternAbbrevs[patternType]; ok {
		return abbrev
	}
	if len(patternType) > 8 {
		return patternType[:8]
	}
	return patternType
}

// Display converts a record to its display shape relative to now.
func (r *Record) Display(now time.Time) Display {
	return Display{
		Symbol:  r.Symbol,
		Pattern: AbbreviatePattern(r.PatternType),
		Conf:    math.Round(r.Confidence*100) / 100,
		RS:      fmt.Sprintf("%.1fx", r.Indicator(IndicatorRelStrength, 1.0)),
		Vol:     fmt.Sprintf("%.1fx", r.Indicator(IndicatorRelVolume, 1.0)),
		Price:   fmt.Sprintf("$%.2f", r.CurrentPrice),
		Chg:     fmt.Sprintf("%+.1f%%", r.PriceChange),
		Time:    humanDelta(now.Unix() - int64(r.DetectedAt)),
		Exp:     humanExpiry(int64(r.ExpiresAt) - now.Unix()),
		Source:  NormalizeTier(r.SourceTier),
	}
}

// humanDelta renders an elapsed duration as Ns/Nm/Nh/Nd by magnitude.
func humanDelta(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh", seconds/3600)
	default:
		return fmt.Sprintf("%dd", seconds/86400)
	}
}

// humanExpiry renders time remaining until expiry, "Expired" once past.
func humanExpiry(seconds int64) string {
	if seconds <= 0 {
		return "Expired"
	}
	return humanDelta(seconds)
}

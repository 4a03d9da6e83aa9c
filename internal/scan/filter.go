// Package scan serves filtered, sorted, paginated views of the pattern cache
// behind a read-through response cache.
package scan

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Sort keys accepted by the filter schema.
const (
	SortConfidence = "confidence"
	SortDetectedAt = "detected_at"
	SortSymbol     = "symbol"
	SortRS         = "rs"
	SortVolume     = "volume"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

const (
	defaultConfidenceMin = 0.5
	defaultPerPage       = 30
	maxPerPage           = 100
)

// Filters is the scan filter schema. Zero values mean "not set"; Normalize
// applies the documented defaults. Unknown filters are ignored at parse time.
type Filters struct {
	PatternTypes  []string   `json:"pattern_types,omitempty"`
	Symbols       []string   `json:"symbols,omitempty"`
	ConfidenceMin *float64   `json:"confidence_min,omitempty"`
	RSMin         float64    `json:"rs_min,omitempty"`
	VolMin        float64    `json:"vol_min,omitempty"`
	RSIRange      *[2]float64 `json:"rsi_range,omitempty"`
	SortBy        string     `json:"sort_by,omitempty"`
	SortOrder     string     `json:"sort_order,omitempty"`
	Page          int        `json:"page,omitempty"`
	PerPage       int        `json:"per_page,omitempty"`
}

// Normalized is a fully-defaulted, validated filter set.
type Normalized struct {
	PatternTypes  map[string]struct{}
	Symbols       map[string]struct{}
	ConfidenceMin float64
	RSMin         float64
	VolMin        float64
	RSILo, RSIHi  float64
	SortBy        string
	SortOrder     string
	Page          int
	PerPage       int
}

// Normalize applies defaults and validates enums and ranges. Violations are
// contract errors: the caller returns an error response without touching the
// cache.
func (f Filters) Normalize() (Normalized, error) {
	n := Normalized{
		ConfidenceMin: defaultConfidenceMin,
		RSMin:         f.RSMin,
		VolMin:        f.VolMin,
		RSILo:         0,
		RSIHi:         100,
		SortBy:        SortConfidence,
		SortOrder:     OrderDesc,
		Page:          1,
		PerPage:       defaultPerPage,
	}

	if f.ConfidenceMin != nil {
		if *f.ConfidenceMin < 0 || *f.ConfidenceMin > 1 {
			return n, fmt.Errorf("confidence_min must be in [0,1], got %g", *f.ConfidenceMin)
		}
		n.ConfidenceMin = *f.ConfidenceMin
	}
	if f.RSIRange != nil {
		if f.RSIRange[0] > f.RSIRange[1] {
			return n, fmt.Errorf("rsi_range lo %g > hi %g", f.RSIRange[0], f.RSIRange[1])
		}
		n.RSILo, n.RSIHi = f.RSIRange[0], f.RSIRange[1]
	}

	switch f.SortBy {
	case "":
	case SortConfidence, SortDetectedAt, SortSymbol, SortRS, SortVolume:
		n.SortBy = f.SortBy
	default:
		return n, fmt.Errorf("invalid sort_by %q", f.SortBy)
	}

	switch f.SortOrder {
	case "":
	case OrderAsc, OrderDesc:
		n.SortOrder = f.SortOrder
	default:
		return n, fmt.Errorf("invalid sort_order %q", f.SortOrder)
	}

	if f.Page != 0 {
		if f.Page < 1 {
			return n, fmt.Errorf("page must be >= 1, got %d", f.Page)
		}
		n.Page = f.Page
	}
	if f.PerPage != 0 {
		if f.PerPage < 1 || f.PerPage > maxPerPage {
			return n, fmt.Errorf("per_page must be 1-%d, got %d", maxPerPage, f.PerPage)
		}
		n.PerPage = f.PerPage
	}

	if len(f.PatternTypes) > 0 {
		n.PatternTypes = make(map[string]struct{}, len(f.PatternTypes))
		for _, p := range f.PatternTypes {
			n.PatternTypes[p] = struct{}{}
		}
	}
	if len(f.Symbols) > 0 {
		n.Symbols = make(map[string]struct{}, len(f.Symbols))
		for _, s := range f.Symbols {
			n.Symbols[s] = struct{}{}
		}
	}

	return n, nil
}

// CacheKey is the stable response-cache key: md5 over the canonical JSON of
// the normalized filters (map keys are sorted by encoding/json; sets are
// sorted explicitly).
func (n Normalized) CacheKey() string {
	canonical := map[string]any{
		"confidence_min": n.ConfidenceMin,
		"rs_min":         n.RSMin,
		"vol_min":        n.VolMin,
		"rsi_range":      []float64{n.RSILo, n.RSIHi},
		"sort_by":        n.SortBy,
		"sort_order":     n.SortOrder,
		"page":           n.Page,
		"per_page":       n.PerPage,
		"pattern_types":  sortedKeys(n.PatternTypes),
		"symbols":        sortedKeys(n.Symbols),
	}
	data, _ := json.Marshal(canonical)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseQuery builds Filters from flat query params. Unknown params are
// ignored; malformed numerics are contract errors.
func ParseQuery(values url.Values) (Filters, error) {
	var f Filters

	if v := values.Get("pattern_types"); v != "" {
		f.PatternTypes = splitList(v)
	}
	if v := values.Get("symbols"); v != "" {
		f.Symbols = splitList(v)
	}
	if v := values.Get("confidence_min"); v != "" {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("invalid confidence_min %q", v)
		}
		f.ConfidenceMin = &x
	}
	if v := values.Get("rs_min"); v != "" {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("invalid rs_min %q", v)
		}
		f.RSMin = x
	}
	if v := values.Get("vol_min"); v != "" {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("invalid vol_min %q", v)
		}
		f.VolMin = x
	}

	rsiMin, rsiMax := values.Get("rsi_min"), values.Get("rsi_max")
	if rsiMin != "" || rsiMax != "" {
		lo, hi := 0.0, 100.0
		var err error
		if rsiMin != "" {
			if lo, err = strconv.ParseFloat(rsiMin, 64); err != nil {
				return f, fmt.Errorf("invalid rsi_min %q", rsiMin)
			}
		}
		if rsiMax != "" {
			if hi, err = strconv.ParseFloat(rsiMax, 64); err != nil {
				return f, fmt.Errorf("invalid rsi_max %q", rsiMax)
			}
		}
		f.RSIRange = &[2]float64{lo, hi}
	}

	f.SortBy = values.Get("sort_by")
	f.SortOrder = values.Get("sort_order")

	if v := values.Get("page"); v != "" {
		x, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid page %q", v)
		}
		f.Page = x
	}
	if v := values.Get("per_page"); v != "" {
		x, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid per_page %q", v)
		}
		f.PerPage = x
	}

	return f, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Package events consumes the producer's bus channels, classifies messages
// into typed events, and dispatches them to registered handlers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tickstock/relay/internal/pattern"
)

// Kind classifies an ingress event.
type Kind string

const (
	KindPatternDetected  Kind = "pattern_detected"
	KindBacktestProgress Kind = "backtest_progress"
	KindBacktestResult   Kind = "backtest_result"
	KindSystemHealth     Kind = "system_health"
)

// Envelope is the common ingress message shape.
type Envelope struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Timestamp float64        `json:"timestamp"`
	Data      map[string]any `json:"data"`
	FlowID    string         `json:"flow_id"`
}

// ErrDeepNesting marks payloads nested deeper than the two historically
// observed envelope levels. These are dropped with a metric rather than
// unwrapped further.
var ErrDeepNesting = fmt.Errorf("payload nested deeper than data.data")

// ParseEnvelope decodes the outer message shape.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

// ParsePatternEvent extracts a pattern record and flow id from a raw pattern
// message, tolerating the three historically observed envelope shapes:
//
//	flat:          {symbol, pattern, confidence, ...}
//	single-nested: {data: {symbol, pattern, ...}}
//	double-nested: {data: {data: {symbol, pattern, ...}, flow_id}}
//
// The legacy field pattern_name is accepted as a synonym for pattern.
// defaultTTL fills expires_at when the producer omits it.
func ParsePatternEvent(raw []byte, defaultTTL time.Duration, now time.Time) (*pattern.Record, string, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, "", fmt.Errorf("malformed pattern message: %w", err)
	}

	flowID, _ := msg["flow_id"].(string)

	// Nested shapes are tried first, then the flat shape.
	payload := msg
	if d1, ok := msg["data"].(map[string]any); ok {
		payload = d1
		if fid, ok := d1["flow_id"].(string); ok && flowID == "" {
			flowID = fid
		}
		if d2, ok := d1["data"].(map[string]any); ok {
			if _, deeper := d2["data"].(map[string]any); deeper {
				return nil, flowID, ErrDeepNesting
			}
			payload = d2
			if fid, ok := d2["flow_id"].(string); ok && flowID == "" {
				flowID = fid
			}
		}
	}

	symbol, _ := payload["symbol"].(string)
	patternType, _ := payload["pattern"].(string)
	if patternType == "" {
		patternType, _ = payload["pattern_name"].(string)
	}
	if symbol == "" || patternType == "" {
		return nil, flowID, fmt.Errorf("pattern payload missing symbol or pattern")
	}

	detectedAt := numField(payload, "detected_at", 0)
	if detectedAt == 0 {
		detectedAt = numField(msg, "timestamp", float64(now.Unix()))
	}
	expiresAt := numField(payload, "expires_at", 0)
	if expiresAt == 0 {
		expiresAt = float64(now.Unix()) + defaultTTL.Seconds()
	}

	rec := &pattern.Record{
		Symbol:       symbol,
		PatternType:  patternType,
		Confidence:   numField(payload, "confidence", 0),
		CurrentPrice: numField(payload, "current_price", 0),
		PriceChange:  numField(payload, "price_change", 0),
		DetectedAt:   detectedAt,
		ExpiresAt:    expiresAt,
		SourceTier:   pattern.NormalizeTier(strField(payload, "source")),
	}

	if indicators, ok := payload["indicators"].(map[string]any); ok {
		rec.Indicators = make(map[string]float64, len(indicators))
		for name, v := range indicators {
			if f, ok := v.(float64); ok {
				rec.Indicators[name] = f
			}
		}
	}

	return rec, flowID, nil
}

func numField(m map[string]any, key string, def float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return def
}

func strField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

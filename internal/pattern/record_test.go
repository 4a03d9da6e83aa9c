package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *Record {
	return &Record{
		Symbol:       "AAPL",
		PatternType:  "Bull_Flag",
		Confidence:   0.85,
		CurrentPrice: 150.25,
		PriceChange:  2.3,
		DetectedAt:   1700000000,
		ExpiresAt:    1700003600,
		Indicators: map[string]float64{
			IndicatorRelStrength: 1.4,
			IndicatorRelVolume:   2.1,
			IndicatorRSI:         62,
		},
		SourceTier: TierDaily,
	}
}

func TestRecordID(t *testing.T) {
	rec := testRecord()
	assert.Equal(t, "AAPL:Bull_Flag:1700000000", rec.ID())

	// Fractional timestamps floor.
	rec.DetectedAt = 1700000000.9
	assert.Equal(t, "AAPL:Bull_Flag:1700000000", rec.ID())
}

func TestParseID(t *testing.T) {
	symbol, patternType, ts, err := ParseID("AAPL:Bull_Flag:1700000000")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", symbol)
	assert.Equal(t, "Bull_Flag", patternType)
	assert.EqualValues(t, 1700000000, ts)

	// Pattern types containing ':' survive the outside-in split.
	symbol, patternType, _, err = ParseID("TSLA:Weird:Type:1700000001")
	require.NoError(t, err)
	assert.Equal(t, "TSLA", symbol)
	assert.Equal(t, "Weird:Type", patternType)

	_, _, _, err = ParseID("garbage")
	assert.Error(t, err)
	_, _, _, err = ParseID("A:B:notanumber")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	rec := testRecord()
	require.NoError(t, rec.Validate())

	bad := *rec
	bad.Symbol = ""
	assert.Error(t, bad.Validate())

	bad = *rec
	bad.Confidence = 1.2
	assert.Error(t, bad.Validate())

	bad = *rec
	bad.ExpiresAt = bad.DetectedAt - 1
	assert.Error(t, bad.Validate())
}

func TestExpired(t *testing.T) {
	rec := testRecord()
	assert.False(t, rec.Expired(time.Unix(1700003599, 0)))
	assert.True(t, rec.Expired(time.Unix(1700003600, 0)))
}

func TestIndicatorDefaults(t *testing.T) {
	rec := testRecord()
	assert.Equal(t, 62.0, rec.Indicator(IndicatorRSI, 50))
	rec.Indicators = nil
	assert.Equal(t, 50.0, rec.Indicator(IndicatorRSI, 50))
}

func TestNormalizeTier(t *testing.T) {
	assert.Equal(t, TierDaily, NormalizeTier("daily"))
	assert.Equal(t, TierCombo, NormalizeTier("combo"))
	assert.Equal(t, TierUnknown, NormalizeTier("mystery"))
	assert.Equal(t, TierUnknown, NormalizeTier(""))
}

func TestAbbreviatePattern(t *testing.T) {
	assert.Equal(t, "BullFlag", AbbreviatePattern("Bull_Flag"))
	assert.Equal(t, "WeeklyBO", AbbreviatePattern("Weekly_Breakout"))
	assert.Equal(t, "Doji", AbbreviatePattern("Doji"))
	assert.Equal(t, "SomeUnkn", AbbreviatePattern("SomeUnknownPattern"))
	assert.Equal(t, "Short", AbbreviatePattern("Short"))
}

func TestDisplayShape(t *testing.T) {
	rec := testRecord()
	now := time.Unix(1700000300, 0) // 5 minutes after detection

	d := rec.Display(now)
	assert.Equal(t, "AAPL", d.Symbol)
	assert.Equal(t, "BullFlag", d.Pattern)
	assert.Equal(t, 0.85, d.Conf)
	assert.Equal(t, "1.4x", d.RS)
	assert.Equal(t, "2.1x", d.Vol)
	assert.Equal(t, "$150.25", d.Price)
	assert.Equal(t, "+2.3%", d.Chg)
	assert.Equal(t, "5m", d.Time)
	assert.Equal(t, "55m", d.Exp)
	assert.Equal(t, "daily", d.Source)
}

func TestDisplayNegativeChangeAndExpiry(t *testing.T) {
	rec := testRecord()
	rec.PriceChange = -1.7

	d := rec.Display(time.Unix(1700004000, 0))
	assert.Equal(t, "-1.7%", d.Chg)
	assert.Equal(t, "Expired", d.Exp)
	assert.Equal(t, "1h", d.Time)
}

func TestDisplayMissingIndicatorsUseDefaults(t *testing.T) {
	rec := testRecord()
	rec.Indicators = nil

	d := rec.Display(time.Unix(1700000060, 0))
	assert.Equal(t, "1.0x", d.RS)
	assert.Equal(t, "1.0x", d.Vol)
}

func TestConfRounding(t *testing.T) {
	rec := testRecord()
	rec.Confidence = 0.8571
	d := rec.Display(time.Unix(1700000060, 0))
	assert.Equal(t, 0.86, d.Conf)
}

func TestHumanDelta(t *testing.T) {
	assert.Equal(t, "45s", humanDelta(45))
	assert.Equal(t, "2m", humanDelta(150))
	assert.Equal(t, "3h", humanDelta(3*3600+100))
	assert.Equal(t, "2d", humanDelta(2*86400+5))
	assert.Equal(t, "0s", humanDelta(-10))
}

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordID_Deterministic(t *testing.T) {
	a := RecordID("acme rocket skates v2")
	b := RecordID("acme rocket skates v2")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestRecordID_NormalizesCaseAndSpace(t *testing.T) {
	assert.Equal(t, RecordID("Acme Rocket Skates V2"), RecordID("  acme rocket skates v2  "))
}

func TestRecordID_DistinctIdentifiers(t *testing.T) {
	assert.NotEqual(t, RecordID("product-a"), RecordID("product-b"))
}

func TestObservationID_PerVendorPerPeriod(t *testing.T) {
	day1 := ObservationID("rec-1", "vendor-x", "2025-03-01")
	day2 := ObservationID("rec-1", "vendor-x", "2025-03-02")
	other := ObservationID("rec-1", "vendor-y", "2025-03-01")
	peer := ObservationID("rec-2", "vendor-x", "2025-03-01")

	assert.Equal(t, day1, ObservationID("rec-1", "vendor-x", "2025-03-01"))
	assert.NotEqual(t, day1, day2)
	assert.NotEqual(t, day1, other)
	assert.NotEqual(t, day1, peer)
}

func TestPeriodKey_DayBucketUTC(t *testing.T) {
	// 23:30 in UTC-3 is already the next day in UTC
	loc := time.FixedZone("UTC-3", -3*60*60)
	ts := time.Date(2025, 3, 1, 23, 30, 0, 0, loc)
	assert.Equal(t, "2025-03-02", PeriodKey(ts))
}

func TestNowUTC_IsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, NowUTC().Location())
}

package store

import (
	"errors"
	"time"
)

// ==================== Errors ====================

var (
	// ErrNotFound is returned when an addressed record does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrConnectionFailed is returned when the database is unavailable
	ErrConnectionFailed = errors.New("store: connection failed")

	// ErrTxExhausted is returned when a transaction kept conflicting past the
	// retry budget
	ErrTxExhausted = errors.New("store: transaction retries exhausted")
)

// ==================== Records ====================

// AggregateRecord is the canonical cross-vendor product entity. It is created
// on first observation, mutated by every committed merge and only removed by
// the stale-temporary cleanup job.
type AggregateRecord struct {
	ID                 string
	CanonicalName      string
	Category           string
	IdentifierVariants []string
	BestPrice          float64
	BestPriceVendor    string
	ActiveVendorBrands int
	Temporary          bool
	Processed          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// VendorLink tracks one vendor's association with an aggregate record:
// fetch freshness, last known price and the source coordinates used to
// re-query the vendor. Links are deactivated after sustained failure,
// never deleted.
type VendorLink struct {
	RecordID    string
	VendorID    string
	Active      bool
	LastFetchAt time.Time
	LastPrice   float64
	SourceURL   string
	SourceSKU   string
	UpdatedAt   time.Time
}

// PriceObservation is an immutable per-period price sample for one vendor.
// At most one exists per (vendor, period).
type PriceObservation struct {
	ID        string
	RecordID  string
	VendorID  string
	Period    string
	Price     float64
	FetchedAt time.Time
	Active    bool
}

// Lease is a time-bounded mutual-exclusion grant on one aggregate record.
// The fencing token increases on every acquire and takeover so a superseded
// holder can be detected at commit time.
type Lease struct {
	RecordID     string
	Type         string
	Holder       string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	Extensions   int
	FencingToken int64
}

// ProcessingClaim guards one-time completion work for a record.
type ProcessingClaim struct {
	RecordID  string
	Holder    string
	ClaimedAt time.Time
	ExpiresAt time.Time
}

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RecordID derives the aggregate record id from a canonical product
// identifier. The derivation is deterministic so every trigger that observes
// the same product addresses the same record, regardless of which vendor
// produced the observation.
func RecordID(canonicalIdentifier string) string {
	normalized := strings.ToLower(strings.TrimSpace(canonicalIdentifier))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// ObservationID derives the id of a price observation from the record, the
// vendor and the period key. At most one observation can exist per
// (record, vendor, period), and the deterministic id makes redelivered
// triggers address the same row instead of creating a duplicate.
func ObservationID(recordID, vendorID, periodKey string) string {
	sum := sha256.Sum256([]byte(recordID + "|" + vendorID + "|" + periodKey))
	return hex.EncodeToString(sum[:16])
}

// Package store provides the persistence layer for aggregate records and
// their children. All cross-process mutation goes through RunInTx, which
// re-runs the given function when the underlying transaction conflicts with
// a concurrent writer, so callers re-read everything they depend on inside
// the function instead of merging against stale state.
package store

import (
	"context"
	"time"
)

// Ops is the record access surface shared by point access and transactions.
type Ops interface {
	// Aggregate records
	GetRecord(ctx context.Context, id string) (*AggregateRecord, error)
	PutRecord(ctx context.Context, rec *AggregateRecord) error
	DeleteRecord(ctx context.Context, id string) error

	// Vendor links
	ListVendorLinks(ctx context.Context, recordID string) ([]*VendorLink, error)
	UpsertVendorLink(ctx context.Context, link *VendorLink) error

	// Price observations. InsertObservation is write-once: it reports
	// false without error when a sample for the same (vendor, period)
	// already exists.
	InsertObservation(ctx context.Context, obs *PriceObservation) (bool, error)
	ListObservations(ctx context.Context, recordID string) ([]*PriceObservation, error)

	// Leases
	GetLease(ctx context.Context, recordID, leaseType string) (*Lease, error)
	PutLease(ctx context.Context, lease *Lease) error
	DeleteLease(ctx context.Context, recordID, leaseType string) error

	// Processing claims
	GetClaim(ctx context.Context, recordID string) (*ProcessingClaim, error)
	PutClaim(ctx context.Context, claim *ProcessingClaim) error
	DeleteClaim(ctx context.Context, recordID string) error
}

// Store is the atomic store primitive. Point operations run in their own
// implicit transaction; RunInTx groups operations into one atomic unit.
type Store interface {
	Ops

	// RunInTx executes fn inside one atomic transaction and commits its
	// writes as a unit. On a detected write conflict the whole function is
	// re-invoked against fresh state, up to the implementation's default
	// retry policy. fn must be idempotent and must not leak the Ops value.
	RunInTx(ctx context.Context, fn func(tx Ops) error) error

	// CleanupStaleTemporary deletes temporary records untouched since the
	// cutoff. Returns the number of records removed.
	CleanupStaleTemporary(ctx context.Context, olderThan time.Time) (int64, error)

	Close()
}

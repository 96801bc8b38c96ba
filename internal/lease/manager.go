// Package lease implements TTL-based mutual exclusion per aggregate record.
// A lease self-heals after a crashed holder: once the TTL passes, any other
// holder may take it over without a separate cleanup pass. Live holders
// extend the lease as a heartbeat so they are never pre-empted mid-flight.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealgrid/price_reconciler/internal/monitoring"
	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/utils"
)

// TypeReconcile is the lease type guarding reconciliation runs.
const TypeReconcile = "reconcile"

var (
	// ErrNotFound is returned when the aggregate record does not exist
	ErrNotFound = errors.New("lease: record not found")

	// ErrBusy is the sentinel matched by BusyError via errors.Is
	ErrBusy = errors.New("lease: busy")

	// ErrNotHeld is returned by Extend when the caller no longer holds the
	// lease (expired and taken over, or never acquired)
	ErrNotHeld = errors.New("lease: not held by caller")
)

// BusyError reports an unexpired lease held by someone else.
type BusyError struct {
	Holder    string
	Remaining time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lease: busy (holder=%s remaining=%s)", e.Holder, e.Remaining.Round(time.Millisecond))
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// Grant describes a held lease.
type Grant struct {
	RecordID     string
	Type         string
	Holder       string
	ExpiresAt    time.Time
	Extensions   int
	FencingToken int64
}

// Status is a non-authoritative snapshot for observability.
type Status struct {
	Held       bool
	Holder     string
	Remaining  time.Duration
	Extensions int
}

// Manager acquires, extends and releases record leases on top of the store.
// Lease rows are ordinary records: all checks and writes run inside the
// store's atomic transaction, not a separate coordination substrate.
type Manager struct {
	store   store.Store
	metrics *monitoring.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a lease manager
func New(st store.Store, metrics *monitoring.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	return &Manager{
		store:   st,
		metrics: metrics,
		logger:  log,
		now:     utils.NowUTC,
	}
}

// Acquire obtains the lease for (recordID, leaseType) with the given TTL.
// Returns ErrNotFound when the record does not exist and a *BusyError when an
// unexpired lease is held by a different holder. An expired lease is taken
// over in place; every acquire and takeover bumps the fencing token.
func (m *Manager) Acquire(ctx context.Context, recordID, holderID, leaseType string, ttl time.Duration) (*Grant, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease: ttl must be positive, got %v", ttl)
	}

	var grant *Grant
	var tookOver bool
	err := m.store.RunInTx(ctx, func(tx store.Ops) error {
		tookOver = false
		if _, err := tx.GetRecord(ctx, recordID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := m.now()
		var fencing int64 = 1

		current, err := tx.GetLease(ctx, recordID, leaseType)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// no lease, fresh acquire
		case err != nil:
			return err
		case current.ExpiresAt.After(now) && current.Holder != holderID:
			return &BusyError{
				Holder:    current.Holder,
				Remaining: current.ExpiresAt.Sub(now),
			}
		default:
			// expired lease takeover, or re-acquire by the same holder
			fencing = current.FencingToken + 1
			if current.ExpiresAt.Before(now) || current.ExpiresAt.Equal(now) {
				tookOver = current.Holder != holderID
				m.logger.Info("Taking over expired lease",
					"record_id", recordID,
					"lease_type", leaseType,
					"previous_holder", current.Holder,
					"new_holder", holderID,
				)
			}
		}

		next := &store.Lease{
			RecordID:     recordID,
			Type:         leaseType,
			Holder:       holderID,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
			Extensions:   0,
			FencingToken: fencing,
		}
		if err := tx.PutLease(ctx, next); err != nil {
			return err
		}

		grant = &Grant{
			RecordID:     recordID,
			Type:         leaseType,
			Holder:       holderID,
			ExpiresAt:    next.ExpiresAt,
			FencingToken: fencing,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tookOver {
		m.metrics.RecordLeaseTakeover()
	}

	m.logger.Debug("Lease acquired",
		"record_id", recordID,
		"lease_type", leaseType,
		"holder", holderID,
		"ttl", ttl,
		"fencing_token", grant.FencingToken,
	)
	return grant, nil
}

// Release deletes the lease only when the caller still holds it. A release by
// a non-holder is a logged no-op so a slow caller cannot drop someone else's
// active lease.
func (m *Manager) Release(ctx context.Context, recordID, holderID, leaseType string) error {
	return m.store.RunInTx(ctx, func(tx store.Ops) error {
		current, err := tx.GetLease(ctx, recordID, leaseType)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if current.Holder != holderID {
			m.logger.Warn("Release skipped, lease held by someone else",
				"record_id", recordID,
				"lease_type", leaseType,
				"caller", holderID,
				"holder", current.Holder,
			)
			return nil
		}

		return tx.DeleteLease(ctx, recordID, leaseType)
	})
}

// Extend pushes the expiry to now+ttl and increments the extension counter,
// provided the caller still holds the lease. Used as a heartbeat during long
// operations. Returns ErrNotHeld when the lease is gone or held by another.
func (m *Manager) Extend(ctx context.Context, recordID, holderID, leaseType string, ttl time.Duration) (*Grant, error) {
	var grant *Grant
	err := m.store.RunInTx(ctx, func(tx store.Ops) error {
		current, err := tx.GetLease(ctx, recordID, leaseType)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotHeld
		}
		if err != nil {
			return err
		}
		if current.Holder != holderID {
			return ErrNotHeld
		}

		current.ExpiresAt = m.now().Add(ttl)
		current.Extensions++
		if err := tx.PutLease(ctx, current); err != nil {
			return err
		}

		grant = &Grant{
			RecordID:     current.RecordID,
			Type:         current.Type,
			Holder:       current.Holder,
			ExpiresAt:    current.ExpiresAt,
			Extensions:   current.Extensions,
			FencingToken: current.FencingToken,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Status returns the current holder and remaining TTL for observability.
// The snapshot is non-authoritative: it may be stale by the time it is read.
func (m *Manager) Status(ctx context.Context, recordID, leaseType string) (*Status, error) {
	current, err := m.store.GetLease(ctx, recordID, leaseType)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}

	remaining := current.ExpiresAt.Sub(m.now())
	return &Status{
		Held:       remaining > 0,
		Holder:     current.Holder,
		Remaining:  remaining,
		Extensions: current.Extensions,
	}, nil
}

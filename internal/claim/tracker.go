// Package claim guards one-time expensive completion work against duplicate
// triggers racing for the same record. The cross-process guarantee is
// anchored to a persisted claim with a short TTL; an in-process cache only
// short-circuits bursts of near-simultaneous local triggers and never
// substitutes for the persisted check.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/utils"
)

var (
	// ErrBusy is returned while an unexpired claim is held elsewhere
	ErrBusy = errors.New("claim: busy")

	// ErrProcessed is returned when the record's completion work is already
	// done. Processed always wins over an outstanding claim.
	ErrProcessed = errors.New("claim: already processed")
)

const defaultCacheSize = 4096

// Config holds tracker configuration
type Config struct {
	TTL           time.Duration // persisted claim TTL
	CacheSize     int           // in-process cache entries
	SweepInterval time.Duration // expired cache entry sweep
}

// ApplyDefaults fills in zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Tracker coordinates one-time completion work per record.
type Tracker struct {
	store  store.Store
	cache  *lru.Cache[string, time.Time] // recordID -> local claim expiry
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a tracker. Call Start to enable the periodic cache sweep.
func New(st store.Store, cfg Config, log *slog.Logger) (*Tracker, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}

	cache, err := lru.New[string, time.Time](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("claim: failed to create cache: %w", err)
	}

	return &Tracker{
		store:    st,
		cache:    cache,
		cfg:      cfg,
		logger:   log,
		now:      utils.NowUTC,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the periodic sweep of expired cache entries
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop terminates the sweep loop and waits for it to exit
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
}

// Claim attempts to claim the record's completion work for holderID.
// Succeeds when no claim exists or the existing one has expired; returns
// ErrBusy while another unexpired claim stands, ErrProcessed when the work
// is already done, and store.ErrNotFound for a missing record.
func (t *Tracker) Claim(ctx context.Context, recordID, holderID string) error {
	now := t.now()

	// Local burst short-circuit. The persisted claim below remains the
	// authority across processes.
	if localExpiry, ok := t.cache.Get(recordID); ok {
		if localExpiry.After(now) {
			return ErrBusy
		}
		t.cache.Remove(recordID)
	}

	err := t.store.RunInTx(ctx, func(tx store.Ops) error {
		rec, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Processed {
			return ErrProcessed
		}

		current, err := tx.GetClaim(ctx, recordID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// unclaimed
		case err != nil:
			return err
		case current.ExpiresAt.After(now) && current.Holder != holderID:
			return ErrBusy
		default:
			t.logger.Debug("Taking over expired claim",
				"record_id", recordID,
				"previous_holder", current.Holder,
				"new_holder", holderID,
			)
		}

		return tx.PutClaim(ctx, &store.ProcessingClaim{
			RecordID:  recordID,
			Holder:    holderID,
			ClaimedAt: now,
			ExpiresAt: now.Add(t.cfg.TTL),
		})
	})
	if err != nil {
		return err
	}

	t.cache.Add(recordID, now.Add(t.cfg.TTL))
	return nil
}

// Release gives up a claim without finishing the work, so a retry does not
// have to wait out the TTL. Only the claim's current holder can release it;
// a mismatch is a logged no-op.
func (t *Tracker) Release(ctx context.Context, recordID, holderID string) error {
	err := t.store.RunInTx(ctx, func(tx store.Ops) error {
		current, err := tx.GetClaim(ctx, recordID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Holder != holderID {
			t.logger.Warn("Release attempted by non-holder",
				"record_id", recordID,
				"holder", current.Holder,
				"caller", holderID,
			)
			return nil
		}
		return tx.DeleteClaim(ctx, recordID)
	})
	if err != nil {
		return err
	}

	t.cache.Remove(recordID)
	return nil
}

// Complete marks the record's completion work done: sets the persisted
// processed flag, clears the claim and drops the in-process cache entry.
func (t *Tracker) Complete(ctx context.Context, recordID string) error {
	err := t.store.RunInTx(ctx, func(tx store.Ops) error {
		rec, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		rec.Processed = true
		rec.UpdatedAt = t.now()
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		return tx.DeleteClaim(ctx, recordID)
	})
	if err != nil {
		return err
	}

	t.cache.Remove(recordID)
	return nil
}

// sweepLoop periodically drops expired local cache entries
func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.sweepExpired()
		}
	}
}

func (t *Tracker) sweepExpired() {
	now := t.now()
	removed := 0
	for _, recordID := range t.cache.Keys() {
		if expiry, ok := t.cache.Peek(recordID); ok && expiry.Before(now) {
			t.cache.Remove(recordID)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("Swept expired claim cache entries",
			"removed", removed,
			"remaining", t.cache.Len(),
		)
	}
}

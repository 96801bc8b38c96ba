// Package reconcile orchestrates the two-phase reconciliation of an
// aggregate record: a concurrent, rate-limited external fetch outside any
// transaction, followed by one atomic merge that re-reads everything fresh
// inside the transaction. The lease is released on every path out.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealgrid/price_reconciler/internal/lease"
	"github.com/dealgrid/price_reconciler/internal/monitoring"
	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/utils"
	"github.com/dealgrid/price_reconciler/internal/vendors"
)

// Status is the terminal state of a reconciliation run
type Status string

const (
	// StatusCommitted means the merge transaction committed
	StatusCommitted Status = "committed"
	// StatusAborted means the run never started work: the record is
	// missing or another holder has the lease. Routine, not an incident.
	StatusAborted Status = "aborted"
	// StatusFailed means the run started but could not commit. Retryable;
	// the lease has already been released.
	StatusFailed Status = "failed"
)

// Outcome is the result returned to the trigger
type Outcome struct {
	Status          Status
	Message         string
	Hits            int
	Observations    int
	BestPrice       float64
	BestPriceVendor string
}

// Hit is one vendor's successful price lookup within a run
type Hit struct {
	VendorID  string
	Price     float64
	URL       string
	SourceSKU string
	Name      string
}

// Config holds engine configuration
type Config struct {
	LeaseTTL         time.Duration
	FetchConcurrency int
	StalenessWindow  time.Duration // active links beyond this with no hit are deactivated
}

// ApplyDefaults fills in zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 8
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 7 * 24 * time.Hour
	}
}

// CompletionSubmitter accepts one-time completion work for a record after
// a committed merge. Satisfied by *queue.Queue.
type CompletionSubmitter interface {
	Enqueue(recordID string) (string, error)
}

// Engine runs reconciliations against the store and vendor registry
type Engine struct {
	store       store.Store
	leases      *lease.Manager
	registry    *vendors.Registry
	completions CompletionSubmitter // nil disables completion submission
	metrics     *monitoring.Metrics
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a reconciliation engine
func New(st store.Store, leases *lease.Manager, registry *vendors.Registry, completions CompletionSubmitter, metrics *monitoring.Metrics, cfg Config, log *slog.Logger) *Engine {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	return &Engine{
		store:       st,
		leases:      leases,
		registry:    registry,
		completions: completions,
		metrics:     metrics,
		cfg:         cfg,
		logger:      log,
		now:         utils.NowUTC,
	}
}

// Reconcile runs one full reconciliation pass for the record on behalf of
// holderID. Expected outcomes (busy, missing record) come back as aborted
// statuses rather than errors; only unrecoverable failures are reported as
// StatusFailed, and the lease is always released before returning.
func (e *Engine) Reconcile(ctx context.Context, recordID, holderID string) Outcome {
	start := e.now()

	grant, err := e.leases.Acquire(ctx, recordID, holderID, lease.TypeReconcile, e.cfg.LeaseTTL)
	if err != nil {
		var busy *lease.BusyError
		switch {
		case errors.As(err, &busy):
			e.metrics.RecordLeaseBusy()
			return e.finish(start, Outcome{
				Status:  StatusAborted,
				Message: fmt.Sprintf("record busy: held by %s for another %s", busy.Holder, busy.Remaining.Round(time.Millisecond)),
			})
		case errors.Is(err, lease.ErrNotFound):
			return e.finish(start, Outcome{
				Status:  StatusAborted,
				Message: "record not found",
			})
		default:
			return e.finish(start, Outcome{
				Status:  StatusFailed,
				Message: fmt.Sprintf("lease acquisition failed: %v", err),
			})
		}
	}

	defer func() {
		// release must go through even when the run's context is dead
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.leases.Release(releaseCtx, recordID, holderID, lease.TypeReconcile); err != nil {
			e.logger.Error("Failed to release lease",
				"record_id", recordID,
				"holder_id", holderID,
				"error", err,
			)
		}
	}()

	// heartbeat renews the lease while the run is alive; a failed renewal
	// cancels runCtx so in-flight fetches stop instead of merging on a
	// lease someone else may now hold
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	heartbeatDone := make(chan struct{})
	go e.heartbeat(runCtx, cancelRun, recordID, holderID, heartbeatDone)
	defer func() {
		cancelRun()
		<-heartbeatDone
	}()

	// Phase 1: external fetch, no transaction
	fetchStart := e.now()
	rec, links, err := e.snapshot(runCtx, recordID)
	if err != nil {
		return e.finish(start, Outcome{
			Status:  StatusFailed,
			Message: fmt.Sprintf("snapshot read failed: %v", err),
		})
	}

	hits := e.gatherHits(runCtx, rec, links)
	e.metrics.RecordPhase("fetch", e.now().Sub(fetchStart))

	if runCtx.Err() != nil && ctx.Err() == nil {
		// heartbeat lost the lease mid-run
		return e.finish(start, Outcome{
			Status:  StatusFailed,
			Message: "lease lost during external fetch",
		})
	}

	// Phase 2: atomic merge against fresh state
	mergeStart := e.now()
	result, err := e.merge(ctx, recordID, holderID, grant.FencingToken, hits)
	e.metrics.RecordPhase("merge", e.now().Sub(mergeStart))
	if err != nil {
		if errors.Is(err, errLeaseLost) {
			return e.finish(start, Outcome{
				Status:  StatusFailed,
				Message: "lease superseded before commit",
			})
		}
		return e.finish(start, Outcome{
			Status:  StatusFailed,
			Message: fmt.Sprintf("merge failed: %v", err),
		})
	}

	e.logger.Info("Reconciliation committed",
		"record_id", recordID,
		"holder_id", holderID,
		"hits", len(hits),
		"observations", result.observations,
		"active_vendor_brands", result.activeVendors,
		"best_price", result.bestPrice,
	)

	if !result.processed {
		e.submitCompletion(recordID)
	}

	return e.finish(start, Outcome{
		Status:          StatusCommitted,
		Message:         fmt.Sprintf("merged %d vendor hits", len(hits)),
		Hits:            len(hits),
		Observations:    result.observations,
		BestPrice:       result.bestPrice,
		BestPriceVendor: result.bestPriceVendor,
	})
}

func (e *Engine) finish(start time.Time, out Outcome) Outcome {
	e.metrics.RecordRun(string(out.Status), e.now().Sub(start))
	return out
}

// submitCompletion hands the record to the completion queue. Failure to
// enqueue is not fatal: the claim's processed flag stays unset, so the
// next committed run re-submits.
func (e *Engine) submitCompletion(recordID string) {
	if e.completions == nil {
		return
	}
	msgID, err := e.completions.Enqueue(recordID)
	if err != nil {
		e.logger.Warn("Completion submission failed",
			"record_id", recordID,
			"error", err,
		)
		return
	}
	e.logger.Debug("Completion submitted",
		"record_id", recordID,
		"message_id", msgID,
	)
}

// snapshot reads the record and its vendor links once before Phase 1. The
// merge never trusts this data; it re-reads inside the transaction.
func (e *Engine) snapshot(ctx context.Context, recordID string) (*store.AggregateRecord, []*store.VendorLink, error) {
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	links, err := e.store.ListVendorLinks(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	return rec, links, nil
}

// heartbeat extends the lease at a third of its TTL until the run context
// is cancelled. Extension failure cancels the run: the holder must assume
// it has been superseded.
func (e *Engine) heartbeat(ctx context.Context, cancelRun context.CancelFunc, recordID, holderID string, done chan<- struct{}) {
	defer close(done)

	interval := e.cfg.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.leases.Extend(ctx, recordID, holderID, lease.TypeReconcile, e.cfg.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("Lease heartbeat failed, abandoning run",
					"record_id", recordID,
					"holder_id", holderID,
					"error", err,
				)
				cancelRun()
				return
			}
		}
	}
}

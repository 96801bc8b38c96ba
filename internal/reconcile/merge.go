package reconcile

import (
	"context"
	"errors"
	"sort"

	"github.com/dealgrid/price_reconciler/internal/lease"
	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/utils"
)

// errLeaseLost means the lease was superseded between acquisition and
// commit: the fencing token inside the transaction no longer matches the
// one this run was granted.
var errLeaseLost = errors.New("reconcile: lease superseded before commit")

type mergeResult struct {
	observations    int
	activeVendors   int
	bestPrice       float64
	bestPriceVendor string
	processed       bool
}

// merge runs Phase 2: one atomic transaction that re-reads the record and
// its links fresh, applies this run's hits, deactivates sustained-failure
// links, and recomputes the aggregate fields. The store re-invokes the
// function on write conflict, so everything is derived from in-transaction
// state and never from the Phase 1 snapshot.
func (e *Engine) merge(ctx context.Context, recordID, holderID string, fencingToken int64, hits map[string]*Hit) (*mergeResult, error) {
	now := e.now()
	period := utils.PeriodKey(now)

	var result mergeResult
	err := e.store.RunInTx(ctx, func(tx store.Ops) error {
		result = mergeResult{}

		rec, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}

		// fencing check: a takeover bumps the token, so a superseded
		// holder fails here instead of overwriting the new holder's work
		cur, err := tx.GetLease(ctx, recordID, lease.TypeReconcile)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errLeaseLost
			}
			return err
		}
		if cur.Holder != holderID || cur.FencingToken != fencingToken {
			return errLeaseLost
		}

		links, err := tx.ListVendorLinks(ctx, recordID)
		if err != nil {
			return err
		}
		linkByVendor := make(map[string]*store.VendorLink, len(links))
		activeVendors := make(map[string]bool)
		for _, link := range links {
			linkByVendor[link.VendorID] = link
			if link.Active {
				activeVendors[link.VendorID] = true
			}
		}

		for _, vendorID := range sortedHitVendors(hits) {
			hit := hits[vendorID]

			link := linkByVendor[vendorID]
			if link == nil {
				link = &store.VendorLink{
					RecordID: recordID,
					VendorID: vendorID,
				}
			}
			link.Active = true
			link.LastFetchAt = now
			link.LastPrice = hit.Price
			link.SourceURL = hit.URL
			if hit.SourceSKU != "" {
				link.SourceSKU = hit.SourceSKU
			}
			link.UpdatedAt = now
			if err := tx.UpsertVendorLink(ctx, link); err != nil {
				return err
			}
			activeVendors[vendorID] = true

			inserted, err := tx.InsertObservation(ctx, &store.PriceObservation{
				ID:        utils.ObservationID(recordID, vendorID, period),
				RecordID:  recordID,
				VendorID:  vendorID,
				Period:    period,
				Price:     hit.Price,
				FetchedAt: now,
				Active:    true,
			})
			if err != nil {
				return err
			}
			if inserted {
				result.observations++
			}
		}

		// active vendors with no hit: tolerate transient failure, but
		// deactivate once the last successful fetch is past the window
		for _, link := range links {
			if !link.Active || hits[link.VendorID] != nil {
				continue
			}
			if now.Sub(link.LastFetchAt) > e.cfg.StalenessWindow {
				link.Active = false
				link.UpdatedAt = now
				if err := tx.UpsertVendorLink(ctx, link); err != nil {
					return err
				}
				delete(activeVendors, link.VendorID)
			}
		}

		rec.ActiveVendorBrands = len(activeVendors)

		// best price considers this run's hits only; ties keep the first
		// vendor in sorted iteration order. No hits leaves it unchanged.
		if len(hits) > 0 {
			first := true
			for _, vendorID := range sortedHitVendors(hits) {
				hit := hits[vendorID]
				if first || hit.Price < rec.BestPrice {
					rec.BestPrice = hit.Price
					rec.BestPriceVendor = vendorID
					first = false
				}
			}
			// a record confirmed by a vendor hit is no longer provisional
			rec.Temporary = false
		}

		rec.UpdatedAt = now
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}

		result.activeVendors = rec.ActiveVendorBrands
		result.bestPrice = rec.BestPrice
		result.bestPriceVendor = rec.BestPriceVendor
		result.processed = rec.Processed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func sortedHitVendors(hits map[string]*Hit) []string {
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

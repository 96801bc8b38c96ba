package reconcile

import (
	"context"
	"sync"

	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/vendors"
)

// gatherHits runs Phase 1: every vendor is queried concurrently, bounded by
// the configured fetch concurrency. Vendors with an active link are
// re-queried through their remembered source coordinates; the rest race one
// lookup per identifier variant and keep the first positive-price result.
// Anything else (timeout, error, zero price, no URL) is silently absent.
func (e *Engine) gatherHits(ctx context.Context, rec *store.AggregateRecord, links []*store.VendorLink) map[string]*Hit {
	linkByVendor := make(map[string]*store.VendorLink, len(links))
	for _, link := range links {
		linkByVendor[link.VendorID] = link
	}

	variants := rec.IdentifierVariants
	if len(variants) == 0 {
		variants = []string{rec.CanonicalName}
	}

	var mu sync.Mutex
	hits := make(map[string]*Hit)

	sem := make(chan struct{}, e.cfg.FetchConcurrency)
	var wg sync.WaitGroup

	for _, vendorID := range e.registry.VendorIDs() {
		adapter, ok := e.registry.Get(vendorID)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(vendorID string, adapter vendors.Adapter) {
			defer wg.Done()

			var hit *Hit
			if link := linkByVendor[vendorID]; link != nil && link.Active {
				hit = e.requeryLinked(ctx, sem, vendorID, adapter, rec.CanonicalName, link)
			} else {
				hit = e.probeVariants(ctx, sem, vendorID, adapter, variants)
			}
			if hit != nil {
				mu.Lock()
				hits[vendorID] = hit
				mu.Unlock()
			}
		}(vendorID, adapter)
	}

	wg.Wait()
	return hits
}

// requeryLinked re-queries a vendor with an active link using its
// remembered SKU and URL
func (e *Engine) requeryLinked(ctx context.Context, sem chan struct{}, vendorID string, adapter vendors.Adapter, identifier string, link *store.VendorLink) *Hit {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil
	}

	offer, err := adapter.Lookup(ctx, identifier, vendors.Hint{
		SourceSKU: link.SourceSKU,
		SourceURL: link.SourceURL,
	})
	return e.recordLookup(vendorID, offer, err)
}

// probeVariants races one lookup per identifier variant and accepts the
// first strictly positive price with a resolvable URL. Once a vendor has a
// winner, its remaining in-flight variant attempts are abandoned.
func (e *Engine) probeVariants(ctx context.Context, sem chan struct{}, vendorID string, adapter vendors.Adapter, variants []string) *Hit {
	vendorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var winner *Hit
	var wg sync.WaitGroup

	for _, variant := range variants {
		wg.Add(1)
		go func(variant string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-vendorCtx.Done():
				return
			}
			if vendorCtx.Err() != nil {
				return
			}

			offer, err := adapter.Lookup(vendorCtx, variant, vendors.Hint{})
			hit := e.recordLookup(vendorID, offer, err)
			if hit == nil {
				return
			}

			mu.Lock()
			if winner == nil {
				winner = hit
				cancel()
			}
			mu.Unlock()
		}(variant)
	}

	wg.Wait()
	return winner
}

// recordLookup applies the hit condition and emits the fetch metric.
// Lookup failures are local to the vendor and never abort the batch.
func (e *Engine) recordLookup(vendorID string, offer *vendors.Offer, err error) *Hit {
	switch {
	case err != nil:
		e.metrics.RecordVendorFetch(vendorID, "error")
		e.logger.Debug("Vendor lookup failed",
			"vendor_id", vendorID,
			"error", err,
		)
		return nil
	case offer == nil || offer.Price <= 0 || offer.URL == "":
		e.metrics.RecordVendorFetch(vendorID, "miss")
		return nil
	default:
		e.metrics.RecordVendorFetch(vendorID, "hit")
		return &Hit{
			VendorID:  vendorID,
			Price:     offer.Price,
			URL:       offer.URL,
			SourceSKU: offer.SourceSKU,
			Name:      offer.Name,
		}
	}
}

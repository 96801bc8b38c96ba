package store

import (
	"context"
	"sort"
)

// memTx stages writes for one in-memory transaction. Reads see the base
// state plus the staged writes, so a function re-reading what it wrote
// observes its own effects, same as inside a database transaction.
type memTx struct {
	base *MemoryStore // lock held by RunInTx for the whole transaction

	records      map[string]*AggregateRecord
	recordDels   map[string]bool
	links        map[string]*VendorLink // recordID|vendorID
	observations map[string]*PriceObservation
	leases       map[string]*Lease
	leaseDels    map[string]bool
	claims       map[string]*ProcessingClaim
	claimDels    map[string]bool
}

func newMemTx(base *MemoryStore) *memTx {
	return &memTx{
		base:         base,
		records:      make(map[string]*AggregateRecord),
		recordDels:   make(map[string]bool),
		links:        make(map[string]*VendorLink),
		observations: make(map[string]*PriceObservation),
		leases:       make(map[string]*Lease),
		leaseDels:    make(map[string]bool),
		claims:       make(map[string]*ProcessingClaim),
		claimDels:    make(map[string]bool),
	}
}

func (t *memTx) commit() {
	for id := range t.recordDels {
		t.base.deleteRecordLocked(id)
	}
	for id, rec := range t.records {
		t.base.records[id] = rec
	}
	for _, link := range t.links {
		t.base.upsertVendorLinkLocked(link)
	}
	for _, obs := range t.observations {
		t.base.insertObservationLocked(obs)
	}
	for key := range t.leaseDels {
		delete(t.base.leases, key)
	}
	for key, lease := range t.leases {
		t.base.leases[key] = lease
	}
	for id := range t.claimDels {
		delete(t.base.claims, id)
	}
	for id, claim := range t.claims {
		t.base.claims[id] = claim
	}
}

func (t *memTx) GetRecord(ctx context.Context, id string) (*AggregateRecord, error) {
	if t.recordDels[id] {
		return nil, ErrNotFound
	}
	if rec, ok := t.records[id]; ok {
		return copyRecord(rec), nil
	}
	rec, ok := t.base.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (t *memTx) PutRecord(ctx context.Context, rec *AggregateRecord) error {
	delete(t.recordDels, rec.ID)
	t.records[rec.ID] = copyRecord(rec)
	return nil
}

func (t *memTx) DeleteRecord(ctx context.Context, id string) error {
	delete(t.records, id)
	t.recordDels[id] = true
	return nil
}

func (t *memTx) ListVendorLinks(ctx context.Context, recordID string) ([]*VendorLink, error) {
	merged := make(map[string]*VendorLink)
	for vendorID, link := range t.base.links[recordID] {
		cp := *link
		merged[vendorID] = &cp
	}
	for _, link := range t.links {
		if link.RecordID == recordID {
			cp := *link
			merged[link.VendorID] = &cp
		}
	}
	out := make([]*VendorLink, 0, len(merged))
	for _, link := range merged {
		out = append(out, link)
	}
	sortVendorLinks(out)
	return out, nil
}

func (t *memTx) UpsertVendorLink(ctx context.Context, link *VendorLink) error {
	cp := *link
	t.links[link.RecordID+"|"+link.VendorID] = &cp
	return nil
}

func (t *memTx) InsertObservation(ctx context.Context, obs *PriceObservation) (bool, error) {
	key := obsKey(obs.RecordID, obs.VendorID, obs.Period)
	if _, exists := t.base.observations[key]; exists {
		return false, nil
	}
	if _, staged := t.observations[key]; staged {
		return false, nil
	}
	cp := *obs
	t.observations[key] = &cp
	return true, nil
}

func (t *memTx) ListObservations(ctx context.Context, recordID string) ([]*PriceObservation, error) {
	seen := make(map[string]bool)
	var out []*PriceObservation
	for key, obs := range t.observations {
		if obs.RecordID == recordID {
			cp := *obs
			out = append(out, &cp)
			seen[key] = true
		}
	}
	for key, obs := range t.base.observations {
		if obs.RecordID == recordID && !seen[key] {
			cp := *obs
			out = append(out, &cp)
		}
	}
	sortObservations(out)
	return out, nil
}

func (t *memTx) GetLease(ctx context.Context, recordID, leaseType string) (*Lease, error) {
	key := leaseKey(recordID, leaseType)
	if t.leaseDels[key] {
		return nil, ErrNotFound
	}
	if lease, ok := t.leases[key]; ok {
		cp := *lease
		return &cp, nil
	}
	lease, ok := t.base.leases[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lease
	return &cp, nil
}

func (t *memTx) PutLease(ctx context.Context, lease *Lease) error {
	key := leaseKey(lease.RecordID, lease.Type)
	delete(t.leaseDels, key)
	cp := *lease
	t.leases[key] = &cp
	return nil
}

func (t *memTx) DeleteLease(ctx context.Context, recordID, leaseType string) error {
	key := leaseKey(recordID, leaseType)
	delete(t.leases, key)
	t.leaseDels[key] = true
	return nil
}

func (t *memTx) GetClaim(ctx context.Context, recordID string) (*ProcessingClaim, error) {
	if t.claimDels[recordID] {
		return nil, ErrNotFound
	}
	if claim, ok := t.claims[recordID]; ok {
		cp := *claim
		return &cp, nil
	}
	claim, ok := t.base.claims[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *claim
	return &cp, nil
}

func (t *memTx) PutClaim(ctx context.Context, claim *ProcessingClaim) error {
	delete(t.claimDels, claim.RecordID)
	cp := *claim
	t.claims[claim.RecordID] = &cp
	return nil
}

func (t *memTx) DeleteClaim(ctx context.Context, recordID string) error {
	delete(t.claims, recordID)
	t.claimDels[recordID] = true
	return nil
}

func sortVendorLinks(links []*VendorLink) {
	sort.Slice(links, func(i, j int) bool {
		return links[i].VendorID < links[j].VendorID
	})
}

func sortObservations(obs []*PriceObservation) {
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].Period != obs[j].Period {
			return obs[i].Period < obs[j].Period
		}
		return obs[i].VendorID < obs[j].VendorID
	})
}

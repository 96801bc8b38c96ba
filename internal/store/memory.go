package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs. A single
// mutex serializes transactions, so every committed transaction is atomic by
// construction. InjectConflicts makes RunInTx discard the staged writes and
// re-run the function, mimicking the serialization retries of the PostgreSQL
// implementation.
type MemoryStore struct {
	mu           sync.Mutex
	records      map[string]*AggregateRecord
	links        map[string]map[string]*VendorLink  // recordID -> vendorID
	observations map[string]*PriceObservation       // recordID|vendorID|period
	leases       map[string]*Lease                  // recordID|leaseType
	claims       map[string]*ProcessingClaim        // recordID

	injectConflicts int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      make(map[string]*AggregateRecord),
		links:        make(map[string]map[string]*VendorLink),
		observations: make(map[string]*PriceObservation),
		leases:       make(map[string]*Lease),
		claims:       make(map[string]*ProcessingClaim),
	}
}

// InjectConflicts forces the next n transactions to be re-run once each
// before committing. Staged writes from the discarded run are dropped, the
// re-run sees fresh state.
func (m *MemoryStore) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectConflicts = n
}

// RunInTx executes fn under the store lock and applies its writes atomically
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Ops) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := newMemTx(m)
		if err := fn(tx); err != nil {
			return err
		}

		if m.injectConflicts > 0 {
			m.injectConflicts--
			continue // discard staged writes, re-run against fresh state
		}

		tx.commit()
		return nil
	}
}

// CleanupStaleTemporary deletes temporary, unprocessed records last touched
// before olderThan
func (m *MemoryStore) CleanupStaleTemporary(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, rec := range m.records {
		if rec.Temporary && !rec.Processed && rec.UpdatedAt.Before(olderThan) {
			m.deleteRecordLocked(id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() {}

// ==================== Point operations ====================

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (*AggregateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) PutRecord(ctx context.Context, rec *AggregateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteRecordLocked(id)
	return nil
}

func (m *MemoryStore) ListVendorLinks(ctx context.Context, recordID string) ([]*VendorLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listVendorLinksLocked(recordID), nil
}

func (m *MemoryStore) UpsertVendorLink(ctx context.Context, link *VendorLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertVendorLinkLocked(link)
	return nil
}

func (m *MemoryStore) InsertObservation(ctx context.Context, obs *PriceObservation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertObservationLocked(obs), nil
}

func (m *MemoryStore) ListObservations(ctx context.Context, recordID string) ([]*PriceObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listObservationsLocked(recordID), nil
}

func (m *MemoryStore) GetLease(ctx context.Context, recordID, leaseType string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[leaseKey(recordID, leaseType)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lease
	return &cp, nil
}

func (m *MemoryStore) PutLease(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *lease
	m.leases[leaseKey(lease.RecordID, lease.Type)] = &cp
	return nil
}

func (m *MemoryStore) DeleteLease(ctx context.Context, recordID, leaseType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseKey(recordID, leaseType))
	return nil
}

func (m *MemoryStore) GetClaim(ctx context.Context, recordID string) (*ProcessingClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *claim
	return &cp, nil
}

func (m *MemoryStore) PutClaim(ctx context.Context, claim *ProcessingClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *claim
	m.claims[claim.RecordID] = &cp
	return nil
}

func (m *MemoryStore) DeleteClaim(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, recordID)
	return nil
}

// ==================== Locked helpers ====================

func (m *MemoryStore) deleteRecordLocked(id string) {
	delete(m.records, id)
	delete(m.links, id)
	delete(m.claims, id)
	for key := range m.leases {
		if m.leases[key].RecordID == id {
			delete(m.leases, key)
		}
	}
	for key, obs := range m.observations {
		if obs.RecordID == id {
			delete(m.observations, key)
		}
	}
}

func (m *MemoryStore) listVendorLinksLocked(recordID string) []*VendorLink {
	var out []*VendorLink
	for _, link := range m.links[recordID] {
		cp := *link
		out = append(out, &cp)
	}
	sortVendorLinks(out)
	return out
}

func (m *MemoryStore) upsertVendorLinkLocked(link *VendorLink) {
	if m.links[link.RecordID] == nil {
		m.links[link.RecordID] = make(map[string]*VendorLink)
	}
	cp := *link
	m.links[link.RecordID][link.VendorID] = &cp
}

func (m *MemoryStore) insertObservationLocked(obs *PriceObservation) bool {
	key := obsKey(obs.RecordID, obs.VendorID, obs.Period)
	if _, exists := m.observations[key]; exists {
		return false
	}
	cp := *obs
	m.observations[key] = &cp
	return true
}

func (m *MemoryStore) listObservationsLocked(recordID string) []*PriceObservation {
	var out []*PriceObservation
	for _, obs := range m.observations {
		if obs.RecordID == recordID {
			cp := *obs
			out = append(out, &cp)
		}
	}
	sortObservations(out)
	return out
}

func copyRecord(rec *AggregateRecord) *AggregateRecord {
	cp := *rec
	cp.IdentifierVariants = append([]string(nil), rec.IdentifierVariants...)
	return &cp
}

func leaseKey(recordID, leaseType string) string {
	return recordID + "|" + leaseType
}

func obsKey(recordID, vendorID, period string) string {
	return recordID + "|" + vendorID + "|" + period
}

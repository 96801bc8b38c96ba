package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dealgrid/price_reconciler/internal/monitoring"
)

const (
	defaultTxAttempts   = 5
	txRetryBaseDelay    = 20 * time.Millisecond
	txRetryJitterMillis = 30
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so point operations
// and transactional operations share the same implementation.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the PostgreSQL implementation of Store. Transactions run at
// SERIALIZABLE isolation; serialization failures and deadlocks re-run the
// whole function against fresh state.
type PgStore struct {
	cp         *ConnectionPool
	metrics    *monitoring.Metrics
	logger     *slog.Logger
	txAttempts int
}

// NewPgStore creates a store on top of an established connection pool
func NewPgStore(cp *ConnectionPool, metrics *monitoring.Metrics, log *slog.Logger) *PgStore {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	return &PgStore{
		cp:         cp,
		metrics:    metrics,
		logger:     log,
		txAttempts: defaultTxAttempts,
	}
}

// EnsureSchema creates the tables if they do not exist yet
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.cp.Pool().Exec(ctx, querySchema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PgStore) ops() *pgOps {
	return &pgOps{q: s.cp.Pool()}
}

// RunInTx executes fn in a SERIALIZABLE transaction, re-running it on write
// conflicts up to the retry budget. The retries are invisible to callers.
func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Ops) error) error {
	return s.withConflictRetry(ctx, func() error {
		return s.runOnce(ctx, fn)
	})
}

func (s *PgStore) withConflictRetry(ctx context.Context, run func() error) error {
	var lastErr error

	for attempt := 1; attempt <= s.txAttempts; attempt++ {
		err := run()
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}
		lastErr = err

		s.metrics.RecordTxRetry()
		s.logger.Debug("Transaction conflict, re-running",
			"attempt", attempt,
			"max_attempts", s.txAttempts,
		)

		// Jittered delay so two conflicting writers do not collide again
		// on the same schedule.
		delay := time.Duration(attempt)*txRetryBaseDelay +
			time.Duration(rand.Intn(txRetryJitterMillis))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: %v", ErrTxExhausted, lastErr)
}

func (s *PgStore) runOnce(ctx context.Context, fn func(tx Ops) error) error {
	tx, err := s.cp.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(&pgOps{q: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CleanupStaleTemporary deletes temporary records last touched before olderThan
func (s *PgStore) CleanupStaleTemporary(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.cp.Pool().Exec(ctx, queryCleanupStaleTemporary, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup stale temporary: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the underlying pool
func (s *PgStore) Close() {
	s.cp.Close()
}

// isRetryableTxError reports whether the error is a serialization failure or
// deadlock that SERIALIZABLE isolation may surface under concurrent writers.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

// ==================== Point operations ====================

func (s *PgStore) GetRecord(ctx context.Context, id string) (*AggregateRecord, error) {
	return s.ops().GetRecord(ctx, id)
}

func (s *PgStore) PutRecord(ctx context.Context, rec *AggregateRecord) error {
	return s.ops().PutRecord(ctx, rec)
}

func (s *PgStore) DeleteRecord(ctx context.Context, id string) error {
	return s.ops().DeleteRecord(ctx, id)
}

func (s *PgStore) ListVendorLinks(ctx context.Context, recordID string) ([]*VendorLink, error) {
	return s.ops().ListVendorLinks(ctx, recordID)
}

func (s *PgStore) UpsertVendorLink(ctx context.Context, link *VendorLink) error {
	return s.ops().UpsertVendorLink(ctx, link)
}

func (s *PgStore) InsertObservation(ctx context.Context, obs *PriceObservation) (bool, error) {
	return s.ops().InsertObservation(ctx, obs)
}

func (s *PgStore) ListObservations(ctx context.Context, recordID string) ([]*PriceObservation, error) {
	return s.ops().ListObservations(ctx, recordID)
}

func (s *PgStore) GetLease(ctx context.Context, recordID, leaseType string) (*Lease, error) {
	return s.ops().GetLease(ctx, recordID, leaseType)
}

func (s *PgStore) PutLease(ctx context.Context, lease *Lease) error {
	return s.ops().PutLease(ctx, lease)
}

func (s *PgStore) DeleteLease(ctx context.Context, recordID, leaseType string) error {
	return s.ops().DeleteLease(ctx, recordID, leaseType)
}

func (s *PgStore) GetClaim(ctx context.Context, recordID string) (*ProcessingClaim, error) {
	return s.ops().GetClaim(ctx, recordID)
}

func (s *PgStore) PutClaim(ctx context.Context, claim *ProcessingClaim) error {
	return s.ops().PutClaim(ctx, claim)
}

func (s *PgStore) DeleteClaim(ctx context.Context, recordID string) error {
	return s.ops().DeleteClaim(ctx, recordID)
}

// ==================== Shared row access ====================

type pgOps struct {
	q querier
}

func (o *pgOps) GetRecord(ctx context.Context, id string) (*AggregateRecord, error) {
	rec := &AggregateRecord{}
	err := o.q.QueryRow(ctx, queryGetRecord, id).Scan(
		&rec.ID, &rec.CanonicalName, &rec.Category, &rec.IdentifierVariants,
		&rec.BestPrice, &rec.BestPriceVendor, &rec.ActiveVendorBrands,
		&rec.Temporary, &rec.Processed, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return rec, nil
}

func (o *pgOps) PutRecord(ctx context.Context, rec *AggregateRecord) error {
	_, err := o.q.Exec(ctx, queryPutRecord,
		rec.ID, rec.CanonicalName, rec.Category, rec.IdentifierVariants,
		rec.BestPrice, rec.BestPriceVendor, rec.ActiveVendorBrands,
		rec.Temporary, rec.Processed, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: put record: %w", err)
	}
	return nil
}

func (o *pgOps) DeleteRecord(ctx context.Context, id string) error {
	if _, err := o.q.Exec(ctx, queryDeleteRecord, id); err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	return nil
}

func (o *pgOps) ListVendorLinks(ctx context.Context, recordID string) ([]*VendorLink, error) {
	rows, err := o.q.Query(ctx, queryListVendorLinks, recordID)
	if err != nil {
		return nil, fmt.Errorf("store: list vendor links: %w", err)
	}
	defer rows.Close()

	var links []*VendorLink
	for rows.Next() {
		link := &VendorLink{}
		if err := rows.Scan(
			&link.RecordID, &link.VendorID, &link.Active, &link.LastFetchAt,
			&link.LastPrice, &link.SourceURL, &link.SourceSKU, &link.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan vendor link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (o *pgOps) UpsertVendorLink(ctx context.Context, link *VendorLink) error {
	_, err := o.q.Exec(ctx, queryUpsertVendorLink,
		link.RecordID, link.VendorID, link.Active, link.LastFetchAt,
		link.LastPrice, link.SourceURL, link.SourceSKU, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert vendor link: %w", err)
	}
	return nil
}

func (o *pgOps) InsertObservation(ctx context.Context, obs *PriceObservation) (bool, error) {
	tag, err := o.q.Exec(ctx, queryInsertObservation,
		obs.ID, obs.RecordID, obs.VendorID, obs.Period,
		obs.Price, obs.FetchedAt, obs.Active,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert observation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (o *pgOps) ListObservations(ctx context.Context, recordID string) ([]*PriceObservation, error) {
	rows, err := o.q.Query(ctx, queryListObservations, recordID)
	if err != nil {
		return nil, fmt.Errorf("store: list observations: %w", err)
	}
	defer rows.Close()

	var obs []*PriceObservation
	for rows.Next() {
		ob := &PriceObservation{}
		if err := rows.Scan(
			&ob.ID, &ob.RecordID, &ob.VendorID, &ob.Period,
			&ob.Price, &ob.FetchedAt, &ob.Active,
		); err != nil {
			return nil, fmt.Errorf("store: scan observation: %w", err)
		}
		obs = append(obs, ob)
	}
	return obs, rows.Err()
}

func (o *pgOps) GetLease(ctx context.Context, recordID, leaseType string) (*Lease, error) {
	lease := &Lease{}
	err := o.q.QueryRow(ctx, queryGetLease, recordID, leaseType).Scan(
		&lease.RecordID, &lease.Type, &lease.Holder, &lease.AcquiredAt,
		&lease.ExpiresAt, &lease.Extensions, &lease.FencingToken,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get lease: %w", err)
	}
	return lease, nil
}

func (o *pgOps) PutLease(ctx context.Context, lease *Lease) error {
	_, err := o.q.Exec(ctx, queryPutLease,
		lease.RecordID, lease.Type, lease.Holder, lease.AcquiredAt,
		lease.ExpiresAt, lease.Extensions, lease.FencingToken,
	)
	if err != nil {
		return fmt.Errorf("store: put lease: %w", err)
	}
	return nil
}

func (o *pgOps) DeleteLease(ctx context.Context, recordID, leaseType string) error {
	if _, err := o.q.Exec(ctx, queryDeleteLease, recordID, leaseType); err != nil {
		return fmt.Errorf("store: delete lease: %w", err)
	}
	return nil
}

func (o *pgOps) GetClaim(ctx context.Context, recordID string) (*ProcessingClaim, error) {
	claim := &ProcessingClaim{}
	err := o.q.QueryRow(ctx, queryGetClaim, recordID).Scan(
		&claim.RecordID, &claim.Holder, &claim.ClaimedAt, &claim.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get claim: %w", err)
	}
	return claim, nil
}

func (o *pgOps) PutClaim(ctx context.Context, claim *ProcessingClaim) error {
	_, err := o.q.Exec(ctx, queryPutClaim,
		claim.RecordID, claim.Holder, claim.ClaimedAt, claim.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: put claim: %w", err)
	}
	return nil
}

func (o *pgOps) DeleteClaim(ctx context.Context, recordID string) error {
	if _, err := o.q.Exec(ctx, queryDeleteClaim, recordID); err != nil {
		return fmt.Errorf("store: delete claim: %w", err)
	}
	return nil
}

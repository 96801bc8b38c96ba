package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgrid/price_reconciler/internal/claim"
	"github.com/dealgrid/price_reconciler/internal/classify"
	"github.com/dealgrid/price_reconciler/internal/queue"
	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/testhelpers"
	"github.com/dealgrid/price_reconciler/internal/utils"
)

type fakeClassifier struct {
	verdict *classify.Classification
	err     error
	calls   int
}

func (f *fakeClassifier) Classify(ctx context.Context, canonicalName string, variants []string) (*classify.Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

type completerFixture struct {
	store  *store.MemoryStore
	claims *claim.Tracker
}

func newCompleterFixture(t *testing.T) *completerFixture {
	t.Helper()

	st := store.NewMemoryStore()
	claims, err := claim.New(st, claim.Config{TTL: time.Minute}, testhelpers.Logger())
	require.NoError(t, err)
	return &completerFixture{store: st, claims: claims}
}

func (f *completerFixture) seedRecord(t *testing.T, id, category string) {
	t.Helper()

	now := utils.NowUTC()
	require.NoError(t, f.store.PutRecord(context.Background(), &store.AggregateRecord{
		ID:            id,
		CanonicalName: "widget " + id,
		Category:      category,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func msg(recordID string) *queue.Message {
	return &queue.Message{ID: "msg-1", RecordID: recordID, Attempt: 1}
}

func TestCompleterMarksProcessed(t *testing.T) {
	f := newCompleterFixture(t)
	f.seedRecord(t, "rec-1", "tools")

	c := NewCompleter(f.store, f.claims, nil, nil, "worker-1", testhelpers.Logger())
	assert.Equal(t, queue.Ack, c.Handle(context.Background(), msg("rec-1")))

	rec, err := f.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.True(t, rec.Processed)

	_, err = f.store.GetClaim(context.Background(), "rec-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleterClassifiesUncategorized(t *testing.T) {
	f := newCompleterFixture(t)
	f.seedRecord(t, "rec-1", "")

	fc := &fakeClassifier{verdict: &classify.Classification{Category: "tools", Brand: "Acme"}}
	c := NewCompleter(f.store, f.claims, fc, nil, "worker-1", testhelpers.Logger())

	assert.Equal(t, queue.Ack, c.Handle(context.Background(), msg("rec-1")))
	assert.Equal(t, 1, fc.calls)

	rec, err := f.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "tools", rec.Category)
	assert.Contains(t, rec.IdentifierVariants, "Acme")
	assert.True(t, rec.Processed)
}

func TestCompleterSkipsCategorizedRecord(t *testing.T) {
	f := newCompleterFixture(t)
	f.seedRecord(t, "rec-1", "tools")

	fc := &fakeClassifier{verdict: &classify.Classification{Category: "other"}}
	c := NewCompleter(f.store, f.claims, fc, nil, "worker-1", testhelpers.Logger())

	assert.Equal(t, queue.Ack, c.Handle(context.Background(), msg("rec-1")))
	assert.Equal(t, 0, fc.calls)
}

func TestCompleterNacksOnClassifyFailureAndReleasesClaim(t *testing.T) {
	f := newCompleterFixture(t)
	f.seedRecord(t, "rec-1", "")

	fc := &fakeClassifier{err: classify.ErrTimeout}
	c := NewCompleter(f.store, f.claims, fc, nil, "worker-1", testhelpers.Logger())

	assert.Equal(t, queue.Nack, c.Handle(context.Background(), msg("rec-1")))

	rec, err := f.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.False(t, rec.Processed)

	// claim released, so the redelivered message can retry immediately
	fc.err = nil
	fc.verdict = &classify.Classification{Category: "tools"}
	assert.Equal(t, queue.Ack, c.Handle(context.Background(), msg("rec-1")))
}

func TestCompleterAcksBusyRecord(t *testing.T) {
	f := newCompleterFixture(t)
	f.seedRecord(t, "rec-1", "tools")

	require.NoError(t, f.claims.Claim(context.Background(), "rec-1", "other-worker"))

	c := NewCompleter(f.store, f.claims, nil, nil, "worker-1", testhelpers.Logger())
	assert.Equal(t, queue.Ack, c.Handle(context.Background(), msg("rec-1")))

	rec, err := f.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.False(t, rec.Processed)
}

func TestCompleterAcksProcessedRecord(t *testing.T) {
	f := newCompleterFixture(t)
	f.seedRecord(t, "rec-1", "tools")

	c := NewCompleter(f.store, f.claims, nil, nil, "worker-1", testhelpers.Logger())
	require.Equal(t, queue.Ack, c.Handle(context.Background(), msg("rec-1")))

	// redelivered duplicate after completion
	fc := &fakeClassifier{err: errors.New("should not be called")}
	c2 := NewCompleter(f.store, f.claims, fc, nil, "worker-2", testhelpers.Logger())
	assert.Equal(t, queue.Ack, c2.Handle(context.Background(), msg("rec-1")))
	assert.Equal(t, 0, fc.calls)
}

func TestCompleterAcksMissingRecord(t *testing.T) {
	f := newCompleterFixture(t)

	c := NewCompleter(f.store, f.claims, nil, nil, "worker-1", testhelpers.Logger())
	assert.Equal(t, queue.Ack, c.Handle(context.Background(), msg("ghost")))
}

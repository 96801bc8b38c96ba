package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dealgrid/price_reconciler/internal/claim"
	"github.com/dealgrid/price_reconciler/internal/classify"
	"github.com/dealgrid/price_reconciler/internal/monitoring"
	"github.com/dealgrid/price_reconciler/internal/queue"
	"github.com/dealgrid/price_reconciler/internal/store"
)

// Classifier is the slice of the categorization service the completion
// path depends on
type Classifier interface {
	Classify(ctx context.Context, canonicalName string, variants []string) (*classify.Classification, error)
}

// Completer consumes completion messages: it claims the record's one-time
// enrichment work, runs categorization when the record has none, and marks
// the record processed. Duplicate and redelivered triggers collapse on the
// claim.
type Completer struct {
	store      store.Store
	claims     *claim.Tracker
	classifier Classifier // nil disables categorization
	metrics    *monitoring.Metrics
	holderID   string
	logger     *slog.Logger
}

// NewCompleter creates a completion handler
func NewCompleter(st store.Store, claims *claim.Tracker, classifier Classifier, metrics *monitoring.Metrics, holderID string, log *slog.Logger) *Completer {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	return &Completer{
		store:      st,
		claims:     claims,
		classifier: classifier,
		metrics:    metrics,
		holderID:   holderID,
		logger:     log,
	}
}

// Handle processes one completion message. Busy and already-processed are
// terminal: some holder owns or finished the work, so the message acks.
func (c *Completer) Handle(ctx context.Context, msg *queue.Message) queue.Outcome {
	err := c.claims.Claim(ctx, msg.RecordID, c.holderID)
	switch {
	case errors.Is(err, claim.ErrBusy):
		c.metrics.RecordClaimBusy()
		return queue.Ack
	case errors.Is(err, claim.ErrProcessed):
		return queue.Ack
	case errors.Is(err, store.ErrNotFound):
		c.logger.Warn("Completion trigger for missing record",
			"record_id", msg.RecordID,
			"message_id", msg.ID,
		)
		return queue.Ack
	case err != nil:
		c.logger.Error("Claim failed",
			"record_id", msg.RecordID,
			"error", err,
		)
		return queue.Nack
	}

	if err := c.enrich(ctx, msg.RecordID); err != nil {
		c.logger.Warn("Completion enrichment failed",
			"record_id", msg.RecordID,
			"attempt", msg.Attempt,
			"error", err,
		)
		// give the claim back so the redelivered message can retry
		// without waiting out the claim TTL
		if relErr := c.claims.Release(ctx, msg.RecordID, c.holderID); relErr != nil {
			c.logger.Error("Failed to release claim",
				"record_id", msg.RecordID,
				"error", relErr,
			)
		}
		return queue.Nack
	}

	if err := c.claims.Complete(ctx, msg.RecordID); err != nil {
		c.logger.Error("Failed to mark record processed",
			"record_id", msg.RecordID,
			"error", err,
		)
		return queue.Nack
	}

	c.logger.Info("Completion work finished",
		"record_id", msg.RecordID,
		"holder_id", c.holderID,
	)
	return queue.Ack
}

// enrich fills in the record's category via classification when absent
func (c *Completer) enrich(ctx context.Context, recordID string) error {
	if c.classifier == nil {
		return nil
	}

	rec, err := c.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Category != "" {
		return nil
	}

	verdict, err := c.classifier.Classify(ctx, rec.CanonicalName, rec.IdentifierVariants)
	if err != nil {
		if errors.Is(err, classify.ErrTimeout) {
			c.metrics.RecordClassify("timeout")
		} else {
			c.metrics.RecordClassify("error")
		}
		return err
	}
	c.metrics.RecordClassify("ok")

	return c.store.RunInTx(ctx, func(tx store.Ops) error {
		fresh, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if fresh.Category != "" {
			return nil
		}
		fresh.Category = verdict.Category
		if verdict.Brand != "" && !containsVariant(fresh.IdentifierVariants, verdict.Brand) {
			fresh.IdentifierVariants = append(fresh.IdentifierVariants, verdict.Brand)
		}
		return tx.PutRecord(ctx, fresh)
	})
}

func containsVariant(variants []string, candidate string) bool {
	for _, v := range variants {
		if v == candidate {
			return true
		}
	}
	return false
}

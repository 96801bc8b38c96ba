package reconcile

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dealgrid/price_reconciler/internal/queue"
)

// TriggerHandler consumes reconciliation triggers from the delivery
// boundary. Committed runs and missing records are terminal and ack; a
// busy or failed run nacks so the trigger is redelivered, and the merge's
// write-once observations absorb any duplicate work that causes.
type TriggerHandler struct {
	engine   *Engine
	holderID string
	logger   *slog.Logger
}

// NewTriggerHandler creates a trigger consumer running on behalf of
// holderID
func NewTriggerHandler(engine *Engine, holderID string, log *slog.Logger) *TriggerHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TriggerHandler{
		engine:   engine,
		holderID: holderID,
		logger:   log,
	}
}

// Handle runs one reconciliation for the triggered record
func (h *TriggerHandler) Handle(ctx context.Context, msg *queue.Message) queue.Outcome {
	holder := h.holderID + "-" + uuid.NewString()[:8]
	out := h.engine.Reconcile(ctx, msg.RecordID, holder)

	switch out.Status {
	case StatusCommitted:
		return queue.Ack
	case StatusAborted:
		if strings.Contains(out.Message, "not found") {
			h.logger.Warn("Reconcile trigger for missing record",
				"record_id", msg.RecordID,
				"message_id", msg.ID,
			)
			return queue.Ack
		}
		// busy: another holder owns the lease, let redelivery retry later
		return queue.Nack
	default:
		h.logger.Warn("Reconcile run failed, requesting redelivery",
			"record_id", msg.RecordID,
			"attempt", msg.Attempt,
			"message", out.Message,
		)
		return queue.Nack
	}
}

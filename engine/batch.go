package engine

import (
	"fmt"

	"github.com/hawkdelights/cake-orders/model"
)

// SeenSet lets a caller skip messages handled by an earlier run.
type SeenSet interface {
	Seen(key string) bool
}

// SeenFunc adapts a function to SeenSet.
type SeenFunc func(key string) bool

func (f SeenFunc) Seen(key string) bool { return f(key) }

// Batch is the best-effort outcome for a sequence of messages.
type Batch struct {
	Orders   []model.Order
	Failures []model.Failure
	// Skipped lists keys of messages the SeenSet reported as already handled.
	Skipped []string
}

// Summary renders the counts a caller reports to the user.
func (b Batch) Summary() string {
	return fmt.Sprintf("%d orders found, %d rejected", len(b.Orders), len(b.Failures))
}

// ProcessBatch runs every message and collects orders and failures in input
// order. A failing message never stops the batch. seen may be nil.
func (e *Engine) ProcessBatch(msgs []model.Message, seen SeenSet) Batch {
	var batch Batch
	for _, msg := range msgs {
		if seen != nil && seen.Seen(msg.Key()) {
			batch.Skipped = append(batch.Skipped, msg.Key())
			continue
		}

		res := e.Process(msg)
		if res.OK() {
			batch.Orders = append(batch.Orders, res.Order)
			continue
		}
		batch.Failures = append(batch.Failures, res.Failure)
		if e.logger != nil {
			e.logger.Warn("order rejected", "messageID", res.Failure.MessageID, "field", res.Failure.Field, "reason", res.Failure.Reason, "raw", res.Failure.Raw)
		}
	}
	return batch
}

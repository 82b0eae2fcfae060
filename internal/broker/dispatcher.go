package broker

import (
	"context"
	"time"

	"github.com/oriys/msgbroker/internal/logging"
	"github.com/oriys/msgbroker/internal/metrics"
	"github.com/oriys/msgbroker/internal/observability"
)

// Dispatcher implements fair, prefetch-bounded delivery: for each queue it
// scans consumers in round-robin order starting from where the last scan
// left off, handing pending messages to the first consumer under its
// prefetch ceiling, until either the queue empties or every consumer is at
// capacity.
type Dispatcher struct {
	store    *Store
	sender   *CallbackSender
	prefetch int
	nowFn    func() time.Time
}

// NewDispatcher builds a dispatcher bound to store, delivering through
// sender, enforcing prefetch as the per-consumer unacked ceiling.
func NewDispatcher(store *Store, sender *CallbackSender, prefetch int) *Dispatcher {
	return &Dispatcher{store: store, sender: sender, prefetch: prefetch, nowFn: time.Now}
}

type delivery struct {
	consumerURL string
	msg         Message
}

// TryDispatch drains as many pending messages from queueName as the current
// consumer set's prefetch capacity allows. It performs at most one durable
// snapshot write for the whole call, not one per message, so a queue with
// many pending messages doesn't hammer the filesystem on every dispatch
// tick. Callback delivery is started in its own goroutine after the lock is
// released, so a slow or hanging consumer never blocks other queues.
func (d *Dispatcher) TryDispatch(ctx context.Context, queueName string, snapshotPath string) {
	ctx, span := observability.StartSpan(ctx, "broker.dispatch", observability.AttrQueue.String(queueName))
	defer span.End()

	var deliveries []delivery
	durableChanged := false

	d.store.mu.Lock()
	q, ok := d.store.get(queueName)
	if !ok {
		d.store.mu.Unlock()
		observability.SetSpanOK(span)
		return
	}

	for q.Messages.Len() > 0 && q.Consumers.len() > 0 {
		order := q.Consumers.snapshot()
		chosen := ""
		chosenIdx := -1
		for i := 0; i < len(order); i++ {
			idx := (q.RRIndex + i) % len(order)
			url := order[idx]
			state, _ := q.Consumers.get(url)
			if state.UnackedCount < d.prefetch {
				chosen = url
				chosenIdx = idx
				break
			}
		}
		if chosen == "" {
			metrics.RecordDispatch(queueName, "prefetch_full")
			break
		}
		q.RRIndex = (chosenIdx + 1) % len(order)

		front := q.Messages.Front()
		msg := front.Value.(Message)
		q.Messages.Remove(front)

		state, _ := q.Consumers.get(chosen)
		state.UnackedCount++
		q.Unacked[msg.ID] = &InFlight{Message: msg, SentAt: d.nowFn(), ConsumerURL: chosen}

		if msg.Durable {
			durableChanged = true
		}

		metrics.RecordDispatch(queueName, "sent")
		deliveries = append(deliveries, delivery{consumerURL: chosen, msg: msg})
	}

	if q.depth() > 0 && q.Consumers.len() == 0 {
		metrics.RecordDispatch(queueName, "no_consumer")
	}
	metrics.SetQueueDepth(queueName, q.depth())
	metrics.SetUnackedCount(queueName, len(q.Unacked))
	metrics.SetConsumerCount(queueName, q.Consumers.len())

	d.store.mu.Unlock()

	if durableChanged {
		if err := saveSnapshot(d.store, snapshotPath); err != nil {
			observability.SetSpanError(span, err)
			logging.Op().Error("snapshot write failed after dispatch", "queue", queueName, "error", err)
		}
	}

	for _, dl := range deliveries {
		go d.sender.Send(context.Background(), queueName, dl.consumerURL, dl.msg)
	}

	observability.SetSpanOK(span)
}

package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/msgbroker/internal/logging"
	"github.com/oriys/msgbroker/internal/metrics"
	"github.com/oriys/msgbroker/internal/queue"
)

// Reaper runs two periodic sweeps over every queue under the broker lock:
//
//  1. ACK-timeout redelivery: any in-flight message whose ack timeout has
//     elapsed is returned to the front of its queue and its consumer's
//     unacked count is decremented.
//  2. Idle-queue expiry: a queue with zero attached consumers has its
//     pending messages aged out once they've sat longer than the idle
//     retention window; a queue with any consumer is never expired, even if
//     that consumer is slow.
//
// Both sweeps run in a single lock acquisition per tick, collecting the set
// of queues that changed so dispatch can be retried against them only after
// the lock is released — dispatch never runs while the reaper holds the
// store mutex.
type Reaper struct {
	store        *Store
	dispatcher   *Dispatcher
	notifier     queue.Notifier
	ackTimeout   time.Duration
	idleExpiry   time.Duration
	tickPeriod   time.Duration
	snapshotPath string
	nowFn        func() time.Time

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ReaperConfig bundles the timing knobs for a Reaper.
type ReaperConfig struct {
	AckTimeout   time.Duration
	IdleExpiry   time.Duration
	TickPeriod   time.Duration
	SnapshotPath string
	Notifier     queue.Notifier
}

// NewReaper builds a reaper bound to store and dispatcher. A nil Notifier
// falls back to a no-op, so the reaper always runs on its tick period alone
// even without a wake-up fabric.
func NewReaper(store *Store, dispatcher *Dispatcher, cfg ReaperConfig) *Reaper {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Reaper{
		store:        store,
		dispatcher:   dispatcher,
		notifier:     notifier,
		ackTimeout:   cfg.AckTimeout,
		idleExpiry:   cfg.IdleExpiry,
		tickPeriod:   cfg.TickPeriod,
		snapshotPath: cfg.SnapshotPath,
		nowFn:        time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic tick loop in a background goroutine. It also
// subscribes to the notifier's wake-up channel, so a Notify on the reaper
// topic (from this process, or from another one sharing a Redis notifier)
// triggers an early tick instead of waiting out the full period. The broker
// itself never calls Notify; its sweeps are driven by the ticker.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	wake := r.notifier.Subscribe(ctx, queue.QueueReaper)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tickPeriod)
		defer ticker.Stop()

		logging.Op().Info("reaper started", "ack_timeout", r.ackTimeout, "idle_expiry", r.idleExpiry, "tick_period", r.tickPeriod)

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Tick(ctx)
			case <-wake:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

// Tick runs a single reaper sweep synchronously. It is exported so tests
// can drive ack-timeout and idle-expiry behavior deterministically instead
// of waiting on real wall-clock sleeps.
func (r *Reaper) Tick(ctx context.Context) {
	now := r.nowFn()
	durableChanged := false
	var novelQueues []string

	r.store.mu.Lock()
	for name, q := range r.store.queues {
		if q.Consumers.len() == 0 {
			durableChanged = r.expireIdle(q, now) || durableChanged
		}
		unackedBefore := len(q.Unacked)
		if r.redeliverTimedOut(q, now) {
			durableChanged = true
		}
		if len(q.Unacked) < unackedBefore {
			novelQueues = append(novelQueues, name)
		}
	}
	r.store.mu.Unlock()

	// saveSnapshot acquires store.mu itself, so it must never run while this
	// tick still holds the lock above.
	if durableChanged {
		if err := saveSnapshot(r.store, r.snapshotPath); err != nil {
			logging.Op().Error("reaper snapshot write failed", "error", err)
		}
	}

	for _, name := range novelQueues {
		r.dispatcher.TryDispatch(ctx, name, r.snapshotPath)
	}
}

// expireIdle drops pending messages older than idleExpiry from a
// consumer-less queue. Must be called with store.mu held.
func (r *Reaper) expireIdle(q *Queue, now time.Time) bool {
	changed := false
	var next []Message

	for e := q.Messages.Front(); e != nil; e = e.Next() {
		m := e.Value.(Message)
		if now.Sub(m.EnqueuedAt) > r.idleExpiry {
			logging.Op().Info("expiring idle message", "queue", q.Name, "message_id", m.ID, "age", now.Sub(m.EnqueuedAt))
			metrics.RecordExpiry(q.Name)
			if m.Durable {
				changed = true
			}
			continue
		}
		next = append(next, m)
	}

	q.Messages.Init()
	for _, m := range next {
		q.Messages.PushBack(m)
	}
	metrics.SetQueueDepth(q.Name, q.depth())

	return changed
}

// redeliverTimedOut returns messages whose ack deadline has passed back to
// the head of the queue, decrements their consumer's unacked count, and
// removes the in-flight record. Returns true if a durable message was
// re-enqueued, meaning the snapshot must be rewritten. Must be called with
// store.mu held.
func (r *Reaper) redeliverTimedOut(q *Queue, now time.Time) bool {
	changed := false

	var timedOut []*InFlight
	for _, inflight := range q.Unacked {
		if now.Sub(inflight.SentAt) > r.ackTimeout {
			timedOut = append(timedOut, inflight)
		}
	}
	if len(timedOut) == 0 {
		return false
	}

	// Process oldest-sent-first last, so it ends up pushed to the very
	// front of the queue — the most overdue message gets redelivered
	// soonest.
	sort.Slice(timedOut, func(i, j int) bool { return timedOut[i].SentAt.After(timedOut[j].SentAt) })

	for _, inflight := range timedOut {
		logging.Op().Info("redelivering timed-out message", "queue", q.Name, "message_id", inflight.Message.ID, "consumer_url", inflight.ConsumerURL)
		metrics.RecordRedelivery(q.Name)

		if state, ok := q.Consumers.get(inflight.ConsumerURL); ok && state.UnackedCount > 0 {
			state.UnackedCount--
		}
		delete(q.Unacked, inflight.Message.ID)
		q.Messages.PushFront(inflight.Message)

		if inflight.Message.Durable {
			changed = true
		}
	}

	metrics.SetQueueDepth(q.Name, q.depth())
	metrics.SetUnackedCount(q.Name, len(q.Unacked))

	return changed
}

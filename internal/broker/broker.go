package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/msgbroker/internal/logging"
	"github.com/oriys/msgbroker/internal/metrics"
	"github.com/oriys/msgbroker/internal/queue"
)

// Config bundles everything needed to construct a Broker.
type Config struct {
	SnapshotPath    string
	PrefetchCount   int
	AckTimeout      time.Duration
	ReaperInterval  time.Duration
	IdleExpiry      time.Duration
	CallbackTimeout time.Duration
	Notifier        queue.Notifier
}

// Broker is the top-level engine combining queue state, dispatch, and the
// background reaper. It is the single entry point the HTTP control plane
// calls into; every exported method here corresponds to one control-plane
// operation.
type Broker struct {
	store      *Store
	dispatcher *Dispatcher
	reaper     *Reaper
	cfg        Config
}

// New constructs a Broker with an empty queue set. Call Restore before
// Start to load durable state from a prior run.
func New(cfg Config) *Broker {
	store := newStore()
	sender := NewCallbackSender(cfg.CallbackTimeout)
	dispatcher := NewDispatcher(store, sender, cfg.PrefetchCount)
	reaper := NewReaper(store, dispatcher, ReaperConfig{
		AckTimeout:   cfg.AckTimeout,
		IdleExpiry:   cfg.IdleExpiry,
		TickPeriod:   cfg.ReaperInterval,
		SnapshotPath: cfg.SnapshotPath,
		Notifier:     cfg.Notifier,
	})

	return &Broker{store: store, dispatcher: dispatcher, reaper: reaper, cfg: cfg}
}

// Restore loads durable queue state from cfg.SnapshotPath. Call once before
// Start, while nothing else can be observing the store.
func (b *Broker) Restore() error {
	queues, err := loadSnapshot(b.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	b.store.restore(queues)
	logging.Op().Info("restored durable state", "queues", len(queues), "snapshot_path", b.cfg.SnapshotPath)
	return nil
}

// Start launches the reaper's background tick loop and performs one
// dispatch pass over every existing queue, so messages restored durably
// from a prior run (or queues with consumers that reconnected before the
// first reaper tick) get an immediate chance at delivery instead of waiting
// out the first tick period.
func (b *Broker) Start(ctx context.Context) {
	b.reaper.Start(ctx)
	for _, name := range b.store.names() {
		b.dispatcher.TryDispatch(ctx, name, b.cfg.SnapshotPath)
	}
}

// Stop halts the background reaper.
func (b *Broker) Stop() {
	b.reaper.Stop()
}

// Declare creates the named queue if it doesn't exist, or is a no-op if it
// already exists, whatever durability is passed: the first declaration wins.
func (b *Broker) Declare(name string, durable bool) error {
	if name == "" {
		return ErrInvalidName
	}
	_, created := b.store.declare(name, durable)
	logging.Op().Info("queue declared", "queue", name, "durable", durable)

	if created && durable {
		if err := saveSnapshot(b.store, b.cfg.SnapshotPath); err != nil {
			logging.Op().Error("snapshot write failed after declare", "queue", name, "error", err)
		}
	}

	return nil
}

// Publish appends a message to queueName and attempts immediate dispatch.
// Returns ErrQueueNotFound if the queue hasn't been declared.
func (b *Broker) Publish(ctx context.Context, name string, payload []byte, durable bool) (string, error) {
	b.store.mu.Lock()
	q, ok := b.store.get(name)
	if !ok {
		b.store.mu.Unlock()
		return "", ErrQueueNotFound
	}

	// A message is durable only if both the publish call and the owning
	// queue requested durability.
	msgDurable := durable && q.Durable

	msg := Message{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now(),
		Durable:    msgDurable,
	}
	q.Messages.PushBack(msg)
	metrics.RecordPublish(name)
	metrics.SetQueueDepth(name, q.depth())
	b.store.mu.Unlock()

	if msgDurable {
		if err := saveSnapshot(b.store, b.cfg.SnapshotPath); err != nil {
			logging.Op().Error("snapshot write failed after publish", "queue", name, "error", err)
		}
	}

	b.dispatcher.TryDispatch(ctx, name, b.cfg.SnapshotPath)

	return msg.ID, nil
}

// Subscribe attaches callbackURL as a consumer of queueName and attempts
// immediate dispatch of any already-pending messages. Re-subscribing an
// already-attached callback URL is a no-op — subscription is idempotent.
func (b *Broker) Subscribe(ctx context.Context, name, callbackURL string) error {
	b.store.mu.Lock()
	q, ok := b.store.get(name)
	if !ok {
		b.store.mu.Unlock()
		return ErrQueueNotFound
	}
	q.Consumers.add(callbackURL)
	metrics.SetConsumerCount(name, q.Consumers.len())
	b.store.mu.Unlock()

	logging.Op().Info("consumer subscribed", "queue", name, "consumer_url", callbackURL)
	b.dispatcher.TryDispatch(ctx, name, b.cfg.SnapshotPath)

	return nil
}

// Ack acknowledges messageID as successfully processed by its consumer,
// clearing its in-flight record and freeing one prefetch slot. Returns
// ErrQueueNotFound or ErrMessageNotFound if the queue or message isn't
// currently in flight — acking twice, or acking a message the reaper
// already redelivered, fails this way rather than silently succeeding.
func (b *Broker) Ack(ctx context.Context, queueName, messageID string) error {
	b.store.mu.Lock()
	q, ok := b.store.get(queueName)
	if !ok {
		b.store.mu.Unlock()
		return ErrQueueNotFound
	}

	inflight, ok := q.Unacked[messageID]
	if !ok {
		b.store.mu.Unlock()
		return ErrMessageNotFound
	}

	delete(q.Unacked, messageID)
	if state, ok := q.Consumers.get(inflight.ConsumerURL); ok && state.UnackedCount > 0 {
		state.UnackedCount--
	}
	metrics.RecordAck(queueName)
	metrics.SetUnackedCount(queueName, len(q.Unacked))
	durableChanged := inflight.Message.Durable
	b.store.mu.Unlock()

	if durableChanged {
		if err := saveSnapshot(b.store, b.cfg.SnapshotPath); err != nil {
			logging.Op().Error("snapshot write failed after ack", "queue", queueName, "error", err)
		}
	}

	// Acking frees a prefetch slot, so the freed consumer may be able to
	// take another pending message immediately.
	b.dispatcher.TryDispatch(ctx, queueName, b.cfg.SnapshotPath)

	return nil
}

// List returns the names of all declared queues.
func (b *Broker) List() []string {
	return b.store.names()
}

// Delete removes a queue and all its pending/in-flight state. Returns
// ErrQueueNotFound if it didn't exist.
func (b *Broker) Delete(name string) error {
	if !b.store.delete(name) {
		return ErrQueueNotFound
	}
	logging.Op().Info("queue deleted", "queue", name)

	if err := saveSnapshot(b.store, b.cfg.SnapshotPath); err != nil {
		logging.Op().Error("snapshot write failed after delete", "queue", name, "error", err)
	}

	return nil
}

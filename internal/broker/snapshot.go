package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// snapshotFile is the on-disk durable-state format. Only durable queues and
// their durable messages are persisted; non-durable queues and non-durable
// messages are dropped on every write, matching the broker's
// restart-preservation rule: only what was explicitly marked durable
// survives a restart.
type snapshotFile struct {
	Queues []snapshotQueue `json:"queues"`
}

type snapshotQueue struct {
	Name     string            `json:"name"`
	Durable  bool              `json:"durable"`
	Messages []snapshotMessage `json:"messages"`
}

type snapshotMessage struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// buildSnapshot produces the serializable form of the current queue set.
// Callers must hold store.mu.
func buildSnapshot(s *Store) snapshotFile {
	var out snapshotFile

	for _, q := range s.queues {
		if !q.Durable {
			continue
		}

		sq := snapshotQueue{Name: q.Name, Durable: true}

		// In-flight durable messages are written back first so that, on
		// reload, they land at the head of the queue for immediate
		// redelivery — a restart must never silently drop a message that
		// was already handed to a consumer but not yet acked.
		inflight := make([]*InFlight, 0, len(q.Unacked))
		for _, f := range q.Unacked {
			if f.Message.Durable {
				inflight = append(inflight, f)
			}
		}
		sort.Slice(inflight, func(i, j int) bool {
			return inflight[i].SentAt.Before(inflight[j].SentAt)
		})
		for _, f := range inflight {
			sq.Messages = append(sq.Messages, snapshotMessage{
				ID:         f.Message.ID,
				Payload:    f.Message.Payload,
				EnqueuedAt: f.Message.EnqueuedAt,
			})
		}

		for e := q.Messages.Front(); e != nil; e = e.Next() {
			m := e.Value.(Message)
			if !m.Durable {
				continue
			}
			sq.Messages = append(sq.Messages, snapshotMessage{
				ID:         m.ID,
				Payload:    m.Payload,
				EnqueuedAt: m.EnqueuedAt,
			})
		}

		out.Queues = append(out.Queues, sq)
	}

	return out
}

// restoreFromSnapshot reconstructs a queue map from the on-disk format.
// Consumers and round-robin position are never persisted: every restart
// starts with an empty consumer set, matching the broker's decision to
// forget consumers across restarts rather than guess at which callbacks are
// still reachable.
func restoreFromSnapshot(sf snapshotFile) map[string]*Queue {
	queues := make(map[string]*Queue, len(sf.Queues))
	for _, sq := range sf.Queues {
		q := newQueue(sq.Name, sq.Durable)
		for _, sm := range sq.Messages {
			q.Messages.PushBack(Message{
				ID:         sm.ID,
				Payload:    sm.Payload,
				EnqueuedAt: sm.EnqueuedAt,
				Durable:    true,
			})
		}
		queues[sq.Name] = q
	}
	return queues
}

// saveSnapshot writes the store's durable state to path atomically: it
// writes to a temp file in the same directory and renames it into place, so
// a crash mid-write never leaves a truncated or partially-written snapshot
// for the next boot to load.
func saveSnapshot(s *Store, path string) error {
	s.mu.Lock()
	sf := buildSnapshot(s)
	s.mu.Unlock()

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp snapshot file into place: %w", err)
	}

	return nil
}

// loadSnapshot reads path and reconstructs a queue map. A missing file is
// not an error: it means this is the broker's first run, and it starts with
// an empty queue set.
func loadSnapshot(path string) (map[string]*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Queue), nil
		}
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot file: %w", err)
	}

	return restoreFromSnapshot(sf), nil
}

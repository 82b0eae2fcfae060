package brokerapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oriys/msgbroker/internal/broker"
	"github.com/oriys/msgbroker/internal/queue"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	b := broker.New(broker.Config{
		SnapshotPath:    filepath.Join(dir, "state.json"),
		PrefetchCount:   1,
		AckTimeout:      time.Hour,
		IdleExpiry:      time.Hour,
		ReaperInterval:  time.Hour,
		CallbackTimeout: time.Second,
		Notifier:        queue.NewNoopNotifier(),
	})
	if err := b.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	return &Handler{Broker: b}
}

func newMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestDeclareQueue_CreatesQueue(t *testing.T) {
	h := newTestHandler(t)
	mux := newMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/declarar_cola", map[string]any{"nombre": "orders"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/colas", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Colas []string `json:"colas"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Colas) != 1 || resp.Colas[0] != "orders" {
		t.Fatalf("expected [orders], got %v", resp.Colas)
	}
}

func TestDeclareQueue_MissingName(t *testing.T) {
	h := newTestHandler(t)
	mux := newMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/declarar_cola", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPublish_ToMissingQueue_Returns404(t *testing.T) {
	h := newTestHandler(t)
	mux := newMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/publicar", map[string]any{"nombre": "ghost", "mensaje": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPublishAndAck_EndToEnd(t *testing.T) {
	h := newTestHandler(t)
	mux := newMux(h)

	// The publish response never carries message_id (it's delivered to the
	// consumer via the callback body instead), so the test learns the id the
	// same way a real consumer would: from the callback POST itself.
	var mu sync.Mutex
	var deliveredID string
	cs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb struct {
			MessageID string `json:"message_id"`
		}
		json.NewDecoder(r.Body).Decode(&cb)
		mu.Lock()
		deliveredID = cb.MessageID
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer cs.Close()

	rec := doJSON(t, mux, http.MethodPost, "/declarar_cola", map[string]any{"nombre": "jobs"})
	if rec.Code != http.StatusOK {
		t.Fatalf("declare failed: %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/consumir", map[string]any{"nombre": "jobs", "callback_url": cs.URL})
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe failed: %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/publicar", map[string]any{"nombre": "jobs", "mensaje": map[string]string{"task": "run"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish failed: %d: %s", rec.Code, rec.Body.String())
	}
	var pubResp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pubResp); err != nil {
		t.Fatalf("unmarshal publish response: %v", err)
	}
	if pubResp.Status != "mensaje publicado" {
		t.Fatalf("expected status %q, got %q", "mensaje publicado", pubResp.Status)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	messageID := deliveredID
	mu.Unlock()
	if messageID == "" {
		t.Fatal("expected consumer callback to receive a message_id")
	}

	rec = doJSON(t, mux, http.MethodPost, "/ack", map[string]any{"message_id": messageID, "nombre_cola": "jobs"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ack failed: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/ack", map[string]any{"message_id": messageID, "nombre_cola": "jobs"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on double-ack, got %d", rec.Code)
	}
}

func TestDeleteQueue(t *testing.T) {
	h := newTestHandler(t)
	mux := newMux(h)

	doJSON(t, mux, http.MethodPost, "/declarar_cola", map[string]any{"nombre": "temp"})

	rec := doJSON(t, mux, http.MethodDelete, "/colas/temp", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodDelete, "/colas/temp", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on double-delete, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)
	mux := newMux(h)

	rec := doJSON(t, mux, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

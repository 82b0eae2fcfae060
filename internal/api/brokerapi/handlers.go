// Package brokerapi implements the broker's HTTP control plane: the wire
// endpoints consumers and publishers use to declare queues, move messages,
// and inspect broker state.
package brokerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/msgbroker/internal/broker"
	"github.com/oriys/msgbroker/internal/logging"
	"github.com/oriys/msgbroker/internal/metrics"
	"github.com/oriys/msgbroker/internal/observability"
)

// Handler serves the broker's control-plane HTTP API.
type Handler struct {
	Broker *broker.Broker
}

// RegisterRoutes registers every control-plane route on mux, using Go's
// 1.22+ method-pattern routing.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /declarar_cola", h.DeclareQueue)
	mux.HandleFunc("POST /publicar", h.Publish)
	mux.HandleFunc("POST /consumir", h.Subscribe)
	mux.HandleFunc("POST /ack", h.Ack)
	mux.HandleFunc("GET /colas", h.ListQueues)
	mux.HandleFunc("DELETE /colas/{name}", h.DeleteQueue)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// DeclareQueue handles POST /declarar_cola.
func (h *Handler) DeclareQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartServerSpan(r.Context(), "POST /declarar_cola")
	defer span.End()

	var req struct {
		Nombre  string `json:"nombre"`
		Durable bool   `json:"durable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Nombre == "" {
		http.Error(w, "nombre is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(observability.AttrQueue.String(req.Nombre))

	if err := h.Broker.Declare(req.Nombre, req.Durable); err != nil {
		observability.SetSpanError(span, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	observability.SetSpanOK(span)
	logRequest(ctx, "declarar_cola", req.Nombre, "", "", start, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "cola": req.Nombre})
}

// Publish handles POST /publicar.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartServerSpan(r.Context(), "POST /publicar")
	defer span.End()

	var req struct {
		Nombre  string          `json:"nombre"`
		Mensaje json.RawMessage `json:"mensaje"`
		Durable bool            `json:"durable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Nombre == "" {
		http.Error(w, "nombre is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(observability.AttrQueue.String(req.Nombre))

	msgID, err := h.Broker.Publish(ctx, req.Nombre, req.Mensaje, req.Durable)
	if err != nil {
		observability.SetSpanError(span, err)
		status := http.StatusInternalServerError
		if errors.Is(err, broker.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		logRequest(ctx, "publicar", req.Nombre, "", "", start, false, err.Error())
		http.Error(w, err.Error(), status)
		return
	}

	span.SetAttributes(observability.AttrMessageID.String(msgID))
	observability.SetSpanOK(span)
	logRequest(ctx, "publicar", req.Nombre, msgID, "", start, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "mensaje publicado"})
}

// Subscribe handles POST /consumir.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartServerSpan(r.Context(), "POST /consumir")
	defer span.End()

	var req struct {
		Nombre      string `json:"nombre"`
		CallbackURL string `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Nombre == "" || req.CallbackURL == "" {
		http.Error(w, "nombre and callback_url are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(observability.AttrQueue.String(req.Nombre), observability.AttrConsumerURL.String(req.CallbackURL))

	if err := h.Broker.Subscribe(ctx, req.Nombre, req.CallbackURL); err != nil {
		observability.SetSpanError(span, err)
		status := http.StatusInternalServerError
		if errors.Is(err, broker.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		logRequest(ctx, "consumir", req.Nombre, "", req.CallbackURL, start, false, err.Error())
		http.Error(w, err.Error(), status)
		return
	}

	observability.SetSpanOK(span)
	logRequest(ctx, "consumir", req.Nombre, "", req.CallbackURL, start, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "suscrito correctamente"})
}

// Ack handles POST /ack.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartServerSpan(r.Context(), "POST /ack")
	defer span.End()

	var req struct {
		MessageID  string `json:"message_id"`
		NombreCola string `json:"nombre_cola"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.MessageID == "" || req.NombreCola == "" {
		http.Error(w, "message_id and nombre_cola are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(observability.AttrQueue.String(req.NombreCola), observability.AttrMessageID.String(req.MessageID))

	if err := h.Broker.Ack(ctx, req.NombreCola, req.MessageID); err != nil {
		observability.SetSpanError(span, err)
		status := http.StatusNotFound
		logRequest(ctx, "ack", req.NombreCola, req.MessageID, "", start, false, err.Error())
		http.Error(w, err.Error(), status)
		return
	}

	observability.SetSpanOK(span)
	logRequest(ctx, "ack", req.NombreCola, req.MessageID, "", start, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ack recibido"})
}

// ListQueues handles GET /colas.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	_, span := observability.StartServerSpan(r.Context(), "GET /colas")
	defer span.End()

	names := h.Broker.List()
	if names == nil {
		names = []string{}
	}
	observability.SetSpanOK(span)
	writeJSON(w, http.StatusOK, map[string][]string{"colas": names})
}

// DeleteQueue handles DELETE /colas/{name}.
func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartServerSpan(r.Context(), "DELETE /colas/{name}")
	defer span.End()

	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(observability.AttrQueue.String(name))

	if err := h.Broker.Delete(name); err != nil {
		observability.SetSpanError(span, err)
		logRequest(ctx, "borrar_cola", name, "", "", start, false, err.Error())
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	observability.SetSpanOK(span)
	logRequest(ctx, "borrar_cola", name, "", "", start, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cola eliminada", "cola": name})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func logRequest(ctx context.Context, op, queueName, messageID, consumerURL string, start time.Time, success bool, errMsg string) {
	logging.Default().Log(&logging.RequestLog{
		RequestID:   uuid.NewString(),
		TraceID:     observability.GetTraceID(ctx),
		SpanID:      observability.GetSpanID(ctx),
		Operation:   op,
		Queue:       queueName,
		MessageID:   messageID,
		ConsumerURL: consumerURL,
		DurationMs:  time.Since(start).Milliseconds(),
		Success:     success,
		Error:       errMsg,
	})
}

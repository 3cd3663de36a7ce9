package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lai/datagate/telemetry"
)

// maxIngestBytes caps one Datagate document.
const maxIngestBytes = 10 << 20

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, body)
}

// Ingester runs one Datagate document through the forwarding pipeline.
type Ingester interface {
	Ingest(ctx context.Context, r io.Reader) (Result, error)
}

// IngestHandler receives Datagate pushes.
type IngestHandler struct {
	pipeline Ingester
}

func NewIngestHandler(p Ingester) *IngestHandler {
	return &IngestHandler{pipeline: p}
}

// ServeHTTP handles POST /. The response is always 200 so the feed never
// retries a batch: "OK (n)" with the forwarded count, or "BAD XML".
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxIngestBytes)

	// Deliveries already started finish even if the feed disconnects.
	ctx := context.WithoutCancel(r.Context())

	res, err := h.pipeline.Ingest(ctx, body)
	if err != nil {
		if errors.Is(err, telemetry.ErrMalformed) {
			slog.Error("xml parse error", "error", err, "remote", r.RemoteAddr)
			writeText(w, http.StatusOK, "BAD XML")
			return
		}
		slog.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeText(w, http.StatusOK, fmt.Sprintf("OK (%d)", res.Forwarded))
}

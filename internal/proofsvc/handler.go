package proofsvc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// NewHandler exposes a Prover over the same JSON API HTTPClient consumes.
func NewHandler(p Prover, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{prover: p, logger: logger.With("component", "proofsvc")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /compress", h.handleCompress)
	mux.HandleFunc("POST /verify", h.handleVerify)
	return mux
}

type handler struct {
	prover Prover
	logger *slog.Logger
}

func (h *handler) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req compressRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	artifact, err := h.prover.Compress(r.Context(), req.Metadata)
	if err != nil {
		h.writeError(w, "compress", err)
		return
	}
	writeJSON(w, compressResponse{CompressedMetadata: artifact.Data, Proof: artifact.Proof})
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	artifact := Artifact{Data: req.CompressedMetadata, Proof: req.Proof}
	valid, err := h.prover.Verify(r.Context(), artifact, req.Metadata)
	if err != nil {
		h.writeError(w, "verify", err)
		return
	}
	writeJSON(w, verifyResponse{Valid: &valid})
}

func (h *handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("prover failed", "op", op, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxResponseBytes)).Decode(out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Runtime defines the minimal surface the admin router needs from the cache
// layer. The concrete wiring lives in cmd so the router stays free of cache
// internals.
type Runtime interface {
	Stats(ctx context.Context) (Stats, error)
	InvalidateKey(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	EndSession(ctx context.Context) error
}

// Stats is the payload served on /statz.
type Stats struct {
	Namespace      string        `json:"namespace"`
	MemoryEntries  int64         `json:"memoryEntries"`
	DurableEntries int64         `json:"durableEntries"`
	Entities       []EntityStats `json:"entities"`
}

// EntityStats describes one entity family's cache.
type EntityStats struct {
	Entity string `json:"entity"`
	TTL    string `json:"ttl"`
}

type invalidateRequest struct {
	Key    string `json:"key"`
	Prefix string `json:"prefix"`
}

// NewHandler wires the admin routes over the runtime surface.
func NewHandler(rt Runtime, logger *slog.Logger) http.Handler {
	if rt == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "runtime unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{runtime: rt, logger: logger.With(slog.String("agent", "admin_http"))}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/statz", h.stats)
	mux.HandleFunc("/invalidate", h.invalidate)
	mux.HandleFunc("/session/end", h.endSession)
	return mux
}

type handler struct {
	runtime Runtime
	logger  *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.runtime.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := strings.TrimSpace(req.Key)
	prefix := strings.TrimSpace(req.Prefix)
	if (key == "") == (prefix == "") {
		writeError(w, http.StatusBadRequest, "exactly one of key or prefix required")
		return
	}

	var err error
	if key != "" {
		err = h.runtime.InvalidateKey(r.Context(), key)
	} else {
		err = h.runtime.InvalidatePrefix(r.Context(), prefix)
	}
	if err != nil {
		h.logger.Error("invalidate failed",
			slog.String("key", key), slog.String("prefix", prefix), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "invalidate failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *handler) endSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.runtime.EndSession(r.Context()); err != nil {
		h.logger.Error("session end failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "session end failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

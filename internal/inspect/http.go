package inspect

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
)

// HTTPHandler exposes the inspection API:
//
//	GET /tables
//	GET /tables/{name}
//	GET /tables/{name}/history?from_seq=N
//	GET /tables/{name}/keys/{key}
//	GET /observers
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the inspection handler.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "tables":
		h.writeJSON(w, h.svc.List())
	case len(parts) == 1 && parts[0] == "observers":
		entries, err := h.svc.Observers(r.Context())
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeJSON(w, entries)
	case len(parts) == 2 && parts[0] == "tables":
		body, err := h.svc.TableJSON(types.TableName(parts[1]))
		if err != nil {
			h.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case len(parts) == 3 && parts[0] == "tables" && parts[2] == "history":
		var from uint64
		if raw := r.URL.Query().Get("from_seq"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid from_seq", http.StatusBadRequest)
				return
			}
			from = parsed
		}
		versions, err := h.svc.History(r.Context(), types.TableName(parts[1]), from)
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeJSON(w, versions)
	case len(parts) == 4 && parts[0] == "tables" && parts[2] == "keys":
		value, err := h.svc.Value(types.TableName(parts[1]), parts[3])
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeJSON(w, map[string]any{"key": parts[3], "value": value})
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.logger.Error().Err(err).Msg("inspect request failed")
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}

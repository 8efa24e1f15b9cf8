// internal/api/quarantine_handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"netwarden/internal/quarantine"
)

// QuarantineHandler handles enforcement requests
type QuarantineHandler struct {
	manager *quarantine.Manager
}

// NewQuarantineHandler creates a new quarantine handler
func NewQuarantineHandler(manager *quarantine.Manager) *QuarantineHandler {
	return &QuarantineHandler{manager: manager}
}

// RegisterRoutes registers the quarantine routes
func (h *QuarantineHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/quarantine", h.quarantine).Methods("POST")
	r.HandleFunc("/api/quarantine", h.listQuarantine).Methods("GET")
	r.HandleFunc("/api/unquarantine", h.unquarantine).Methods("POST")
}

type quarantineRequest struct {
	IP     string `json:"ip"`
	MAC    string `json:"mac"`
	Reason string `json:"reason"`
}

// quarantine blocks a device. MAC-only requests succeed with 206 because the
// local firewall cannot fully isolate a device it only knows by hardware
// address.
func (h *QuarantineHandler) quarantine(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "quarantine").Logger()

	var req quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn().Err(err).Msg("Invalid request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.manager.Quarantine(r.Context(), req.IP, req.MAC, req.Reason)
	if err != nil {
		var validationErr *quarantine.ValidationError
		if errors.As(err, &validationErr) {
			logger.Warn().Err(err).Msg("Quarantine request rejected")
			http.Error(w, validationErr.Error(), http.StatusBadRequest)
			return
		}

		logger.Error().Err(err).Str("ip", req.IP).Msg("Quarantine enforcement failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Partial {
		w.WriteHeader(http.StatusPartialContent)
	}
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Error().Err(err).Msg("Failed to encode quarantine result")
	}
}

// unquarantine releases a device from enforcement
func (h *QuarantineHandler) unquarantine(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "unquarantine").Logger()

	var req quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn().Err(err).Msg("Invalid request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.manager.Unquarantine(r.Context(), req.IP, req.MAC); err != nil {
		var validationErr *quarantine.ValidationError
		if errors.As(err, &validationErr) {
			logger.Warn().Err(err).Msg("Unquarantine request rejected")
			http.Error(w, validationErr.Error(), http.StatusBadRequest)
			return
		}

		logger.Error().Err(err).Str("ip", req.IP).Msg("Unquarantine failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "released"})
}

// listQuarantine returns every persisted quarantine record
func (h *QuarantineHandler) listQuarantine(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "listQuarantine").Logger()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.manager.List()); err != nil {
		logger.Error().Err(err).Msg("Failed to encode quarantine records")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

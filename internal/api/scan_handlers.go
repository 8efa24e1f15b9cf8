// internal/api/scan_handlers.go
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// ScanTrigger is the engine surface for manual scan requests
type ScanTrigger interface {
	RequestScanNow() bool
}

// ScanHandler handles manual scan trigger requests
type ScanHandler struct {
	engine ScanTrigger
}

// NewScanHandler creates a new scan handler
func NewScanHandler(engine ScanTrigger) *ScanHandler {
	return &ScanHandler{engine: engine}
}

// RegisterRoutes registers the scan routes
func (h *ScanHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/scan_now", h.scanNow).Methods("POST")
}

// scanNow asks the worker to run a cycle immediately. A request made while a
// cycle is executing is rejected with 409 rather than queued.
func (h *ScanHandler) scanNow(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "scanNow").Logger()

	accepted := h.engine.RequestScanNow()

	w.Header().Set("Content-Type", "application/json")
	if !accepted {
		logger.Info().Msg("Scan request rejected, cycle in progress")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"status": "busy"})
		return
	}

	logger.Info().Msg("Manual scan accepted")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

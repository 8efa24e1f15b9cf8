// internal/api/snapshot_handlers.go
package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"netwarden/internal/config"
	"netwarden/internal/models"
	"netwarden/internal/store"
)

// SnapshotHandler serves the published inventory snapshot, the event tail,
// the per-cycle history, and the CSV export.
type SnapshotHandler struct {
	cfg    *config.Config
	db     *store.DB
	engine SnapshotSource
}

// SnapshotSource is the read-only engine surface the handlers need
type SnapshotSource interface {
	Snapshot() *models.Snapshot
	Status() models.CycleStatus
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(cfg *config.Config, db *store.DB, engine SnapshotSource) *SnapshotHandler {
	return &SnapshotHandler{
		cfg:    cfg,
		db:     db,
		engine: engine,
	}
}

// RegisterRoutes registers the snapshot routes
func (h *SnapshotHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/snapshot", h.getSnapshot).Methods("GET")
	r.HandleFunc("/api/events", h.getEvents).Methods("GET")
	r.HandleFunc("/api/history", h.getHistory).Methods("GET")
	r.HandleFunc("/api/status", h.getStatus).Methods("GET")
	r.HandleFunc("/api/export.csv", h.exportCSV).Methods("GET")
}

// getSnapshot returns the most recently published inventory snapshot
func (h *SnapshotHandler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSnapshot").Logger()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.engine.Snapshot()); err != nil {
		logger.Error().Err(err).Msg("Failed to encode snapshot")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getEvents returns the newest events, bounded by the limit parameter
func (h *SnapshotHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getEvents").Logger()

	limit := h.parseLimit(r, h.cfg.Events.TailLimitDefault, h.cfg.Events.TailLimitMax)

	events, err := h.db.TailEvents(limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve events")
		http.Error(w, "Failed to retrieve events", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		logger.Error().Err(err).Msg("Failed to encode events")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getHistory returns the per-cycle device counters, oldest first
func (h *SnapshotHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getHistory").Logger()

	limit := h.parseLimit(r, h.cfg.Events.TailLimitDefault, h.cfg.Events.TailLimitMax)

	points, err := h.db.TailHistory(limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve history")
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(points); err != nil {
		logger.Error().Err(err).Msg("Failed to encode history")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getStatus reports the scan worker state and the configured intervals
func (h *SnapshotHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getStatus").Logger()

	status := h.engine.Status()
	response := map[string]interface{}{
		"cycle":        status,
		"subnet":       h.cfg.Scanner.TargetNetwork,
		"scanInterval": h.cfg.Scanner.Interval,
		"profileTTL":   h.cfg.Scanner.ProfileTTL,
		"offlineAfter": h.cfg.Scanner.OfflineAfter,
		"enforcement":  h.cfg.Enforcement.Enabled,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode status")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// exportCSV streams the current inventory as CSV, one row per device
func (h *SnapshotHandler) exportCSV(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "exportCSV").Logger()

	snapshot := h.engine.Snapshot()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\"inventory_"+time.Now().Format("20060102_150405")+".csv\"")

	writer := csv.NewWriter(w)
	header := []string{"key", "ip", "mac", "hostname", "vendor", "device_type", "os", "risk", "state", "quarantined", "open_ports", "first_seen", "last_seen"}
	if err := writer.Write(header); err != nil {
		logger.Error().Err(err).Msg("Failed to write CSV header")
		return
	}

	for _, d := range snapshot.Devices {
		ports := make([]string, 0, len(d.Ports))
		for _, p := range d.Ports {
			ports = append(ports, p.String())
		}

		row := []string{
			d.Key,
			d.IPAddress,
			d.MACAddress,
			d.Hostname,
			d.Vendor,
			d.DeviceType,
			d.OSGuess,
			string(d.Risk),
			string(d.State),
			strconv.FormatBool(d.Quarantined),
			strings.Join(ports, " "),
			d.FirstSeen.Format(time.RFC3339),
			d.LastSeen.Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			logger.Error().Err(err).Msg("Failed to write CSV row")
			return
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		logger.Error().Err(err).Msg("Failed to flush CSV export")
	}
}

// parseLimit clamps the limit query parameter to [1, max], falling back to
// def when absent or unparsable.
func (h *SnapshotHandler) parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Package quarantine manages host-firewall enforcement against individual
// devices. The persisted quarantine table is the source of truth; the live
// inventory only mirrors it. Every operation holds the manager lock for its
// full duration, so enforcement state can never be observed mid-change.
package quarantine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/models"
)

// FirewallController applies and removes block rules for a single IP
// address. Implementations must be idempotent in both directions.
type FirewallController interface {
	Block(ctx context.Context, ip string) error
	Unblock(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// Store is the persistence surface the manager depends on
type Store interface {
	SaveQuarantineRecord(rec *models.QuarantineRecord) error
	DeleteQuarantineRecord(key string) error
	ListQuarantineRecords() ([]*models.QuarantineRecord, error)
	AppendEvent(event *models.Event) error
}

// ValidationError rejects a request before any state is touched
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// EnforcementError reports a firewall operation that failed; nothing is
// persisted when one is returned from Quarantine.
type EnforcementError struct {
	Op  string
	IP  string
	Err error
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("firewall %s failed for %s: %v", e.Op, e.IP, e.Err)
}

func (e *EnforcementError) Unwrap() error { return e.Err }

// Result reports the outcome of a successful quarantine request. Partial is
// set for MAC-only quarantines, where no local firewall rule can be applied
// and the operator must act at the router or access point.
type Result struct {
	Record  *models.QuarantineRecord `json:"record"`
	Partial bool                     `json:"partial"`
	Note    string                   `json:"note,omitempty"`
}

const macOnlyNote = "hardware address only: local firewall cannot block this device, remove it at the router or access point"

// Manager owns enforcement state
type Manager struct {
	mu       sync.Mutex // held across firewall calls, serializing all operations
	db       Store
	firewall FirewallController
	logger   zerolog.Logger

	records map[string]*models.QuarantineRecord
}

// NewManager creates a quarantine manager and loads the persisted records.
// A persistence failure degrades to an empty enforcement set.
func NewManager(db Store, firewall FirewallController) *Manager {
	m := &Manager{
		db:       db,
		firewall: firewall,
		logger:   log.With().Str("component", "quarantine").Logger(),
		records:  make(map[string]*models.QuarantineRecord),
	}

	records, err := db.ListQuarantineRecords()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load quarantine records, starting empty")
		return m
	}
	for _, rec := range records {
		m.records[rec.Key] = rec
	}
	if len(m.records) > 0 {
		m.logger.Info().Int("count", len(m.records)).Msg("Loaded persisted quarantine records")
	}
	return m
}

// Quarantine blocks a device and records it as quarantined. With an IP
// address the firewall rule must succeed before anything is persisted. With
// only a hardware address no local rule is possible and the record is saved
// with a partial result instead.
func (m *Manager) Quarantine(ctx context.Context, ip, mac, reason string) (*Result, error) {
	ip = strings.TrimSpace(ip)
	mac = strings.TrimSpace(mac)

	if ip == "" && mac == "" {
		return nil, &ValidationError{Msg: "an IP address or hardware address is required"}
	}
	if reason == "" {
		reason = "operator request"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := models.DeviceKey(ip, mac)

	if ip != "" {
		if err := m.firewall.Block(ctx, ip); err != nil {
			m.appendEvent(models.EventQuarantineFailed, models.SeverityCritical,
				fmt.Sprintf("Quarantine failed for %s", ip),
				map[string]string{"ip": ip, "mac": mac, "error": err.Error()})
			return nil, &EnforcementError{Op: "block", IP: ip, Err: err}
		}
	}

	rec := &models.QuarantineRecord{
		Key:        key,
		IPAddress:  ip,
		MACAddress: strings.ToUpper(mac),
		Reason:     reason,
		Timestamp:  time.Now(),
	}

	result := &Result{Record: rec}
	if ip == "" {
		rec.Note = macOnlyNote
		result.Partial = true
		result.Note = macOnlyNote
	}

	if err := m.db.SaveQuarantineRecord(rec); err != nil {
		// The rule is live; keep the in-memory record so enforcement state
		// stays consistent until the next successful write.
		m.logger.Error().Err(err).Str("key", key).Msg("Failed to persist quarantine record")
	}
	m.records[key] = rec

	m.appendEvent(models.EventQuarantineOn, models.SeverityCritical,
		fmt.Sprintf("Quarantine applied to %s", displayTarget(ip, mac)),
		map[string]string{"ip": ip, "mac": rec.MACAddress, "reason": reason})

	m.logger.Info().Str("key", key).Str("ip", ip).Bool("partial", result.Partial).Msg("Device quarantined")
	return result, nil
}

// Unquarantine removes the block for a device. Rule removal is best effort;
// the persisted record is always deleted so a stuck firewall can never leave
// a device permanently marked quarantined.
func (m *Manager) Unquarantine(ctx context.Context, ip, mac string) error {
	ip = strings.TrimSpace(ip)
	mac = strings.TrimSpace(mac)

	if ip == "" && mac == "" {
		return &ValidationError{Msg: "an IP address or hardware address is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findLocked(ip, mac)

	unblockIP := ip
	if unblockIP == "" && rec != nil {
		unblockIP = rec.IPAddress
	}
	if unblockIP != "" {
		if err := m.firewall.Unblock(ctx, unblockIP); err != nil {
			m.logger.Warn().Err(err).Str("ip", unblockIP).Msg("Rule removal failed, clearing record anyway")
		}
	}

	key := models.DeviceKey(ip, mac)
	keys := []string{key}
	if rec != nil && rec.Key != key {
		keys = append(keys, rec.Key)
	}
	for _, k := range keys {
		if err := m.db.DeleteQuarantineRecord(k); err != nil {
			m.logger.Warn().Err(err).Str("key", k).Msg("Failed to delete quarantine record")
		}
		delete(m.records, k)
	}

	m.appendEvent(models.EventQuarantineOff, models.SeverityInfo,
		fmt.Sprintf("Quarantine lifted for %s", displayTarget(ip, mac)),
		map[string]string{"ip": ip, "mac": strings.ToUpper(mac)})

	m.logger.Info().Str("key", key).Msg("Device released from quarantine")
	return nil
}

// Reconcile re-applies the firewall rule for every persisted record with an
// IP address. Called at startup, before the first scan cycle, so enforcement
// survives a daemon restart.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed int
	for _, rec := range m.records {
		if rec.IPAddress == "" {
			continue
		}
		if err := m.firewall.Block(ctx, rec.IPAddress); err != nil {
			failed++
			m.logger.Error().Err(err).Str("ip", rec.IPAddress).Msg("Failed to re-apply quarantine rule")
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to re-apply %d quarantine rule(s)", failed)
	}
	if len(m.records) > 0 {
		m.logger.Info().Int("count", len(m.records)).Msg("Quarantine rules reconciled")
	}
	return nil
}

// IsQuarantined reports whether a device identified by ip and/or mac is
// under enforcement. Consulted by the scan cycle for every observation.
func (m *Manager) IsQuarantined(ip, mac string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(ip, mac) != nil
}

// List returns the persisted quarantine records, newest first
func (m *Manager) List() []*models.QuarantineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.QuarantineRecord, 0, len(m.records))
	for _, rec := range m.records {
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// findLocked resolves a record by either derived key, then by matching
// address fields. A device quarantined by MAC is still recognized when later
// observed by IP alone, and vice versa.
func (m *Manager) findLocked(ip, mac string) *models.QuarantineRecord {
	if mac != "" {
		if rec, ok := m.records[models.DeviceKey("", mac)]; ok {
			return rec
		}
	}
	if ip != "" {
		if rec, ok := m.records[models.DeviceKey(ip, "")]; ok {
			return rec
		}
	}

	upperMAC := strings.ToUpper(mac)
	for _, rec := range m.records {
		if ip != "" && rec.IPAddress == ip {
			return rec
		}
		if upperMAC != "" && rec.MACAddress == upperMAC {
			return rec
		}
	}
	return nil
}

func (m *Manager) appendEvent(kind models.EventKind, severity models.Severity, title string, details map[string]string) {
	event := &models.Event{
		Kind:     kind,
		Severity: severity,
		Title:    title,
		Details:  details,
	}
	if err := m.db.AppendEvent(event); err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to append quarantine event")
	}
}

func displayTarget(ip, mac string) string {
	if ip != "" {
		return ip
	}
	return strings.ToUpper(mac)
}

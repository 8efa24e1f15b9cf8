// Package store provides durable persistence for netwarden.
// It handles all interactions with the SQLite database: the baseline
// snapshot, the append-only event log, quarantine records, the vendor-lookup
// cache, and per-cycle history counters. The core depends only on the
// load/save/append semantics exposed here, not on the file format.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/models"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	Path   string // Exported for integration tests
	logger *zerolog.Logger
	sync.Mutex
}

// New creates a new database connection
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports only one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger := log.With().Str("component", "store").Logger()

	dbInstance := &DB{
		DB:     db,
		Path:   path,
		logger: &logger,
	}

	if err := dbInstance.initializeDB(); err != nil {
		db.Close()
		return nil, err
	}

	if err := dbInstance.optimizeDB(); err != nil {
		logger.Warn().Err(err).Msg("Failed to set some database optimization parameters")
	}

	return dbInstance, nil
}

// Initialize database schema
func (db *DB) initializeDB() error {
	db.logger.Info().Msg("Initializing database schema")

	schema := `
	-- Baseline table: one row per DeviceKey, the "previous" state for diffing
	CREATE TABLE IF NOT EXISTS baseline (
		key TEXT PRIMARY KEY,
		ip_address TEXT NOT NULL,
		mac_address TEXT,
		vendor TEXT,
		hostname TEXT,
		os_guess TEXT,
		device_type TEXT,
		risk TEXT NOT NULL,
		state TEXT NOT NULL,
		ports TEXT NOT NULL DEFAULT '[]',
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);

	-- Events table: append-only alert log
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);

	-- Quarantine table: source of truth for enforcement state
	CREATE TABLE IF NOT EXISTS quarantine (
		key TEXT PRIMARY KEY,
		ip_address TEXT,
		mac_address TEXT,
		reason TEXT NOT NULL,
		note TEXT,
		ts TIMESTAMP NOT NULL
	);

	-- Vendor cache: MAC prefix -> vendor string, cached indefinitely
	CREATE TABLE IF NOT EXISTS vendor_cache (
		prefix TEXT PRIMARY KEY,
		vendor TEXT NOT NULL
	);

	-- History table: per-cycle counters for the trend API
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TIMESTAMP NOT NULL,
		seen INTEGER NOT NULL,
		new_count INTEGER NOT NULL,
		critical INTEGER NOT NULL
	);

	-- Create indexes
	CREATE INDEX IF NOT EXISTS idx_baseline_ip ON baseline(ip_address);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_history_ts ON history(ts);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return nil
}

// optimizeDB sets SQLite optimization parameters
func (db *DB) optimizeDB() error {
	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return err
	}

	// Set busy timeout to avoid "database is locked" errors
	if _, err := db.Exec("PRAGMA busy_timeout=10000"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to set busy_timeout PRAGMA")
	}

	if _, err := db.Exec("PRAGMA cache_size=-20000"); err != nil { // Approx 20MB cache
		db.logger.Warn().Err(err).Msg("Failed to set cache_size PRAGMA")
	}

	return nil
}

// ExecuteWithRetry attempts to execute a function with retries for transient errors
func (db *DB) ExecuteWithRetry(maxRetries int, retryDelay time.Duration, operation func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") ||
			strings.Contains(err.Error(), "busy") {
			db.logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("maxRetries", maxRetries).
				Msg("Retrying database operation")

			time.Sleep(retryDelay)
			retryDelay = retryDelay * 2
			continue
		}

		break
	}

	return fmt.Errorf("database operation failed after %d attempts: %w", maxRetries, err)
}

// OptimizeDatabase runs PRAGMA optimize, typically on shutdown or a schedule
func (db *DB) OptimizeDatabase() error {
	db.Lock()
	defer db.Unlock()

	if _, err := db.Exec("PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to optimize database: %w", err)
	}
	return nil
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO. The destination must not already exist.
func (db *DB) BackupTo(destPath string) error {
	db.Lock()
	defer db.Unlock()

	if _, err := db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

// --- Baseline ---

// SaveBaselineEntry inserts or replaces the baseline row for entry.Key
func (db *DB) SaveBaselineEntry(entry *models.BaselineEntry) error {
	db.Lock()
	defer db.Unlock()

	ports, err := json.Marshal(entry.Ports)
	if err != nil {
		return fmt.Errorf("failed to encode ports: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO baseline (key, ip_address, mac_address, vendor, hostname, os_guess,
		                       device_type, risk, state, ports, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   ip_address = excluded.ip_address,
		   mac_address = excluded.mac_address,
		   vendor = excluded.vendor,
		   hostname = excluded.hostname,
		   os_guess = excluded.os_guess,
		   device_type = excluded.device_type,
		   risk = excluded.risk,
		   state = excluded.state,
		   ports = excluded.ports,
		   last_seen = excluded.last_seen`,
		entry.Key, entry.IPAddress, entry.MACAddress, entry.Vendor, entry.Hostname,
		entry.OSGuess, entry.DeviceType, string(entry.Risk), string(entry.State),
		string(ports), entry.FirstSeen, entry.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to save baseline entry: %w", err)
	}

	return nil
}

// GetBaselineEntry returns the baseline row for key, or nil if none exists.
// A corrupt row degrades to nil rather than failing the cycle.
func (db *DB) GetBaselineEntry(key string) (*models.BaselineEntry, error) {
	db.Lock()
	defer db.Unlock()

	row := db.QueryRow(
		`SELECT key, ip_address, mac_address, vendor, hostname, os_guess,
		        device_type, risk, state, ports, first_seen, last_seen
		 FROM baseline WHERE key = ?`, key)

	entry, err := scanBaselineRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		db.logger.Warn().Err(err).Str("key", key).Msg("Unreadable baseline row, treating as absent")
		return nil, nil
	}
	return entry, nil
}

// LoadBaseline returns all persisted baseline entries keyed by DeviceKey
func (db *DB) LoadBaseline() (map[string]*models.BaselineEntry, error) {
	db.Lock()
	defer db.Unlock()

	rows, err := db.Query(
		`SELECT key, ip_address, mac_address, vendor, hostname, os_guess,
		        device_type, risk, state, ports, first_seen, last_seen
		 FROM baseline`)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.BaselineEntry)
	for rows.Next() {
		entry, err := scanBaselineRow(rows)
		if err != nil {
			db.logger.Warn().Err(err).Msg("Skipping unreadable baseline row")
			continue
		}
		out[entry.Key] = entry
	}

	return out, rows.Err()
}

// UpdateBaselineState updates only the lifecycle state of a baseline row.
// Used by the offline sweeper, which must not disturb the diffable fields.
func (db *DB) UpdateBaselineState(key string, state models.LifecycleState) error {
	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(`UPDATE baseline SET state = ? WHERE key = ?`, string(state), key)
	if err != nil {
		return fmt.Errorf("failed to update baseline state: %w", err)
	}
	return nil
}

// DeleteBaselineEntry removes the baseline row for key. Used by key migration
// when a placeholder record is superseded by its MAC-keyed successor.
func (db *DB) DeleteBaselineEntry(key string) error {
	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(`DELETE FROM baseline WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete baseline entry: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBaselineRow(row rowScanner) (*models.BaselineEntry, error) {
	var entry models.BaselineEntry
	var mac, vendor, hostname, osGuess, deviceType sql.NullString
	var risk, state, ports string

	err := row.Scan(&entry.Key, &entry.IPAddress, &mac, &vendor, &hostname, &osGuess,
		&deviceType, &risk, &state, &ports, &entry.FirstSeen, &entry.LastSeen)
	if err != nil {
		return nil, err
	}

	entry.MACAddress = mac.String
	entry.Vendor = vendor.String
	entry.Hostname = hostname.String
	entry.OSGuess = osGuess.String
	entry.DeviceType = deviceType.String
	entry.Risk = models.RiskLevel(risk)
	entry.State = models.LifecycleState(state)

	if err := json.Unmarshal([]byte(ports), &entry.Ports); err != nil {
		return nil, fmt.Errorf("failed to decode ports for %s: %w", entry.Key, err)
	}

	return &entry, nil
}

// --- Events ---

// AppendEvent writes one immutable event to the log. The stored record is
// never rewritten or deleted by the core.
func (db *DB) AppendEvent(event *models.Event) error {
	db.Lock()
	defer db.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO events (id, ts, kind, severity, title, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp, string(event.Kind), string(event.Severity),
		event.Title, string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	db.logger.Info().
		Str("kind", string(event.Kind)).
		Str("severity", string(event.Severity)).
		Str("title", event.Title).
		Msg("Event recorded")

	return nil
}

// TailEvents returns the most recent limit events, newest first
func (db *DB) TailEvents(limit int) ([]*models.Event, error) {
	db.Lock()
	defer db.Unlock()

	if limit <= 0 {
		limit = 25
	}

	rows, err := db.Query(
		`SELECT id, ts, kind, severity, title, details
		 FROM events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0, limit)
	for rows.Next() {
		var event models.Event
		var kind, severity, details string

		if err := rows.Scan(&event.ID, &event.Timestamp, &kind, &severity,
			&event.Title, &details); err != nil {
			db.logger.Warn().Err(err).Msg("Skipping unreadable event row")
			continue
		}

		event.Kind = models.EventKind(kind)
		event.Severity = models.Severity(severity)
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			event.Details = nil
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

// --- Quarantine ---

// SaveQuarantineRecord inserts or replaces the quarantine record for rec.Key
func (db *DB) SaveQuarantineRecord(rec *models.QuarantineRecord) error {
	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(
		`INSERT INTO quarantine (key, ip_address, mac_address, reason, note, ts)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   ip_address = excluded.ip_address,
		   mac_address = excluded.mac_address,
		   reason = excluded.reason,
		   note = excluded.note,
		   ts = excluded.ts`,
		rec.Key, rec.IPAddress, rec.MACAddress, rec.Reason, rec.Note, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save quarantine record: %w", err)
	}
	return nil
}

// DeleteQuarantineRecord removes the quarantine record for key
func (db *DB) DeleteQuarantineRecord(key string) error {
	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(`DELETE FROM quarantine WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete quarantine record: %w", err)
	}
	return nil
}

// GetQuarantineRecord returns the record for key, or nil if none exists
func (db *DB) GetQuarantineRecord(key string) (*models.QuarantineRecord, error) {
	db.Lock()
	defer db.Unlock()

	rec, err := scanQuarantineRow(db.QueryRow(
		`SELECT key, ip_address, mac_address, reason, note, ts
		 FROM quarantine WHERE key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantine record: %w", err)
	}
	return rec, nil
}

// ListQuarantineRecords returns every persisted quarantine record
func (db *DB) ListQuarantineRecords() ([]*models.QuarantineRecord, error) {
	db.Lock()
	defer db.Unlock()

	rows, err := db.Query(
		`SELECT key, ip_address, mac_address, reason, note, ts
		 FROM quarantine ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine records: %w", err)
	}
	defer rows.Close()

	var records []*models.QuarantineRecord
	for rows.Next() {
		rec, err := scanQuarantineRow(rows)
		if err != nil {
			db.logger.Warn().Err(err).Msg("Skipping unreadable quarantine row")
			continue
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanQuarantineRow(row rowScanner) (*models.QuarantineRecord, error) {
	var rec models.QuarantineRecord
	var ip, mac, note sql.NullString

	err := row.Scan(&rec.Key, &ip, &mac, &rec.Reason, &note, &rec.Timestamp)
	if err != nil {
		return nil, err
	}

	rec.IPAddress = ip.String
	rec.MACAddress = mac.String
	rec.Note = note.String
	return &rec, nil
}

// --- Vendor cache ---

// GetCachedVendor returns the cached vendor for a MAC prefix, or "" on miss
func (db *DB) GetCachedVendor(prefix string) (string, error) {
	db.Lock()
	defer db.Unlock()

	var vendor string
	err := db.QueryRow(`SELECT vendor FROM vendor_cache WHERE prefix = ?`, prefix).Scan(&vendor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read vendor cache: %w", err)
	}
	return vendor, nil
}

// SaveCachedVendor stores a resolved vendor for a MAC prefix
func (db *DB) SaveCachedVendor(prefix, vendor string) error {
	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(
		`INSERT INTO vendor_cache (prefix, vendor) VALUES (?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET vendor = excluded.vendor`,
		prefix, vendor,
	)
	if err != nil {
		return fmt.Errorf("failed to save vendor cache entry: %w", err)
	}
	return nil
}

// --- History ---

// AppendHistory records one per-cycle counter sample
func (db *DB) AppendHistory(point *models.HistoryPoint) error {
	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(
		`INSERT INTO history (ts, seen, new_count, critical) VALUES (?, ?, ?, ?)`,
		point.Timestamp, point.Seen, point.New, point.Critical,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// TailHistory returns the most recent limit samples, oldest first
func (db *DB) TailHistory(limit int) ([]*models.HistoryPoint, error) {
	db.Lock()
	defer db.Unlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(
		`SELECT ts, seen, new_count, critical FROM
		 (SELECT id, ts, seen, new_count, critical FROM history ORDER BY id DESC LIMIT ?)
		 ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	points := make([]*models.HistoryPoint, 0, limit)
	for rows.Next() {
		var p models.HistoryPoint
		if err := rows.Scan(&p.Timestamp, &p.Seen, &p.New, &p.Critical); err != nil {
			db.logger.Warn().Err(err).Msg("Skipping unreadable history row")
			continue
		}
		points = append(points, &p)
	}

	return points, rows.Err()
}

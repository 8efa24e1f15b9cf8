// Package inventory maintains the live, in-memory device map for netwarden.
// The map is guarded by a single lock; the scan cycle and the offline
// sweeper are the only writers, and external consumers only ever receive
// deep copies, never a live reference.
package inventory

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/classify"
	"netwarden/internal/models"
)

// Store holds the current state of every tracked device keyed by DeviceKey.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*models.InventoryRecord
	logger  zerolog.Logger
}

// NewStore creates an empty inventory
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*models.InventoryRecord),
		logger:  log.With().Str("component", "inventory").Logger(),
	}
}

// Get returns a copy of the record for key, or nil if the key is untracked
func (s *Store) Get(key string) *models.InventoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[key]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Put stores rec under its key, replacing any previous record. The first-seen
// timestamp of an existing record is preserved; it is set once and never
// overwritten.
func (s *Store) Put(rec *models.InventoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[rec.Key]; ok && !existing.FirstSeen.IsZero() {
		rec.FirstSeen = existing.FirstSeen
	}
	s.devices[rec.Key] = rec.Clone()
}

// Remove deletes the record for key, if present
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, key)
}

// Migrate moves the record stored under oldKey to newKey, preserving its
// first-seen timestamp. It returns a copy of the migrated record, or nil if
// oldKey was untracked. Used when a device first seen without a hardware
// address is later observed with one.
func (s *Store) Migrate(oldKey, newKey string) *models.InventoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[oldKey]
	if !ok {
		return nil
	}

	delete(s.devices, oldKey)
	rec.Key = newKey
	s.devices[newKey] = rec

	s.logger.Info().
		Str("from", oldKey).
		Str("to", newKey).
		Msg("Migrated device record to hardware-address key")

	return rec.Clone()
}

// List returns copies of all records, online devices first, ordered by IP
func (s *Store) List() []*models.InventoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.InventoryRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		iOff := out[i].State == models.StateOffline
		jOff := out[j].State == models.StateOffline
		if iOff != jOff {
			return !iOff
		}
		return out[i].IPAddress < out[j].IPAddress
	})

	return out
}

// Len returns the number of tracked devices
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// SweepOffline promotes every ONLINE record unseen for at least offlineAfter
// to OFFLINE, recomputing its risk for the new state, and returns copies of
// the records that transitioned. A record transitions at most once per lapse;
// re-observation is required to return it to ONLINE.
func (s *Store) SweepOffline(now time.Time, offlineAfter time.Duration) []*models.InventoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var transitioned []*models.InventoryRecord
	for _, rec := range s.devices {
		if rec.State != models.StateOnline {
			continue
		}
		if now.Sub(rec.LastSeen) < offlineAfter {
			continue
		}

		rec.State = models.StateOffline
		rec.Risk = classify.RiskLevel(rec.Ports, rec.OSGuess, rec.State, rec.Quarantined)

		s.logger.Info().
			Str("key", rec.Key).
			Str("ip", rec.IPAddress).
			Time("lastSeen", rec.LastSeen).
			Msg("Device promoted to OFFLINE")

		transitioned = append(transitioned, rec.Clone())
	}

	return transitioned
}

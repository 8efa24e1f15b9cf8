// Package engine implements the netwarden scan cycle: discovery,
// normalization, classification, change detection against the persisted
// baseline, and snapshot publication. The cycle runs as a single recurring
// worker; a manual scan request can wake the worker early but a request made
// while a cycle is executing is rejected rather than queued.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/classify"
	"netwarden/internal/config"
	"netwarden/internal/inventory"
	"netwarden/internal/models"
	"netwarden/internal/probe"
)

// ErrCycleInProgress is returned when a cycle is requested while one is
// already executing.
var ErrCycleInProgress = errors.New("a scan cycle is already in progress")

// Store is the persistence surface the engine depends on. The store package
// satisfies it; the engine cares only about load/save/append semantics.
type Store interface {
	GetBaselineEntry(key string) (*models.BaselineEntry, error)
	SaveBaselineEntry(entry *models.BaselineEntry) error
	UpdateBaselineState(key string, state models.LifecycleState) error
	DeleteBaselineEntry(key string) error
	AppendEvent(event *models.Event) error
	AppendHistory(point *models.HistoryPoint) error
}

// QuarantineChecker reports whether a device is under enforcement. Consulted
// on every cycle, not just at enforcement time.
type QuarantineChecker interface {
	IsQuarantined(ip, mac string) bool
}

// Engine is the scan cycle worker
type Engine struct {
	cfg       *config.Config
	db        Store
	inv       *inventory.Store
	discovery probe.Discovery
	profiler  probe.Profiler
	vendors   probe.VendorLookup
	resolver  probe.HostnameResolver
	guard     QuarantineChecker
	logger    zerolog.Logger

	mu       sync.Mutex
	scanning bool
	status   models.CycleStatus
	snapshot *models.Snapshot

	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a scan engine wired to the given providers and stores
func New(cfg *config.Config, db Store, inv *inventory.Store, discovery probe.Discovery,
	profiler probe.Profiler, vendors probe.VendorLookup, resolver probe.HostnameResolver,
	guard QuarantineChecker) *Engine {
	return &Engine{
		cfg:       cfg,
		db:        db,
		inv:       inv,
		discovery: discovery,
		profiler:  profiler,
		vendors:   vendors,
		resolver:  resolver,
		guard:     guard,
		logger:    log.With().Str("component", "engine").Logger(),
		status:    models.CycleStatus{State: "idle"},
		trigger:   make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the recurring scan worker. An initial cycle runs
// immediately; afterwards the worker wakes on the configured interval or on
// a manual trigger.
func (e *Engine) Start() {
	interval := e.cfg.GetScanInterval()
	e.logger.Info().
		Str("subnet", e.cfg.Scanner.TargetNetwork).
		Dur("interval", interval).
		Dur("profileTTL", e.cfg.GetProfileTTL()).
		Dur("offlineAfter", e.cfg.GetOfflineAfter()).
		Msg("Starting scan worker")

	go func() {
		e.runCycleSafe()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runCycleSafe()
			case <-e.trigger:
				e.logger.Info().Msg("Manual scan trigger received")
				e.runCycleSafe()
			case <-e.stopChan:
				e.logger.Info().Msg("Scan worker stopped")
				return
			}
		}
	}()
}

// Stop terminates the scan worker. A cycle already executing is allowed to
// finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
}

// RequestScanNow asks the worker to run a cycle as soon as possible. It
// returns false when a cycle is already executing; repeated requests while
// the worker is idle collapse into a single pending trigger, so manual
// triggers can never pile up.
func (e *Engine) RequestScanNow() bool {
	e.mu.Lock()
	scanning := e.scanning
	e.mu.Unlock()

	if scanning {
		return false
	}

	select {
	case e.trigger <- struct{}{}:
	default:
		// A trigger is already pending; replace-semantics, nothing to queue.
	}
	return true
}

// Status returns the current worker status
func (e *Engine) Status() models.CycleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot returns the most recently published inventory snapshot, or an
// empty snapshot if no cycle has completed yet.
func (e *Engine) Snapshot() *models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snapshot == nil {
		return &models.Snapshot{
			Subnet:  e.cfg.Scanner.TargetNetwork,
			Devices: []*models.InventoryRecord{},
		}
	}
	return e.snapshot
}

// runCycleSafe executes one cycle, recovering from panics so an unexpected
// failure never terminates the worker; the loop resumes on its next tick.
func (e *Engine) runCycleSafe() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Scan cycle panicked")
			e.mu.Lock()
			e.scanning = false
			e.status.State = "idle"
			e.status.LastEnd = time.Now()
			e.mu.Unlock()
		}
	}()

	if err := e.RunCycle(context.Background()); err != nil && err != ErrCycleInProgress {
		e.logger.Error().Err(err).Msg("Scan cycle failed")
	}
}

// RunCycle executes one full scan cycle: discovery, per-host observation,
// serialized diffing and publication, and the end-of-cycle offline sweep.
// Only one cycle may execute at a time.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.mu.Lock()
	if e.scanning {
		e.mu.Unlock()
		return ErrCycleInProgress
	}
	e.scanning = true
	e.status = models.CycleStatus{State: "scanning", LastStart: time.Now()}
	e.mu.Unlock()

	var lastErr string
	defer func() {
		e.mu.Lock()
		e.scanning = false
		e.status.State = "idle"
		e.status.LastEnd = time.Now()
		e.status.LastError = lastErr
		e.mu.Unlock()
	}()

	now := time.Now()

	discoveryCtx, cancel := context.WithTimeout(ctx, e.cfg.GetDiscoveryTimeout())
	hosts, err := e.discovery.Scan(discoveryCtx, e.cfg.Scanner.TargetNetwork)
	cancel()
	if err != nil {
		// Discovery failure degrades to an empty result; the sweep below
		// still runs so stale devices age out.
		lastErr = err.Error()
		hosts = nil
	}

	observations := e.observeAll(ctx, hosts, now)

	// Diff/event emission and inventory publication are serialized to keep
	// event ordering deterministic.
	newCount := 0
	for _, obs := range observations {
		isNew, err := e.apply(obs, now)
		if err != nil {
			e.logger.Error().Err(err).Str("ip", obs.IPAddress).Msg("Failed to apply observation")
			lastErr = err.Error()
			continue
		}
		if isNew {
			newCount++
		}
	}

	e.sweepOffline(now)

	snapshot := e.publishSnapshot(now, newCount)

	if err := e.db.AppendHistory(&models.HistoryPoint{
		Timestamp: now,
		Seen:      snapshot.Counts.Seen,
		New:       snapshot.Counts.New,
		Critical:  snapshot.Counts.Critical,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record cycle history")
	}

	e.logger.Info().
		Int("seen", snapshot.Counts.Seen).
		Int("new", snapshot.Counts.New).
		Int("critical", snapshot.Counts.Critical).
		Dur("duration", time.Since(now)).
		Msg("Scan cycle completed")

	return nil
}

// observeAll profiles and normalizes every discovered host. Profiling of
// multiple hosts runs concurrently, bounded by maxConcurrentProbes; hosts
// share no mutable state until the serialized apply step.
func (e *Engine) observeAll(ctx context.Context, hosts []probe.DiscoveredHost, now time.Time) []models.Observation {
	observations := make([]models.Observation, len(hosts))

	sem := make(chan struct{}, e.cfg.Scanner.MaxConcurrentProbes)
	var wg sync.WaitGroup

	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host probe.DiscoveredHost) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			observations[i] = e.observe(ctx, host, now)
		}(i, host)
	}

	wg.Wait()
	return observations
}

// observe turns one discovery result into a canonical Observation, invoking
// the profiler only when the re-profile TTL has elapsed and applying the
// fallback rules for skipped profiles, hostnames, and vendors.
func (e *Engine) observe(ctx context.Context, host probe.DiscoveredHost, now time.Time) models.Observation {
	existing := e.lookupExisting(host)

	doProfile := true
	if existing != nil && now.Sub(existing.LastProfiled) < e.cfg.GetProfileTTL() {
		doProfile = false
	}

	obs := models.Observation{
		IPAddress:  host.IPAddress,
		MACAddress: host.MACAddress,
		Vendor:     host.Vendor,
		Hostname:   host.Hostname,
		Profiled:   doProfile,
	}

	if doProfile {
		profileCtx, cancel := context.WithTimeout(ctx, e.cfg.GetProbeTimeout())
		profile, err := e.profiler.Profile(profileCtx, host.IPAddress)
		cancel()
		if err != nil {
			// Degrade to an empty profile; discovery facts still apply.
			e.logger.Warn().Err(err).Str("ip", host.IPAddress).Msg("Profiling degraded to empty profile")
		}

		if profile.MACAddress != "" {
			obs.MACAddress = profile.MACAddress
		}
		if profile.Vendor != "" {
			obs.Vendor = profile.Vendor
		}
		if profile.Hostname != "" {
			obs.Hostname = profile.Hostname
		}
		obs.OSGuess = profile.OSGuess
		obs.Ports = profile.Ports
		obs.Services = profile.Services
	} else if existing != nil {
		// Skipped profile: carry ports/OS/services forward from the live
		// record instead of clearing them, so throttled scans cannot flap
		// device state.
		obs.OSGuess = existing.OSGuess
		obs.Ports = append([]models.PortSpec(nil), existing.Ports...)
		obs.Services = append([]models.ServiceInfo(nil), existing.Services...)
		if obs.Hostname == "" {
			obs.Hostname = existing.Hostname
		}
	}

	if obs.Hostname == "" {
		obs.Hostname = e.resolver.Reverse(ctx, host.IPAddress)
	}

	if vendorUnresolved(obs.Vendor) && obs.MACAddress != "" {
		obs.Vendor = e.vendors.Resolve(ctx, obs.MACAddress)
	}

	return obs
}

// lookupExisting finds the live record a discovery result corresponds to,
// checking the placeholder IP key as well so profile throttling survives a
// late MAC discovery.
func (e *Engine) lookupExisting(host probe.DiscoveredHost) *models.InventoryRecord {
	if rec := e.inv.Get(models.DeviceKey(host.IPAddress, host.MACAddress)); rec != nil {
		return rec
	}
	if host.MACAddress != "" {
		return e.inv.Get(models.DeviceKey(host.IPAddress, ""))
	}
	return nil
}

// apply classifies one observation, diffs it against the baseline, persists
// the results, and reports whether the device was new to the baseline.
func (e *Engine) apply(obs models.Observation, now time.Time) (bool, error) {
	key := obs.Key()

	prev, err := e.migrateKeyIfNeeded(obs, key)
	if err != nil {
		return false, err
	}

	if prev == nil {
		prev, err = e.db.GetBaselineEntry(key)
		if err != nil {
			// Persistence errors degrade to "no baseline"; never fatal.
			e.logger.Warn().Err(err).Str("key", key).Msg("Baseline read failed, treating as new")
			prev = nil
		}
	}

	quarantined := e.guard.IsQuarantined(obs.IPAddress, obs.MACAddress)

	firstSeen := now
	isNew := true
	if prev != nil && !prev.FirstSeen.IsZero() {
		firstSeen = prev.FirstSeen
		isNew = false
	}

	lastProfiled := now
	if !obs.Profiled {
		if existing := e.inv.Get(key); existing != nil {
			lastProfiled = existing.LastProfiled
		}
	}

	findings, recs := classify.FindingsAndRecommendations(obs.Ports, obs.Services, obs.OSGuess, quarantined)

	rec := &models.InventoryRecord{
		Key:             key,
		IPAddress:       obs.IPAddress,
		MACAddress:      obs.MACAddress,
		Vendor:          obs.Vendor,
		Hostname:        obs.Hostname,
		OSGuess:         obs.OSGuess,
		DeviceType:      classify.DeviceType(obs.Vendor, obs.OSGuess, obs.Hostname, obs.Ports),
		Risk:            classify.RiskLevel(obs.Ports, obs.OSGuess, models.StateOnline, quarantined),
		State:           models.StateOnline,
		Quarantined:     quarantined,
		Ports:           obs.Ports,
		Services:        obs.Services,
		Findings:        findings,
		Recommendations: recs,
		FirstSeen:       firstSeen,
		LastSeen:        now,
		LastProfiled:    lastProfiled,
	}

	e.inv.Put(rec)

	for _, event := range Diff(rec, prev) {
		if err := e.db.AppendEvent(event); err != nil {
			e.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to append event")
		}
	}

	if err := e.db.SaveBaselineEntry(rec.Baseline()); err != nil {
		return isNew, err
	}

	return isNew, nil
}

// migrateKeyIfNeeded reconciles a device first tracked under an IP
// placeholder with its later-discovered hardware address. The MAC key
// inherits the placeholder's baseline entry (and with it first-seen
// continuity), the placeholder record and baseline row are removed, and the
// inherited entry is returned as the diff baseline so no NEW_DEVICE event is
// emitted for the migrated key.
func (e *Engine) migrateKeyIfNeeded(obs models.Observation, key string) (*models.BaselineEntry, error) {
	if models.IsPlaceholderKey(key) {
		return nil, nil
	}

	placeholderKey := models.DeviceKey(obs.IPAddress, "")

	existingBaseline, err := e.db.GetBaselineEntry(key)
	if err == nil && existingBaseline != nil {
		return nil, nil // already tracked under the MAC key
	}

	placeholderBaseline, err := e.db.GetBaselineEntry(placeholderKey)
	if err != nil || placeholderBaseline == nil {
		return nil, nil
	}

	e.logger.Info().
		Str("from", placeholderKey).
		Str("to", key).
		Msg("Reconciling placeholder-keyed device with hardware address")

	e.inv.Migrate(placeholderKey, key)

	if err := e.db.DeleteBaselineEntry(placeholderKey); err != nil {
		e.logger.Warn().Err(err).Str("key", placeholderKey).Msg("Failed to delete placeholder baseline")
	}

	placeholderBaseline.Key = key
	return placeholderBaseline, nil
}

// sweepOffline runs the end-of-cycle offline sweep and emits one
// STATE_CHANGE per transition. It executes after every observation has been
// applied, so it always sees a fully-updated inventory.
func (e *Engine) sweepOffline(now time.Time) {
	transitioned := e.inv.SweepOffline(now, e.cfg.GetOfflineAfter())

	for _, rec := range transitioned {
		event := &models.Event{
			Kind:     models.EventStateChange,
			Severity: models.SeverityMedium,
			Title:    displayName(rec) + " is now " + string(models.StateOffline),
			Details: map[string]string{
				"ip":   rec.IPAddress,
				"mac":  rec.MACAddress,
				"from": string(models.StateOnline),
				"to":   string(models.StateOffline),
			},
		}
		if err := e.db.AppendEvent(event); err != nil {
			e.logger.Error().Err(err).Str("key", rec.Key).Msg("Failed to append offline event")
		}

		if err := e.db.UpdateBaselineState(rec.Key, models.StateOffline); err != nil {
			e.logger.Warn().Err(err).Str("key", rec.Key).Msg("Failed to update baseline state")
		}
	}
}

// publishSnapshot builds and stores the immutable post-cycle snapshot
func (e *Engine) publishSnapshot(now time.Time, newCount int) *models.Snapshot {
	devices := e.inv.List()

	critical := 0
	for _, d := range devices {
		if d.Risk == models.RiskCritical && d.State != models.StateOffline {
			critical++
		}
	}

	snapshot := &models.Snapshot{
		Timestamp: now,
		Subnet:    e.cfg.Scanner.TargetNetwork,
		Counts: models.SnapshotCounts{
			Seen:     len(devices),
			New:      newCount,
			Critical: critical,
		},
		Devices: devices,
	}

	e.mu.Lock()
	e.snapshot = snapshot
	e.mu.Unlock()

	return snapshot
}

func vendorUnresolved(vendor string) bool {
	v := strings.ToLower(strings.TrimSpace(vendor))
	return v == "" || v == "unknown" || v == "unknown vendor"
}

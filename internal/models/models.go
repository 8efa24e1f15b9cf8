// Package models defines the data structures used throughout netwarden.
// It contains the canonical types for device observations, inventory records,
// baseline entries, events, and quarantine records, plus the enumerations for
// lifecycle state, risk level, and event severity.
package models

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleState describes whether a tracked device is currently reachable.
type LifecycleState string

const (
	StateOnline  LifecycleState = "ONLINE"
	StateOffline LifecycleState = "OFFLINE"
)

// RiskLevel is the heuristic exposure classification of a device.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskCritical RiskLevel = "CRITICAL"
)

// Severity grades an event for consumers of the alert log.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityMedium   Severity = "MEDIUM"
	SeverityCritical Severity = "CRITICAL"
)

// EventKind identifies the type of change or action an event records.
type EventKind string

const (
	EventNewDevice        EventKind = "NEW_DEVICE"
	EventStateChange      EventKind = "STATE_CHANGE"
	EventRiskChange       EventKind = "RISK_CHANGE"
	EventPortChange       EventKind = "PORT_CHANGE"
	EventVendorChange     EventKind = "VENDOR_CHANGE"
	EventHostnameChange   EventKind = "HOSTNAME_CHANGE"
	EventOSChange         EventKind = "OS_CHANGE"
	EventQuarantineOn     EventKind = "QUARANTINE_APPLIED"
	EventQuarantineOff    EventKind = "QUARANTINE_LIFTED"
	EventQuarantineFailed EventKind = "QUARANTINE_FAILED"
)

// DeviceKey derives the stable identity for a tracked host: the canonical
// uppercase MAC address when known, otherwise an IP-based placeholder.
func DeviceKey(ip, mac string) string {
	if mac != "" {
		return strings.ToUpper(mac)
	}
	return "IP:" + ip
}

// IsPlaceholderKey reports whether key was derived from an IP address rather
// than a hardware address.
func IsPlaceholderKey(key string) bool {
	return strings.HasPrefix(key, "IP:")
}

// PortSpec identifies an open port by protocol and number.
type PortSpec struct {
	Number   int    `json:"number"`
	Protocol string `json:"protocol"`
}

// String renders the port in "number/protocol" form.
func (p PortSpec) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Protocol)
}

// ServiceInfo describes the service detected behind an open port.
type ServiceInfo struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Name     string `json:"name"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Label renders the service as a single display string, e.g.
// "22/tcp ssh OpenSSH 8.4".
func (s ServiceInfo) Label() string {
	bits := []string{fmt.Sprintf("%d/%s", s.Port, s.Protocol)}
	if s.Name != "" {
		bits = append(bits, s.Name)
	}
	pv := strings.TrimSpace(s.Product + " " + s.Version)
	if pv != "" {
		bits = append(bits, pv)
	}
	return strings.Join(bits, " ")
}

// Observation holds the transient per-cycle facts gathered about one host.
type Observation struct {
	IPAddress  string        `json:"ipAddress"`
	MACAddress string        `json:"macAddress,omitempty"`
	Vendor     string        `json:"vendor,omitempty"`
	Hostname   string        `json:"hostname,omitempty"`
	OSGuess    string        `json:"osGuess,omitempty"`
	Ports      []PortSpec    `json:"ports,omitempty"`
	Services   []ServiceInfo `json:"services,omitempty"`
	Profiled   bool          `json:"profiled"`
}

// Key returns the DeviceKey the observation resolves to.
func (o Observation) Key() string {
	return DeviceKey(o.IPAddress, o.MACAddress)
}

// InventoryRecord is the live, in-memory state of one tracked device. It is
// exclusively owned and mutated by the scan cycle and the offline sweeper;
// external consumers only ever see copies.
type InventoryRecord struct {
	Key             string         `json:"key"`
	IPAddress       string         `json:"ipAddress"`
	MACAddress      string         `json:"macAddress,omitempty"`
	Vendor          string         `json:"vendor,omitempty"`
	Hostname        string         `json:"hostname,omitempty"`
	OSGuess         string         `json:"osGuess,omitempty"`
	DeviceType      string         `json:"deviceType"`
	Risk            RiskLevel      `json:"risk"`
	State           LifecycleState `json:"state"`
	Quarantined     bool           `json:"quarantined"`
	Ports           []PortSpec     `json:"ports,omitempty"`
	Services        []ServiceInfo  `json:"services,omitempty"`
	Findings        []string       `json:"findings,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	FirstSeen       time.Time      `json:"firstSeen"`
	LastSeen        time.Time      `json:"lastSeen"`
	LastProfiled    time.Time      `json:"lastProfiled"`
}

// Clone returns a deep copy of the record, safe to hand to consumers.
func (r *InventoryRecord) Clone() *InventoryRecord {
	c := *r
	c.Ports = append([]PortSpec(nil), r.Ports...)
	c.Services = append([]ServiceInfo(nil), r.Services...)
	c.Findings = append([]string(nil), r.Findings...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	return &c
}

// Baseline returns the persisted snapshot of the record's diffable fields.
func (r *InventoryRecord) Baseline() *BaselineEntry {
	return &BaselineEntry{
		Key:        r.Key,
		IPAddress:  r.IPAddress,
		MACAddress: r.MACAddress,
		Vendor:     r.Vendor,
		Hostname:   r.Hostname,
		OSGuess:    r.OSGuess,
		DeviceType: r.DeviceType,
		Risk:       r.Risk,
		State:      r.State,
		Ports:      append([]PortSpec(nil), r.Ports...),
		FirstSeen:  r.FirstSeen,
		LastSeen:   r.LastSeen,
	}
}

// BaselineEntry is the persisted snapshot of a record's diffable fields,
// written after every cycle and read back as "previous" on the next one.
type BaselineEntry struct {
	Key        string         `json:"key"`
	IPAddress  string         `json:"ipAddress"`
	MACAddress string         `json:"macAddress,omitempty"`
	Vendor     string         `json:"vendor,omitempty"`
	Hostname   string         `json:"hostname,omitempty"`
	OSGuess    string         `json:"osGuess,omitempty"`
	DeviceType string         `json:"deviceType"`
	Risk       RiskLevel      `json:"risk"`
	State      LifecycleState `json:"state"`
	Ports      []PortSpec     `json:"ports,omitempty"`
	FirstSeen  time.Time      `json:"firstSeen"`
	LastSeen   time.Time      `json:"lastSeen"`
}

// Event is one immutable entry in the append-only alert log.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Details   map[string]string `json:"details,omitempty"`
}

// QuarantineRecord is the persisted source of truth for enforcement state,
// independent of the live inventory.
type QuarantineRecord struct {
	Key        string    `json:"key"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	MACAddress string    `json:"macAddress,omitempty"`
	Reason     string    `json:"reason"`
	Note       string    `json:"note,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SnapshotCounts summarizes one published snapshot.
type SnapshotCounts struct {
	Seen     int `json:"seen"`
	New      int `json:"new"`
	Critical int `json:"critical"`
}

// Snapshot is the immutable view of the inventory published after each cycle.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Subnet    string             `json:"subnet"`
	Counts    SnapshotCounts     `json:"counts"`
	Devices   []*InventoryRecord `json:"devices"`
}

// HistoryPoint is one per-cycle sample of the device counters, used for the
// trend API.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Seen      int       `json:"seen"`
	New       int       `json:"new"`
	Critical  int       `json:"critical"`
}

// CycleStatus reports the state of the scan worker.
type CycleStatus struct {
	State     string    `json:"state"` // idle, scanning
	LastStart time.Time `json:"lastStart"`
	LastEnd   time.Time `json:"lastEnd"`
	LastError string    `json:"lastError,omitempty"`
}

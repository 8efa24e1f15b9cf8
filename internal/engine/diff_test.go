// internal/engine/diff_test.go
package engine

import (
	"testing"

	"netwarden/internal/models"
)

func onlineRecord() *models.InventoryRecord {
	return &models.InventoryRecord{
		Key:        "AA:BB:CC:DD:EE:FF",
		IPAddress:  "192.168.1.10",
		MACAddress: "AA:BB:CC:DD:EE:FF",
		Vendor:     "Raspberry Pi Trading",
		Hostname:   "pi-hole",
		OSGuess:    "Linux 5.10",
		Risk:       models.RiskLow,
		State:      models.StateOnline,
		Ports:      []models.PortSpec{{Number: 53, Protocol: "tcp"}},
	}
}

func baselineFor(rec *models.InventoryRecord) *models.BaselineEntry {
	return rec.Baseline()
}

func kinds(events []*models.Event) []models.EventKind {
	out := make([]models.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func findEvent(events []*models.Event, kind models.EventKind) *models.Event {
	for _, e := range events {
		if e.Kind == kind {
			return e
		}
	}
	return nil
}

// TestDiffNewDevice verifies NEW_DEVICE is emitted alone, graded by risk
func TestDiffNewDevice(t *testing.T) {
	rec := onlineRecord()
	rec.Risk = models.RiskCritical

	events := Diff(rec, nil)

	if len(events) != 1 {
		t.Fatalf("Expected exactly one event for a new device, got %v", kinds(events))
	}
	if events[0].Kind != models.EventNewDevice {
		t.Errorf("Kind = %s, want %s", events[0].Kind, models.EventNewDevice)
	}
	if events[0].Severity != models.SeverityCritical {
		t.Errorf("Severity = %s, want %s", events[0].Severity, models.SeverityCritical)
	}
}

func TestDiffNewDeviceLowRiskSeverity(t *testing.T) {
	events := Diff(onlineRecord(), nil)
	if events[0].Severity != models.SeverityInfo {
		t.Errorf("Severity = %s, want %s", events[0].Severity, models.SeverityInfo)
	}
}

// TestDiffUnchanged verifies an identical cycle produces no events
func TestDiffUnchanged(t *testing.T) {
	rec := onlineRecord()
	events := Diff(rec, baselineFor(rec))
	if len(events) != 0 {
		t.Errorf("Expected no events for unchanged device, got %v", kinds(events))
	}
}

func TestDiffStateChange(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.State = models.StateOffline
	rec.Risk = models.RiskMedium

	events := Diff(rec, prev)

	state := findEvent(events, models.EventStateChange)
	if state == nil {
		t.Fatalf("Expected STATE_CHANGE, got %v", kinds(events))
	}
	if state.Severity != models.SeverityMedium {
		t.Errorf("Going offline should be MEDIUM, got %s", state.Severity)
	}
	if state.Details["from"] != "ONLINE" || state.Details["to"] != "OFFLINE" {
		t.Errorf("Unexpected transition details: %v", state.Details)
	}

	// Risk changed too, but RISK_CHANGE is suppressed while offline
	if findEvent(events, models.EventRiskChange) != nil {
		t.Error("RISK_CHANGE must not fire for an offline device")
	}
}

func TestDiffStateChangeBackOnline(t *testing.T) {
	prevRec := onlineRecord()
	prevRec.State = models.StateOffline
	prev := baselineFor(prevRec)

	events := Diff(onlineRecord(), prev)

	state := findEvent(events, models.EventStateChange)
	if state == nil {
		t.Fatal("Expected STATE_CHANGE for device returning online")
	}
	if state.Severity != models.SeverityInfo {
		t.Errorf("Returning online should be INFO, got %s", state.Severity)
	}
}

func TestDiffRiskChange(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.Risk = models.RiskCritical
	rec.Ports = append(rec.Ports, models.PortSpec{Number: 23, Protocol: "tcp"})

	events := Diff(rec, prev)

	risk := findEvent(events, models.EventRiskChange)
	if risk == nil {
		t.Fatalf("Expected RISK_CHANGE, got %v", kinds(events))
	}
	if risk.Severity != models.SeverityCritical {
		t.Errorf("Escalation to CRITICAL should grade CRITICAL, got %s", risk.Severity)
	}
}

// TestDiffPortChange verifies the added/removed delta and its severity grading
func TestDiffPortChange(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.Ports = []models.PortSpec{
		{Number: 80, Protocol: "tcp"},
		{Number: 22, Protocol: "tcp"},
	}

	events := Diff(rec, prev)

	port := findEvent(events, models.EventPortChange)
	if port == nil {
		t.Fatalf("Expected PORT_CHANGE, got %v", kinds(events))
	}
	if port.Severity != models.SeverityMedium {
		t.Errorf("Non-critical additions should grade MEDIUM, got %s", port.Severity)
	}
	if port.Details["added"] != "22/tcp,80/tcp" {
		t.Errorf("added = %q, want %q", port.Details["added"], "22/tcp,80/tcp")
	}
	if port.Details["removed"] != "53/tcp" {
		t.Errorf("removed = %q, want %q", port.Details["removed"], "53/tcp")
	}
}

func TestDiffPortChangeCriticalAddition(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.Ports = append(rec.Ports, models.PortSpec{Number: 3389, Protocol: "tcp"})

	events := Diff(rec, prev)

	port := findEvent(events, models.EventPortChange)
	if port == nil {
		t.Fatal("Expected PORT_CHANGE")
	}
	if port.Severity != models.SeverityCritical {
		t.Errorf("Critical-port addition should grade CRITICAL, got %s", port.Severity)
	}
}

func TestDiffPortChangeCriticalRemovalNotCritical(t *testing.T) {
	prevRec := onlineRecord()
	prevRec.Ports = append(prevRec.Ports, models.PortSpec{Number: 3389, Protocol: "tcp"})
	prev := baselineFor(prevRec)

	events := Diff(onlineRecord(), prev)

	port := findEvent(events, models.EventPortChange)
	if port == nil {
		t.Fatal("Expected PORT_CHANGE")
	}
	if port.Severity != models.SeverityMedium {
		t.Errorf("Removing a critical port should grade MEDIUM, got %s", port.Severity)
	}
}

func TestDiffPortChangeSuppressedOffline(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.State = models.StateOffline
	rec.Ports = nil

	events := Diff(rec, prev)

	if findEvent(events, models.EventPortChange) != nil {
		t.Error("PORT_CHANGE must not fire for an offline device")
	}
}

func TestDiffVendorChange(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.Vendor = "Espressif Inc."

	events := Diff(rec, prev)
	if findEvent(events, models.EventVendorChange) == nil {
		t.Errorf("Expected VENDOR_CHANGE, got %v", kinds(events))
	}
}

func TestDiffVendorChangeRequiresBothKnown(t *testing.T) {
	prevRec := onlineRecord()
	prevRec.Vendor = ""
	prev := baselineFor(prevRec)

	// Vendor appearing for the first time is not a change
	events := Diff(onlineRecord(), prev)
	if findEvent(events, models.EventVendorChange) != nil {
		t.Error("VENDOR_CHANGE must not fire when the previous vendor was unknown")
	}

	// Vendor disappearing is not a change either
	rec := onlineRecord()
	rec.Vendor = ""
	events = Diff(rec, baselineFor(onlineRecord()))
	if findEvent(events, models.EventVendorChange) != nil {
		t.Error("VENDOR_CHANGE must not fire when the current vendor is unknown")
	}
}

func TestDiffHostnameChange(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.Hostname = "new-name"

	events := Diff(rec, prev)
	host := findEvent(events, models.EventHostnameChange)
	if host == nil {
		t.Fatalf("Expected HOSTNAME_CHANGE, got %v", kinds(events))
	}
	if host.Severity != models.SeverityInfo {
		t.Errorf("HOSTNAME_CHANGE should be INFO, got %s", host.Severity)
	}

	// Hostname going away is not reported
	rec = onlineRecord()
	rec.Hostname = ""
	events = Diff(rec, prev)
	if findEvent(events, models.EventHostnameChange) != nil {
		t.Error("HOSTNAME_CHANGE must not fire when the new hostname is empty")
	}
}

func TestDiffOSChange(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.OSGuess = "Linux 6.1"

	events := Diff(rec, prev)
	if findEvent(events, models.EventOSChange) == nil {
		t.Errorf("Expected OS_CHANGE, got %v", kinds(events))
	}

	// A fingerprint degrading to unknown is not a change
	rec = onlineRecord()
	rec.OSGuess = "Unknown"
	events = Diff(rec, prev)
	if findEvent(events, models.EventOSChange) != nil {
		t.Error("OS_CHANGE must not fire when the new fingerprint is unknown")
	}
}

// TestDiffMultipleChangesOneCycle verifies independent rules can fire
// together but never twice each.
func TestDiffMultipleChangesOneCycle(t *testing.T) {
	prev := baselineFor(onlineRecord())
	rec := onlineRecord()
	rec.Hostname = "renamed"
	rec.OSGuess = "Linux 6.1"
	rec.Ports = append(rec.Ports, models.PortSpec{Number: 8080, Protocol: "tcp"})
	rec.Risk = models.RiskMedium

	events := Diff(rec, prev)

	seen := make(map[models.EventKind]int)
	for _, e := range events {
		seen[e.Kind]++
	}
	for kind, n := range seen {
		if n > 1 {
			t.Errorf("Event kind %s emitted %d times in one diff", kind, n)
		}
	}
	for _, want := range []models.EventKind{
		models.EventRiskChange, models.EventPortChange,
		models.EventHostnameChange, models.EventOSChange,
	} {
		if seen[want] != 1 {
			t.Errorf("Expected one %s event, got %d (%v)", want, seen[want], kinds(events))
		}
	}
	if seen[models.EventNewDevice] != 0 {
		t.Error("NEW_DEVICE must never fire with a baseline present")
	}
}

package engine

import (
	"fmt"
	"sort"
	"strings"

	"netwarden/internal/classify"
	"netwarden/internal/models"
)

// Diff compares the current record against its baseline entry and returns
// the events that apply, in a fixed order. With no baseline the only event is
// NEW_DEVICE. The rules are evaluated independently and are not mutually
// exclusive, so one cycle can yield several events for the same device, but
// never more than one per event kind.
func Diff(curr *models.InventoryRecord, prev *models.BaselineEntry) []*models.Event {
	name := displayName(curr)

	if prev == nil {
		return []*models.Event{{
			Kind:     models.EventNewDevice,
			Severity: riskSeverity(curr.Risk),
			Title:    fmt.Sprintf("New device: %s", name),
			Details: map[string]string{
				"ip":     curr.IPAddress,
				"mac":    curr.MACAddress,
				"vendor": curr.Vendor,
			},
		}}
	}

	var events []*models.Event

	if prev.State != curr.State {
		severity := models.SeverityInfo
		if curr.State == models.StateOffline {
			severity = models.SeverityMedium
		}
		events = append(events, &models.Event{
			Kind:     models.EventStateChange,
			Severity: severity,
			Title:    fmt.Sprintf("%s is now %s", name, curr.State),
			Details: map[string]string{
				"ip":   curr.IPAddress,
				"mac":  curr.MACAddress,
				"from": string(prev.State),
				"to":   string(curr.State),
			},
		})
	}

	if prev.Risk != curr.Risk && curr.State != models.StateOffline {
		severity := models.SeverityMedium
		if curr.Risk == models.RiskCritical {
			severity = models.SeverityCritical
		}
		events = append(events, &models.Event{
			Kind:     models.EventRiskChange,
			Severity: severity,
			Title:    fmt.Sprintf("Risk changed for %s: %s -> %s", name, prev.Risk, curr.Risk),
			Details: map[string]string{
				"ip":   curr.IPAddress,
				"mac":  curr.MACAddress,
				"from": string(prev.Risk),
				"to":   string(curr.Risk),
			},
		})
	}

	added, removed := portDelta(prev.Ports, curr.Ports)
	if (len(added) > 0 || len(removed) > 0) && curr.State != models.StateOffline {
		severity := models.SeverityMedium
		if classify.HasCriticalPort(added) {
			severity = models.SeverityCritical
		}
		events = append(events, &models.Event{
			Kind:     models.EventPortChange,
			Severity: severity,
			Title:    fmt.Sprintf("Port change on %s", name),
			Details: map[string]string{
				"ip":      curr.IPAddress,
				"mac":     curr.MACAddress,
				"added":   portList(added),
				"removed": portList(removed),
			},
		})
	}

	if prev.Vendor != "" && curr.Vendor != "" && prev.Vendor != curr.Vendor {
		events = append(events, &models.Event{
			Kind:     models.EventVendorChange,
			Severity: models.SeverityMedium,
			Title:    fmt.Sprintf("Vendor changed for %s", name),
			Details: map[string]string{
				"ip":   curr.IPAddress,
				"mac":  curr.MACAddress,
				"from": prev.Vendor,
				"to":   curr.Vendor,
			},
		})
	}

	if curr.Hostname != "" && prev.Hostname != curr.Hostname {
		events = append(events, &models.Event{
			Kind:     models.EventHostnameChange,
			Severity: models.SeverityInfo,
			Title:    fmt.Sprintf("Hostname changed for %s", name),
			Details: map[string]string{
				"ip":   curr.IPAddress,
				"mac":  curr.MACAddress,
				"from": prev.Hostname,
				"to":   curr.Hostname,
			},
		})
	}

	if curr.OSGuess != "" && !strings.EqualFold(curr.OSGuess, "unknown") && prev.OSGuess != curr.OSGuess {
		events = append(events, &models.Event{
			Kind:     models.EventOSChange,
			Severity: models.SeverityMedium,
			Title:    fmt.Sprintf("OS fingerprint changed for %s", name),
			Details: map[string]string{
				"ip":   curr.IPAddress,
				"mac":  curr.MACAddress,
				"from": prev.OSGuess,
				"to":   curr.OSGuess,
			},
		})
	}

	return events
}

// portDelta returns the ports present only in curr (added) and only in prev
// (removed), each sorted by port number.
func portDelta(prev, curr []models.PortSpec) (added, removed []models.PortSpec) {
	prevSet := make(map[models.PortSpec]bool, len(prev))
	for _, p := range prev {
		prevSet[p] = true
	}
	currSet := make(map[models.PortSpec]bool, len(curr))
	for _, p := range curr {
		currSet[p] = true
	}

	for _, p := range curr {
		if !prevSet[p] {
			added = append(added, p)
		}
	}
	for _, p := range prev {
		if !currSet[p] {
			removed = append(removed, p)
		}
	}

	sort.Slice(added, func(i, j int) bool { return added[i].Number < added[j].Number })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Number < removed[j].Number })
	return added, removed
}

func portList(ports []models.PortSpec) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ",")
}

func riskSeverity(risk models.RiskLevel) models.Severity {
	switch risk {
	case models.RiskCritical:
		return models.SeverityCritical
	case models.RiskMedium:
		return models.SeverityMedium
	default:
		return models.SeverityInfo
	}
}

func displayName(rec *models.InventoryRecord) string {
	if rec.Hostname != "" {
		return rec.Hostname
	}
	return rec.IPAddress
}

// Package classify implements the heuristic classification rules for
// netwarden: device-type inference, risk-level inference, and
// findings/recommendations generation. All functions are pure and total; the
// type heuristics are represented as an ordered rule table so new device
// signatures can be added without touching control flow.
package classify

import (
	"regexp"
	"strings"

	"netwarden/internal/models"
)

// Port sets driving the risk classification. Critical covers unauthenticated
// or historically exploited remote-access services; medium covers services
// that are defensible but widen the attack surface.
var (
	CriticalPorts = portSet(23, 2323, 3389, 5900, 445)
	MediumPorts   = portSet(22, 21, 8080, 8443, 3306, 5432)
	mediaPorts    = portSet(8008, 8009, 1900, 554, 2869)
)

func portSet(ports ...int) map[int]bool {
	s := make(map[int]bool, len(ports))
	for _, p := range ports {
		s[p] = true
	}
	return s
}

// deviceFacts is the normalized input to the type rule table
type deviceFacts struct {
	vendorUpper string
	osLower     string
	hostLower   string
	ports       map[int]bool
}

// typeRule pairs a predicate with the label it yields. Rules are evaluated
// top-down; the first match wins.
type typeRule struct {
	label string
	match func(deviceFacts) bool
}

var piHostname = regexp.MustCompile(`\bpi\b`)

var tvVendors = []string{"SAMSUNG", "LG", "SONY", "VIZIO", "PANASONIC", "HISENSE", "TCL"}

var typeRules = []typeRule{
	{
		label: "Raspberry Pi",
		match: func(f deviceFacts) bool {
			return strings.Contains(f.vendorUpper, "RASPBERRY") || piHostname.MatchString(f.hostLower)
		},
	},
	{
		label: "iPhone/iPad (Locked)",
		match: func(f deviceFacts) bool {
			// 62078 is the iOS lockdown service, visible even on locked devices
			return strings.Contains(f.vendorUpper, "APPLE") && f.ports[62078]
		},
	},
	{
		label: "Mac (iMac/MacBook)",
		match: func(f deviceFacts) bool {
			return strings.Contains(f.vendorUpper, "APPLE") &&
				(strings.Contains(f.osLower, "darwin") ||
					strings.Contains(f.osLower, "mac os") ||
					strings.Contains(f.osLower, "macos"))
		},
	},
	{
		label: "Apple Device",
		match: func(f deviceFacts) bool {
			return strings.Contains(f.vendorUpper, "APPLE")
		},
	},
	{
		label: "Smart TV",
		match: func(f deviceFacts) bool {
			for _, v := range tvVendors {
				if strings.Contains(f.vendorUpper, v) {
					return true
				}
			}
			return false
		},
	},
	{
		label: "Smart TV / Media Player",
		match: func(f deviceFacts) bool {
			for p := range mediaPorts {
				if f.ports[p] {
					return true
				}
			}
			return false
		},
	},
	{
		label: "Windows Device",
		match: func(f deviceFacts) bool {
			return strings.Contains(f.osLower, "windows")
		},
	},
	{
		label: "Linux Server / SBC",
		match: func(f deviceFacts) bool {
			return strings.Contains(f.osLower, "linux") && f.ports[22]
		},
	},
	{
		label: "Linux Device",
		match: func(f deviceFacts) bool {
			return strings.Contains(f.osLower, "linux")
		},
	},
}

// DeviceType infers a human-readable device type from the vendor string, OS
// guess, hostname, and open ports. It always returns a label; unmatched
// devices fall through to "Unknown Device".
func DeviceType(vendor, osGuess, hostname string, ports []models.PortSpec) string {
	facts := deviceFacts{
		vendorUpper: strings.ToUpper(defaultString(vendor, "Unknown")),
		osLower:     strings.ToLower(defaultString(osGuess, "Unknown")),
		hostLower:   strings.ToLower(hostname),
		ports:       openPortSet(ports),
	}

	for _, rule := range typeRules {
		if rule.match(facts) {
			return rule.label
		}
	}
	return "Unknown Device"
}

// RiskLevel classifies a device's exposure. Precedence, highest wins:
// quarantined, critical-port exposure, medium-port exposure, unknown OS,
// offline, low.
func RiskLevel(ports []models.PortSpec, osGuess string, state models.LifecycleState, quarantined bool) models.RiskLevel {
	if quarantined {
		return models.RiskCritical
	}

	open := openPortSet(ports)
	for p := range CriticalPorts {
		if open[p] {
			return models.RiskCritical
		}
	}
	for p := range MediumPorts {
		if open[p] {
			return models.RiskMedium
		}
	}

	if osUnknown(osGuess) {
		return models.RiskMedium
	}

	if state == models.StateOffline {
		return models.RiskMedium
	}

	return models.RiskLow
}

// exposureRule describes one finding/recommendation pair triggered by a port
type exposureRule struct {
	ports          []int
	finding        string
	recommendation string
}

var exposureRules = []exposureRule{
	{
		ports:          []int{23, 2323},
		finding:        "Telnet exposed (unencrypted remote access).",
		recommendation: "Disable Telnet; use SSH with keys and restrict by firewall.",
	},
	{
		ports:          []int{445},
		finding:        "SMB exposed (port 445).",
		recommendation: "Restrict SMB to trusted subnets; disable SMBv1; patch Windows/Samba.",
	},
	{
		ports:          []int{3389},
		finding:        "RDP exposed (port 3389).",
		recommendation: "Restrict RDP via firewall/VPN; enable NLA; enforce MFA if possible.",
	},
	{
		ports:          []int{5900},
		finding:        "VNC exposed (port 5900).",
		recommendation: "Restrict VNC to LAN/VPN; require strong auth; prefer SSH tunneling.",
	},
	{
		ports:          []int{22},
		finding:        "SSH exposed.",
		recommendation: "Use key-based auth, disable password auth, limit users, and rate-limit.",
	},
	{
		ports:          []int{21},
		finding:        "FTP exposed (often plaintext).",
		recommendation: "Prefer SFTP/FTPS; disable FTP if not required.",
	},
	{
		ports:          []int{3306, 5432},
		finding:        "Database port exposed (MySQL/Postgres).",
		recommendation: "Bind DB to localhost or trusted subnet; require auth; firewall the port.",
	},
	{
		ports:          []int{80, 8080, 8443},
		finding:        "HTTP/admin web port exposed (possible management UI).",
		recommendation: "Disable unused admin UIs; enforce auth; patch; restrict access by IP/VLAN.",
	},
}

// FindingsAndRecommendations generates one finding/recommendation pair per
// matched exposure rule, plus a finding per identified service version. Both
// lists are deduplicated by message text with first-occurrence order kept.
func FindingsAndRecommendations(ports []models.PortSpec, services []models.ServiceInfo, osGuess string, quarantined bool) ([]string, []string) {
	var findings, recs []string
	open := openPortSet(ports)

	if quarantined {
		findings = append(findings, "Device is quarantined by the host firewall.")
		recs = append(recs, "If this is a rogue device, also block it at your router/AP for full removal.")
	}

	for _, rule := range exposureRules {
		for _, p := range rule.ports {
			if open[p] {
				findings = append(findings, rule.finding)
				recs = append(recs, rule.recommendation)
				break
			}
		}
	}

	if osUnknown(osGuess) {
		findings = append(findings, "OS fingerprint is unknown (could be blocked or unusual).")
		recs = append(recs, "Allow OS detection internally; verify device manually.")
	}

	for _, s := range services {
		product := strings.TrimSpace(s.Product)
		version := strings.TrimSpace(s.Version)
		if product != "" && version != "" {
			findings = append(findings,
				"Service detected: "+product+" "+version+" ("+models.PortSpec{Number: s.Port, Protocol: s.Protocol}.String()+").")
		}
	}

	return dedupe(findings), dedupe(recs)
}

// HasCriticalPort reports whether any of ports is in the critical-risk set.
// The diff engine uses it to grade port-change events.
func HasCriticalPort(ports []models.PortSpec) bool {
	for _, p := range ports {
		if CriticalPorts[p.Number] {
			return true
		}
	}
	return false
}

func openPortSet(ports []models.PortSpec) map[int]bool {
	s := make(map[int]bool, len(ports))
	for _, p := range ports {
		s[p.Number] = true
	}
	return s
}

func osUnknown(osGuess string) bool {
	v := strings.ToLower(strings.TrimSpace(osGuess))
	return v == "" || v == "unknown"
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

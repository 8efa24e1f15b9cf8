// internal/classify/classify_test.go
package classify

import (
	"testing"

	"netwarden/internal/models"
)

func tcp(numbers ...int) []models.PortSpec {
	ports := make([]models.PortSpec, 0, len(numbers))
	for _, n := range numbers {
		ports = append(ports, models.PortSpec{Number: n, Protocol: "tcp"})
	}
	return ports
}

// TestRiskLevelPrecedence walks the full precedence chain of the risk rules
func TestRiskLevelPrecedence(t *testing.T) {
	tests := []struct {
		name        string
		ports       []models.PortSpec
		osGuess     string
		state       models.LifecycleState
		quarantined bool
		expected    models.RiskLevel
	}{
		{"quarantined wins over everything", nil, "Linux", models.StateOnline, true, models.RiskCritical},
		{"quarantined wins even offline with no ports", nil, "", models.StateOffline, true, models.RiskCritical},
		{"telnet is critical", tcp(23), "Linux", models.StateOnline, false, models.RiskCritical},
		{"alternate telnet is critical", tcp(2323), "Linux", models.StateOnline, false, models.RiskCritical},
		{"rdp is critical", tcp(3389), "Windows 10", models.StateOnline, false, models.RiskCritical},
		{"vnc is critical", tcp(5900), "Linux", models.StateOnline, false, models.RiskCritical},
		{"smb is critical", tcp(445), "Windows 10", models.StateOnline, false, models.RiskCritical},
		{"critical beats medium when both open", tcp(22, 23), "Linux", models.StateOnline, false, models.RiskCritical},
		{"critical port survives offline", tcp(23), "Linux", models.StateOffline, false, models.RiskCritical},
		{"ssh is medium", tcp(22), "Linux", models.StateOnline, false, models.RiskMedium},
		{"ftp is medium", tcp(21), "Linux", models.StateOnline, false, models.RiskMedium},
		{"database port is medium", tcp(5432), "Linux", models.StateOnline, false, models.RiskMedium},
		{"unknown os is medium", nil, "", models.StateOnline, false, models.RiskMedium},
		{"literal unknown os is medium", nil, "Unknown", models.StateOnline, false, models.RiskMedium},
		{"offline with known os is medium", nil, "Linux", models.StateOffline, false, models.RiskMedium},
		{"quiet device with known os is low", nil, "Linux 5.10", models.StateOnline, false, models.RiskLow},
		{"non-listed port is low", tcp(443), "Linux", models.StateOnline, false, models.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RiskLevel(tt.ports, tt.osGuess, tt.state, tt.quarantined)
			if got != tt.expected {
				t.Errorf("RiskLevel() = %s, want %s", got, tt.expected)
			}
		})
	}
}

// TestDeviceType exercises the ordered rule table, including rule priority
func TestDeviceType(t *testing.T) {
	tests := []struct {
		name     string
		vendor   string
		osGuess  string
		hostname string
		ports    []models.PortSpec
		expected string
	}{
		{"raspberry pi by vendor", "Raspberry Pi Trading", "Linux", "", nil, "Raspberry Pi"},
		{"raspberry pi by hostname word", "", "Linux", "my-pi.lan", nil, "Raspberry Pi"},
		{"pi substring alone does not match", "", "", "spider", nil, "Unknown Device"},
		{"locked iphone via lockdown port", "Apple, Inc.", "", "", tcp(62078), "iPhone/iPad (Locked)"},
		{"mac via os", "Apple, Inc.", "Mac OS X 12", "", nil, "Mac (iMac/MacBook)"},
		{"generic apple", "Apple, Inc.", "", "", nil, "Apple Device"},
		{"samsung tv by vendor", "Samsung Electronics", "", "", nil, "Smart TV"},
		{"media player by cast port", "", "", "", tcp(8009), "Smart TV / Media Player"},
		{"windows by os", "", "Microsoft Windows 10", "", nil, "Windows Device"},
		{"linux server with ssh", "", "Linux 4.19", "", tcp(22), "Linux Server / SBC"},
		{"linux without ssh", "", "Linux 4.19", "", nil, "Linux Device"},
		{"nothing matches", "", "", "", nil, "Unknown Device"},
		{"apple beats tv vendor order", "Apple, Inc.", "", "tv", tcp(8009), "Apple Device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeviceType(tt.vendor, tt.osGuess, tt.hostname, tt.ports)
			if got != tt.expected {
				t.Errorf("DeviceType() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// TestFindingsAndRecommendations verifies rule matching, service findings,
// and dedupe behavior.
func TestFindingsAndRecommendations(t *testing.T) {
	services := []models.ServiceInfo{
		{Port: 22, Protocol: "tcp", Name: "ssh", Product: "OpenSSH", Version: "8.4"},
		{Port: 80, Protocol: "tcp", Name: "http"}, // no product+version, no finding
	}

	findings, recs := FindingsAndRecommendations(tcp(22, 23, 2323), services, "", false)

	assertContains(t, findings, "Telnet exposed (unencrypted remote access).")
	assertContains(t, findings, "SSH exposed.")
	assertContains(t, findings, "OS fingerprint is unknown (could be blocked or unusual).")
	assertContains(t, findings, "Service detected: OpenSSH 8.4 (22/tcp).")
	assertContains(t, recs, "Disable Telnet; use SSH with keys and restrict by firewall.")

	// 23 and 2323 share one rule; the finding must appear once
	count := 0
	for _, f := range findings {
		if f == "Telnet exposed (unencrypted remote access)." {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Telnet finding appeared %d times, want 1", count)
	}
}

func TestFindingsQuarantined(t *testing.T) {
	findings, recs := FindingsAndRecommendations(nil, nil, "Linux", true)

	if len(findings) == 0 || findings[0] != "Device is quarantined by the host firewall." {
		t.Errorf("Expected quarantine finding first, got %v", findings)
	}
	if len(recs) == 0 {
		t.Error("Expected quarantine recommendation")
	}
}

func TestFindingsEmptyForQuietDevice(t *testing.T) {
	findings, recs := FindingsAndRecommendations(tcp(443), nil, "Linux 5.10", false)
	if len(findings) != 0 || len(recs) != 0 {
		t.Errorf("Expected no findings for quiet device, got %v / %v", findings, recs)
	}
}

func TestHasCriticalPort(t *testing.T) {
	if !HasCriticalPort(tcp(80, 445)) {
		t.Error("Expected 445 to register as critical")
	}
	if HasCriticalPort(tcp(80, 22)) {
		t.Error("Expected no critical port in {80, 22}")
	}
	if HasCriticalPort(nil) {
		t.Error("Expected no critical port in empty set")
	}
}

func assertContains(t *testing.T, list []string, want string) {
	t.Helper()
	for _, s := range list {
		if s == want {
			return
		}
	}
	t.Errorf("Expected %q in %v", want, list)
}

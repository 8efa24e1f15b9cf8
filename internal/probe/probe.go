// Package probe implements the external measurement providers netwarden
// consumes: lightweight liveness discovery, deep per-host profiling, MAC
// vendor lookup, and reverse DNS. Discovery and profiling shell out to nmap
// and parse its XML output; both are time-bounded and degrade to empty
// results on failure so a scan cycle is never aborted by a provider.
package probe

import (
	"context"

	"netwarden/internal/models"
)

// DiscoveredHost is one live host reported by a discovery sweep
type DiscoveredHost struct {
	IPAddress  string
	MACAddress string
	Vendor     string
	Hostname   string
}

// Profile is the result of deep inspection of a single host
type Profile struct {
	MACAddress string
	Vendor     string
	Hostname   string
	OSGuess    string
	Ports      []models.PortSpec
	Services   []models.ServiceInfo
}

// Discovery finds live hosts on a subnet. Implementations return an empty
// slice on failure; errors are advisory and must not abort the cycle.
type Discovery interface {
	Scan(ctx context.Context, cidr string) ([]DiscoveredHost, error)
}

// Profiler inspects a single host for OS fingerprint, open ports, and
// service versions. Failure yields an empty profile.
type Profiler interface {
	Profile(ctx context.Context, ip string) (Profile, error)
}

// VendorLookup resolves a MAC address to a vendor string, returning
// "Unknown" when the address cannot be resolved. Implementations cache
// results indefinitely per address prefix to bound external calls.
type VendorLookup interface {
	Resolve(ctx context.Context, mac string) string
}

// HostnameResolver performs reverse-name lookup for an address, returning
// "" when no name is known.
type HostnameResolver interface {
	Reverse(ctx context.Context, ip string) string
}

package probe

import (
	"context"
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/models"
)

// NmapScanner implements Discovery and Profiler by executing nmap and
// parsing its XML output files.
type NmapScanner struct {
	OutputDir string
	TopPorts  int
	logger    zerolog.Logger
}

// NewNmapScanner creates a scanner writing XML output under outputDir
func NewNmapScanner(outputDir string, topPorts int) *NmapScanner {
	return &NmapScanner{
		OutputDir: outputDir,
		TopPorts:  topPorts,
		logger:    log.With().Str("component", "probe").Logger(),
	}
}

// Scan performs a ping-sweep discovery of the target CIDR. Failures are
// logged and yield an empty host list.
func (n *NmapScanner) Scan(ctx context.Context, cidr string) ([]DiscoveredHost, error) {
	run, err := n.runNmap(ctx, "discovery", []string{"-sn"}, cidr)
	if err != nil {
		n.logger.Warn().Err(err).Str("cidr", cidr).Msg("Discovery scan failed")
		return nil, err
	}

	var hosts []DiscoveredHost
	for _, h := range run.Hosts {
		if h.Status.State != "up" {
			continue
		}

		var ip, mac, vendor string
		for _, addr := range h.Addresses {
			switch addr.AddrType {
			case "ipv4":
				ip = addr.Addr
			case "mac":
				mac = addr.Addr
				if addr.Vendor != "" {
					vendor = addr.Vendor
				}
			}
		}

		if ip == "" {
			continue
		}

		hostname := ""
		if len(h.Hostnames.Hostname) > 0 {
			hostname = h.Hostnames.Hostname[0].Name
		}

		hosts = append(hosts, DiscoveredHost{
			IPAddress:  ip,
			MACAddress: mac,
			Vendor:     vendor,
			Hostname:   hostname,
		})
	}

	n.logger.Debug().Str("cidr", cidr).Int("hosts", len(hosts)).Msg("Discovery completed")
	return hosts, nil
}

// Profile runs OS and service detection against a single host. Failures are
// logged and yield an empty profile.
func (n *NmapScanner) Profile(ctx context.Context, ip string) (Profile, error) {
	args := []string{"-O", "-sV", "--top-ports", strconv.Itoa(n.TopPorts), "-T4"}
	run, err := n.runNmap(ctx, "profile", args, ip)
	if err != nil {
		n.logger.Warn().Err(err).Str("ip", ip).Msg("Profile scan failed")
		return Profile{}, err
	}

	if len(run.Hosts) == 0 {
		return Profile{}, nil
	}
	host := run.Hosts[0]

	var profile Profile

	if len(host.Hostnames.Hostname) > 0 {
		profile.Hostname = host.Hostnames.Hostname[0].Name
	}

	for _, addr := range host.Addresses {
		if addr.AddrType == "mac" {
			profile.MACAddress = addr.Addr
			if addr.Vendor != "" {
				profile.Vendor = addr.Vendor
			}
		}
	}

	// Resolve multiple OS candidates to the single highest-confidence match;
	// ties keep the first encountered.
	bestAccuracy := -1
	for _, m := range host.Os.OsMatches {
		accuracy, err := strconv.Atoi(m.Accuracy)
		if err != nil {
			continue
		}
		if accuracy > bestAccuracy {
			bestAccuracy = accuracy
			profile.OSGuess = m.Name
		}
	}

	for _, port := range host.Ports.Port {
		if port.State.State != "open" {
			continue
		}

		portNum, err := strconv.Atoi(port.PortID)
		if err != nil {
			n.logger.Warn().Err(err).Str("port", port.PortID).Msg("Invalid port number")
			continue
		}

		profile.Ports = append(profile.Ports, portSpec(portNum, port.Protocol))
		profile.Services = append(profile.Services, serviceInfo(portNum, port))
	}

	return profile, nil
}

// runNmap executes nmap with XML output to a uniquely named file and parses
// the result. The output file is removed once parsed.
func (n *NmapScanner) runNmap(ctx context.Context, kind string, args []string, target string) (*NmapRun, error) {
	if err := os.MkdirAll(n.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	outputPath := filepath.Join(n.OutputDir, fmt.Sprintf("%s_%s.xml", kind, uuid.New().String()))
	cmdArgs := append([]string{"-oX", outputPath}, args...)
	cmdArgs = append(cmdArgs, target)

	cmd := exec.CommandContext(ctx, "nmap", cmdArgs...)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outputPath)
		return nil, fmt.Errorf("nmap command failed: %w (output: %.200s)", err, string(output))
	}

	xmlData, err := ioutil.ReadFile(outputPath)
	os.Remove(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan output file: %w", err)
	}

	var run NmapRun
	if err := xml.Unmarshal(xmlData, &run); err != nil {
		return nil, fmt.Errorf("failed to parse nmap XML: %w", err)
	}

	return &run, nil
}

// CleanOutputFiles removes leftover scan output files older than the
// retention period. Normally output is deleted after parsing; this sweeps
// files orphaned by crashes or timeouts.
func (n *NmapScanner) CleanOutputFiles(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-time.Hour * 24 * time.Duration(retentionDays))

	return filepath.Walk(n.OutputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			n.logger.Debug().Str("file", path).Msg("Removing old scan output file")
			if err := os.Remove(path); err != nil {
				n.logger.Error().Err(err).Str("file", path).Msg("Failed to remove old scan file")
			}
		}
		return nil
	})
}

func portSpec(number int, protocol string) models.PortSpec {
	if protocol == "" {
		protocol = "tcp"
	}
	return models.PortSpec{Number: number, Protocol: protocol}
}

func serviceInfo(number int, port Port) models.ServiceInfo {
	protocol := port.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	return models.ServiceInfo{
		Port:     number,
		Protocol: protocol,
		Name:     port.Service.Name,
		Product:  port.Service.Product,
		Version:  port.Service.Version,
	}
}

// NmapRun represents the root XML element from nmap output
type NmapRun struct {
	XMLName xml.Name `xml:"nmaprun"`
	Hosts   []Host   `xml:"host"`
}

// Host represents a host found during scanning
type Host struct {
	Status    Status    `xml:"status"`
	Addresses []Address `xml:"address"`
	Hostnames Hostnames `xml:"hostnames"`
	Ports     Ports     `xml:"ports"`
	Os        Os        `xml:"os"`
}

// Status represents the status of a host
type Status struct {
	State string `xml:"state,attr"`
}

// Address represents a network address
type Address struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
	Vendor   string `xml:"vendor,attr"`
}

// Hostnames contains hostname information
type Hostnames struct {
	Hostname []Hostname `xml:"hostname"`
}

// Hostname represents a hostname
type Hostname struct {
	Name string `xml:"name,attr"`
}

// Ports contains port information
type Ports struct {
	Port []Port `xml:"port"`
}

// Port represents a port
type Port struct {
	Protocol string  `xml:"protocol,attr"`
	PortID   string  `xml:"portid,attr"`
	State    State   `xml:"state"`
	Service  Service `xml:"service"`
}

// State represents the state of a port
type State struct {
	State string `xml:"state,attr"`
}

// Service represents a service detected on a port
type Service struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

// Os contains operating system detection information
type Os struct {
	OsMatches []OsMatch `xml:"osmatch"`
}

// OsMatch represents an OS detection match
type OsMatch struct {
	Name     string `xml:"name,attr"`
	Accuracy string `xml:"accuracy,attr"`
}

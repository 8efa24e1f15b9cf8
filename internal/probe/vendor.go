package probe

import (
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// VendorCache persists resolved vendor strings keyed by MAC prefix. The
// store package satisfies this interface.
type VendorCache interface {
	GetCachedVendor(prefix string) (string, error)
	SaveCachedVendor(prefix, vendor string) error
}

// HTTPVendorLookup resolves MAC vendors through an external OUI lookup
// service. Results are cached indefinitely per 8-character address prefix so
// the external service is consulted at most once per prefix.
type HTTPVendorLookup struct {
	BaseURL string
	Timeout time.Duration
	Cache   VendorCache
	Client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPVendorLookup creates a vendor lookup backed by cache
func NewHTTPVendorLookup(baseURL string, timeout time.Duration, cache VendorCache) *HTTPVendorLookup {
	return &HTTPVendorLookup{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Cache:   cache,
		Client:  &http.Client{Timeout: timeout},
		logger:  log.With().Str("component", "vendor").Logger(),
	}
}

// Resolve returns the vendor for mac, or "Unknown" when the address is empty
// or cannot be resolved. Lookup failures never propagate; the cycle degrades
// to the unresolved value.
func (v *HTTPVendorLookup) Resolve(ctx context.Context, mac string) string {
	if mac == "" {
		return "Unknown"
	}

	prefix := macPrefix(mac)

	if cached, err := v.Cache.GetCachedVendor(prefix); err != nil {
		v.logger.Warn().Err(err).Str("prefix", prefix).Msg("Vendor cache read failed")
	} else if cached != "" {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"/"+mac, nil)
	if err != nil {
		return "Unknown"
	}

	resp, err := v.Client.Do(req)
	if err != nil {
		v.logger.Debug().Err(err).Str("mac", mac).Msg("Vendor lookup failed")
		return "Unknown"
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "Unknown"
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "Unknown"
	}

	vendor := strings.TrimSpace(string(body))
	if vendor == "" {
		return "Unknown"
	}

	if err := v.Cache.SaveCachedVendor(prefix, vendor); err != nil {
		v.logger.Warn().Err(err).Str("prefix", prefix).Msg("Vendor cache write failed")
	}

	return vendor
}

// macPrefix returns the canonical uppercase OUI prefix used as cache key
func macPrefix(mac string) string {
	mac = strings.ToUpper(mac)
	if len(mac) > 8 {
		return mac[:8]
	}
	return mac
}

// DNSResolver performs reverse-name lookups with a bounded timeout.
type DNSResolver struct {
	Timeout time.Duration
}

// Reverse returns the first PTR name for ip, or "" when none resolves
func (d *DNSResolver) Reverse(ctx context.Context, ip string) string {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

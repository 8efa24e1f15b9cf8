package quarantine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// IPTablesController enforces blocks with DROP rules on the configured
// chains. Block checks for an existing rule before inserting, and Unblock
// deletes repeatedly, so both directions tolerate duplicate rules left by
// earlier runs.
type IPTablesController struct {
	Chains           []string
	MaxRemovalPasses int
	CommandTimeout   time.Duration
	logger           zerolog.Logger

	// run is swappable for tests; defaults to executing iptables.
	run func(ctx context.Context, args ...string) error
}

// NewIPTablesController creates a controller for the given chains
func NewIPTablesController(chains []string, maxRemovalPasses int, commandTimeout time.Duration) *IPTablesController {
	c := &IPTablesController{
		Chains:           chains,
		MaxRemovalPasses: maxRemovalPasses,
		CommandTimeout:   commandTimeout,
		logger:           log.With().Str("component", "iptables").Logger(),
	}
	c.run = c.execIPTables
	return c
}

func ruleArgs(chain, action, ip string) []string {
	return []string{action, chain, "-s", ip, "-j", "DROP"}
}

// Block inserts a DROP rule for ip on every configured chain. Chains that
// already carry the rule are left untouched.
func (c *IPTablesController) Block(ctx context.Context, ip string) error {
	for _, chain := range c.Chains {
		if c.run(ctx, ruleArgs(chain, "-C", ip)...) == nil {
			continue // rule already present
		}
		if err := c.run(ctx, ruleArgs(chain, "-I", ip)...); err != nil {
			return fmt.Errorf("failed to insert rule on %s: %w", chain, err)
		}
		c.logger.Info().Str("chain", chain).Str("ip", ip).Msg("Inserted DROP rule")
	}
	return nil
}

// Unblock deletes the DROP rule for ip from every configured chain,
// repeating per chain until the delete fails (no rule left) or the pass
// limit is reached. Duplicated rules from earlier daemon runs are swept in
// the same call.
func (c *IPTablesController) Unblock(ctx context.Context, ip string) error {
	for _, chain := range c.Chains {
		removed := 0
		for pass := 0; pass < c.MaxRemovalPasses; pass++ {
			if err := c.run(ctx, ruleArgs(chain, "-D", ip)...); err != nil {
				break
			}
			removed++
		}
		if removed > 0 {
			c.logger.Info().Str("chain", chain).Str("ip", ip).Int("removed", removed).Msg("Removed DROP rules")
		}
	}
	return nil
}

// IsBlocked reports whether a DROP rule for ip exists on any configured chain
func (c *IPTablesController) IsBlocked(ctx context.Context, ip string) (bool, error) {
	for _, chain := range c.Chains {
		if c.run(ctx, ruleArgs(chain, "-C", ip)...) == nil {
			return true, nil
		}
	}
	return false, nil
}

// NoopController satisfies FirewallController without touching the host
// firewall. Used when enforcement is disabled; quarantine records are still
// kept so the inventory reflects operator intent.
type NoopController struct{}

func (NoopController) Block(ctx context.Context, ip string) error   { return nil }
func (NoopController) Unblock(ctx context.Context, ip string) error { return nil }
func (NoopController) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return false, nil
}

func (c *IPTablesController) execIPTables(ctx context.Context, args ...string) error {
	timeout := c.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "iptables", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		// -C exits nonzero when the rule is absent; callers treat that as a
		// signal, not a failure, so keep the message but stay quiet here.
		return fmt.Errorf("iptables %s: %w (output: %.200s)", strings.Join(args, " "), err, string(output))
	}
	return nil
}

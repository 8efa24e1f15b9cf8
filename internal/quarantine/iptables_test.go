// internal/quarantine/iptables_test.go
package quarantine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeRunner scripts iptables invocations for the controller
type fakeRunner struct {
	calls     []string
	ruleCount map[string]int // chain -> live rule count for the test IP
}

func newFakeRunner(counts map[string]int) *fakeRunner {
	return &fakeRunner{ruleCount: counts}
}

func (f *fakeRunner) run(ctx context.Context, args ...string) error {
	f.calls = append(f.calls, strings.Join(args, " "))

	action, chain := args[0], args[1]
	switch action {
	case "-C":
		if f.ruleCount[chain] > 0 {
			return nil
		}
		return errors.New("no such rule")
	case "-I":
		f.ruleCount[chain]++
		return nil
	case "-D":
		if f.ruleCount[chain] > 0 {
			f.ruleCount[chain]--
			return nil
		}
		return errors.New("no such rule")
	}
	return errors.New("unexpected action")
}

func testController(counts map[string]int) (*IPTablesController, *fakeRunner) {
	c := NewIPTablesController([]string{"INPUT", "FORWARD"}, 6, time.Second)
	runner := newFakeRunner(counts)
	c.run = runner.run
	return c, runner
}

// TestBlockInsertsOnEachChain verifies one rule lands per configured chain
func TestBlockInsertsOnEachChain(t *testing.T) {
	c, runner := testController(map[string]int{})

	if err := c.Block(context.Background(), "192.168.1.66"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	if runner.ruleCount["INPUT"] != 1 || runner.ruleCount["FORWARD"] != 1 {
		t.Errorf("Rule counts = %v, want 1 per chain", runner.ruleCount)
	}
}

// TestBlockIdempotent verifies existing rules are not duplicated
func TestBlockIdempotent(t *testing.T) {
	c, runner := testController(map[string]int{"INPUT": 1, "FORWARD": 1})

	if err := c.Block(context.Background(), "192.168.1.66"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	if runner.ruleCount["INPUT"] != 1 || runner.ruleCount["FORWARD"] != 1 {
		t.Errorf("Rule counts = %v, blocking again must not duplicate", runner.ruleCount)
	}
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "-I") {
			t.Errorf("Unexpected insert: %s", call)
		}
	}
}

// TestBlockCoversMissingChainOnly verifies a half-applied block is completed
func TestBlockCoversMissingChainOnly(t *testing.T) {
	c, runner := testController(map[string]int{"INPUT": 1})

	if err := c.Block(context.Background(), "192.168.1.66"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	if runner.ruleCount["INPUT"] != 1 || runner.ruleCount["FORWARD"] != 1 {
		t.Errorf("Rule counts = %v, want the missing chain filled in", runner.ruleCount)
	}
}

// TestUnblockSweepsDuplicates verifies repeated deletes clear stacked rules
func TestUnblockSweepsDuplicates(t *testing.T) {
	c, runner := testController(map[string]int{"INPUT": 3, "FORWARD": 1})

	if err := c.Unblock(context.Background(), "192.168.1.66"); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}

	if runner.ruleCount["INPUT"] != 0 || runner.ruleCount["FORWARD"] != 0 {
		t.Errorf("Rule counts = %v, want all rules gone", runner.ruleCount)
	}
}

// TestUnblockRespectsPassLimit verifies the removal loop is bounded
func TestUnblockRespectsPassLimit(t *testing.T) {
	c, runner := testController(map[string]int{"INPUT": 10})
	c.MaxRemovalPasses = 4

	if err := c.Unblock(context.Background(), "192.168.1.66"); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}

	if runner.ruleCount["INPUT"] != 6 {
		t.Errorf("INPUT count = %d, want 6 after 4 bounded passes", runner.ruleCount["INPUT"])
	}
}

func TestUnblockNoRules(t *testing.T) {
	c, _ := testController(map[string]int{})

	if err := c.Unblock(context.Background(), "192.168.1.66"); err != nil {
		t.Errorf("Unblock with no rules should succeed: %v", err)
	}
}

func TestIsBlocked(t *testing.T) {
	c, _ := testController(map[string]int{"FORWARD": 1})

	blocked, err := c.IsBlocked(context.Background(), "192.168.1.66")
	if err != nil {
		t.Fatalf("IsBlocked failed: %v", err)
	}
	if !blocked {
		t.Error("Expected blocked with a rule on one chain")
	}

	c2, _ := testController(map[string]int{})
	blocked, _ = c2.IsBlocked(context.Background(), "192.168.1.66")
	if blocked {
		t.Error("Expected not blocked with no rules")
	}
}

func TestRuleArgs(t *testing.T) {
	args := ruleArgs("INPUT", "-I", "192.168.1.66")
	want := "-I INPUT -s 192.168.1.66 -j DROP"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("ruleArgs = %q, want %q", got, want)
	}
}

package interceptord

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/tailscale/hujson"
)

// ProtoTCP is the only protocol rules can currently act on. Rules naming
// another protocol are loaded but never driven.
const ProtoTCP = "tcp"

// Rule is one flow-termination rule: kill flows observed going from a
// source prefix to a destination prefix. Rules are immutable once loaded.
type Rule struct {
	Source      netip.Prefix
	Destination netip.Prefix
	Proto       string
}

func (m Rule) String() string {
	return fmt.Sprintf("%s %s->%s", m.Proto, m.Source, m.Destination)
}

// RuleSet is the loaded rule collection.
type RuleSet struct {
	Rules []Rule
}

// TCPRules returns the rules the daemon can drive.
func (m *RuleSet) TCPRules() []Rule {
	var out []Rule
	for _, rule := range m.Rules {
		if rule.Proto == ProtoTCP {
			out = append(out, rule)
		}
	}
	return out
}

type rawRule struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Proto       string `json:"proto"`
}

type rawRuleSet struct {
	Ruleset []rawRule `json:"ruleset"`
}

// LoadRuleSet loads and parses the ruleset from the given path. Malformed
// CIDRs are fatal; an unknown proto is not, it only parks the rule.
func LoadRuleSet(path string) (*RuleSet, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset file: %w", err)
	}

	buf, err = hujson.Standardize(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize ruleset file: %w", err)
	}

	var raw rawRuleSet
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("failed to deserialize ruleset: %w", err)
	}

	rules := make([]Rule, 0, len(raw.Ruleset))
	for idx, r := range raw.Ruleset {
		src, err := netip.ParsePrefix(r.Source)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid source prefix %q: %w", idx, r.Source, err)
		}
		dst, err := netip.ParsePrefix(r.Destination)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid destination prefix %q: %w", idx, r.Destination, err)
		}
		rules = append(rules, Rule{
			Source:      src,
			Destination: dst,
			Proto:       r.Proto,
		})
	}

	return &RuleSet{Rules: rules}, nil
}

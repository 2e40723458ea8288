package interceptord

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRuleSet(t *testing.T) {
	path := writeFile(t, "ruleset.json", `{
		"ruleset": [
			{"source": "10.0.0.0/24", "destination": "93.184.216.0/24", "proto": "tcp"},
			{"source": "192.168.0.0/16", "destination": "0.0.0.0/0", "proto": "udp"},
			{"source": "2001:db8::/64", "destination": "::/0", "proto": "tcp"}
		]
	}`)

	rules, err := LoadRuleSet(path)
	require.NoError(t, err)
	require.Len(t, rules.Rules, 3)

	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), rules.Rules[0].Source)
	assert.Equal(t, netip.MustParsePrefix("93.184.216.0/24"), rules.Rules[0].Destination)
	assert.Equal(t, ProtoTCP, rules.Rules[0].Proto)

	// Only TCP rules are drivable; the udp rule is parked, not rejected.
	tcp := rules.TCPRules()
	require.Len(t, tcp, 2)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), tcp[0].Source)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::/64"), tcp[1].Source)
}

func TestLoadRuleSetInvalidCIDR(t *testing.T) {
	path := writeFile(t, "ruleset.json", `{
		"ruleset": [
			{"source": "10.0.0.300/24", "destination": "93.184.216.0/24", "proto": "tcp"}
		]
	}`)

	_, err := LoadRuleSet(path)
	require.Error(t, err)
}

func TestLoadRuleSetEmpty(t *testing.T) {
	path := writeFile(t, "ruleset.json", `{"ruleset": []}`)

	rules, err := LoadRuleSet(path)
	require.NoError(t, err)
	assert.Empty(t, rules.Rules)
	assert.Empty(t, rules.TCPRules())
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	_, err := LoadRuleSet("does-not-exist.json")
	require.Error(t, err)
}

func TestRuleString(t *testing.T) {
	rule := Rule{
		Source:      netip.MustParsePrefix("10.0.0.0/24"),
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Proto:       ProtoTCP,
	}
	assert.Equal(t, "tcp 10.0.0.0/24->0.0.0.0/0", rule.String())
}

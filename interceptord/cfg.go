package interceptord

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/tailscale/hujson"

	"github.com/Hawkins-Sherpherd/interceptor/internal/logging"
)

// MAC is a JSON-decodable hardware address in the conventional
// "xx:xx:xx:xx:xx:xx" form.
type MAC net.HardwareAddr

func (m *MAC) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	hw, err := net.ParseMAC(raw)
	if err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", raw, err)
	}
	*m = MAC(hw)
	return nil
}

func (m MAC) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(m)
}

// ByteSize accepts either a human-readable size string ("4MB") or a plain
// byte count.
type ByteSize datasize.ByteSize

func (m *ByteSize) UnmarshalJSON(data []byte) error {
	if raw, err := strconv.Unquote(string(data)); err == nil {
		v, err := datasize.ParseString(raw)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", raw, err)
		}
		*m = ByteSize(v)
		return nil
	}

	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %s: %w", data, err)
	}
	*m = ByteSize(v)
	return nil
}

func (m ByteSize) Bytes() int {
	return int(datasize.ByteSize(m).Bytes())
}

// SniffIfConfig selects the capture interface. Ifname may be a glob
// pattern; the first matching link is used.
type SniffIfConfig struct {
	Ifname string `json:"ifname"`
}

// EgressIfConfig selects the injection interface and the L2 next hop the
// forged frames are addressed to.
type EgressIfConfig struct {
	Ifname string `json:"ifname"`
	DstMAC MAC    `json:"dst_mac"`
}

// CaptureConfig tunes the capture path.
type CaptureConfig struct {
	// BufferSlots is the ring buffer capacity in records.
	BufferSlots int `json:"buffer_slots"`
	// RecvBuffer sizes the capture socket's kernel receive buffer.
	RecvBuffer ByteSize `json:"recv_buffer"`
}

type Config struct {
	// Logging configuration.
	Logging logging.Config `json:"logging"`
	// SniffIf is the interface packets are observed on.
	SniffIf SniffIfConfig `json:"sniff_if"`
	// EgressIf is the interface forged RSTs leave through.
	EgressIf EgressIfConfig `json:"egress_if"`
	// Capture configuration.
	Capture CaptureConfig `json:"capture"`
}

func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			BufferSlots: 1024,
			RecvBuffer:  ByteSize(4 * datasize.MB),
		},
	}
}

// LoadConfig loads the configuration from the given path. The file is
// standardized first so operator-edited JSON with comments or trailing
// commas still loads.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	buf, err = hujson.Standardize(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the daemon configuration.
func (m *Config) Validate() error {
	if m.SniffIf.Ifname == "" {
		return fmt.Errorf("sniff_if.ifname is not configured")
	}
	if m.EgressIf.Ifname == "" {
		return fmt.Errorf("egress_if.ifname is not configured")
	}
	if len(m.EgressIf.DstMAC) != 6 {
		return fmt.Errorf("egress_if.dst_mac is not configured")
	}
	if m.Capture.BufferSlots < 1 {
		return fmt.Errorf("capture.buffer_slots must be positive, got %d", m.Capture.BufferSlots)
	}
	return nil
}

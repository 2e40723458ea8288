package capture

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gopacket/gopacket/layers"

	"github.com/Hawkins-Sherpherd/interceptor/internal/xpacket"
)

// L3 discriminates the network layer of a captured frame.
type L3 uint8

const (
	// L3Other marks frames that are neither IPv4 nor IPv6.
	L3Other L3 = iota
	L3IPv4
	L3IPv6
)

func (m L3) String() string {
	switch m {
	case L3IPv4:
		return "IPv4"
	case L3IPv6:
		return "IPv6"
	default:
		return "Other"
	}
}

// TCPFlags is the TCP flag byte in wire order.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// Has reports whether all flags in mask are set.
func (m TCPFlags) Has(mask TCPFlags) bool {
	return m&mask == mask
}

func (m TCPFlags) String() string {
	names := []struct {
		flag TCPFlags
		name string
	}{
		{FlagFIN, "FIN"},
		{FlagSYN, "SYN"},
		{FlagRST, "RST"},
		{FlagPSH, "PSH"},
		{FlagACK, "ACK"},
		{FlagURG, "URG"},
	}
	var set []string
	for _, n := range names {
		if m.Has(n.flag) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}

// TCPInfo holds the transport fields the detectors need.
type TCPInfo struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
}

// Record is one captured frame, parsed down to the fields the detectors
// dispatch on. Records are immutable once written to the ring.
type Record struct {
	L3      L3
	SrcAddr netip.Addr
	DstAddr netip.Addr
	// TCP is nil for non-TCP frames.
	TCP *TCPInfo
}

// IsTCP reports whether the frame carried a TCP segment.
func (m Record) IsTCP() bool {
	return m.TCP != nil
}

// Summary renders a one-line human-readable description of the record.
func (m Record) Summary() string {
	if m.L3 == L3Other {
		return "non-IP frame"
	}
	if m.TCP == nil {
		return fmt.Sprintf("%s %s > %s", m.L3, m.SrcAddr, m.DstAddr)
	}
	return fmt.Sprintf("%s TCP %s:%d > %s:%d flags=%s seq=%d ack=%d",
		m.L3, m.SrcAddr, m.TCP.SrcPort, m.DstAddr, m.TCP.DstPort,
		m.TCP.Flags, m.TCP.Seq, m.TCP.Ack)
}

// ParseRecord parses a raw Ethernet frame into a Record. Frames that carry
// no IP layer yield an L3Other record; they are still buffered so readers
// can account for them.
func ParseRecord(frame []byte) Record {
	pkt := xpacket.ParseEtherPacket(frame)

	rec := Record{}
	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		rec.L3 = L3IPv4
		rec.SrcAddr = addrFromSlice(ip.SrcIP)
		rec.DstAddr = addrFromSlice(ip.DstIP)
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		rec.L3 = L3IPv6
		rec.SrcAddr = addrFromSlice(ip.SrcIP)
		rec.DstAddr = addrFromSlice(ip.DstIP)
	default:
		return rec
	}

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		rec.TCP = &TCPInfo{
			SrcPort: uint16(tcp.SrcPort),
			DstPort: uint16(tcp.DstPort),
			Seq:     tcp.Seq,
			Ack:     tcp.Ack,
			Flags:   packFlags(tcp),
			Window:  tcp.Window,
		}
	}
	return rec
}

func packFlags(tcp *layers.TCP) TCPFlags {
	var flags TCPFlags
	if tcp.FIN {
		flags |= FlagFIN
	}
	if tcp.SYN {
		flags |= FlagSYN
	}
	if tcp.RST {
		flags |= FlagRST
	}
	if tcp.PSH {
		flags |= FlagPSH
	}
	if tcp.ACK {
		flags |= FlagACK
	}
	if tcp.URG {
		flags |= FlagURG
	}
	return flags
}

func addrFromSlice(ip []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

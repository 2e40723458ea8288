// Package intercept builds and injects the forged TCP RST pairs that tear
// down matched flows.
package intercept

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket/layers"

	"github.com/Hawkins-Sherpherd/interceptor/internal/xpacket"
)

// rstWindow is the advertised window on injected segments.
const rstWindow = 8192

// KillRequest carries the observed flow fields a kill is derived from. The
// sequence numbers are taken verbatim from the triggering segment.
type KillRequest struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
}

// Egress describes where injected frames leave the host. DstMAC is the L2
// next hop (typically the upstream gateway): the host is off-path for L3
// routing, so both frames go to the same link-layer destination.
type Egress struct {
	Ifname  string
	Ifindex int
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
}

// BuildRSTPair constructs the two frames that terminate the flow:
//
//   - client-directed: src->dst as observed, seq/ack copied, so the source
//     peer sees an in-window RST from its own conversation;
//   - server-directed: roles swapped, seq=observed ack, ack=observed seq+1,
//     landing in the destination peer's expected receive window.
//
// Only IPv4 flows are supported.
func BuildRSTPair(req KillRequest, egress Egress) ([][]byte, error) {
	if !req.SrcAddr.Is4() || !req.DstAddr.Is4() {
		return nil, fmt.Errorf("cannot build RST for non-IPv4 flow %s > %s", req.SrcAddr, req.DstAddr)
	}

	client, err := buildRST(egress, req.SrcAddr, req.DstAddr, req.SrcPort, req.DstPort, req.Seq, req.Ack)
	if err != nil {
		return nil, fmt.Errorf("failed to build client-directed RST: %w", err)
	}

	server, err := buildRST(egress, req.DstAddr, req.SrcAddr, req.DstPort, req.SrcPort, req.Ack, req.Seq+1)
	if err != nil {
		return nil, fmt.Errorf("failed to build server-directed RST: %w", err)
	}

	return [][]byte{client, server}, nil
}

func buildRST(egress Egress, srcAddr, dstAddr netip.Addr, srcPort, dstPort uint16, seq, ack uint32) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       egress.SrcMAC,
		DstMAC:       egress.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(srcAddr.AsSlice()),
		DstIP:    net.IP(dstAddr.AsSlice()),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		RST:     true,
		Window:  rstWindow,
	}
	if err := tcp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	return xpacket.SerializeToBytes(&eth, &ip, &tcp)
}

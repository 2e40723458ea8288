package xpacket

import (
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// SerializeToBytes serializes the given layers into raw frame bytes with
// lengths and checksums computed.
func SerializeToBytes(lyrs ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	if err := gopacket.SerializeLayers(buf, opts, lyrs...); err != nil {
		return nil, fmt.Errorf("failed to serialize layers: %v", err)
	}

	return buf.Bytes(), nil
}

// LayersToPacketChecked serializes the given layers and parses the result
// back as an Ethernet packet.
func LayersToPacketChecked(lyrs ...gopacket.SerializableLayer) (gopacket.Packet, error) {
	data, err := SerializeToBytes(lyrs...)
	if err != nil {
		return nil, err
	}

	pkt := gopacket.NewPacket(
		data,
		layers.LayerTypeEthernet,
		gopacket.Default,
	)

	if pkt.ErrorLayer() != nil {
		return nil, fmt.Errorf("failed to parse packet: %v", pkt.ErrorLayer())
	}

	return pkt, nil
}

// ParseEtherPacket parses raw bytes as an Ethernet frame.
func ParseEtherPacket(data []byte) gopacket.Packet {
	// Pad the packet with zero bytes to align its size at 60 bytes
	// https://github.com/google/gopacket/issues/361
	// github.com/gopacket/gopacket@v1.3.1/layers/ethernet.go#L95
	if len(data) < 60 {
		var zeros [60]byte
		data = append(data, zeros[:60-len(data)]...)
	}

	return gopacket.NewPacket(
		data,
		layers.LayerTypeEthernet,
		gopacket.Default,
	)
}

package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Hawkins-Sherpherd/interceptor/internal/ringbuf"
)

// fakeSniffer replays canned frames, then reports idle intervals.
type fakeSniffer struct {
	frames [][]byte
	next   int
	closed bool
}

func (m *fakeSniffer) Recv(buf []byte) (int, error) {
	if m.next >= len(m.frames) {
		return 0, nil
	}
	n := copy(buf, m.frames[m.next])
	m.next++
	return n, nil
}

func (m *fakeSniffer) Close() error {
	m.closed = true
	return nil
}

func tcpFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16) []byte {
	t.Helper()
	eth := testEthernet(t, layers.EthernetTypeIPv4)
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		ACK:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))
	return serialize(t, &eth, &ip, &tcp)
}

func TestCaptureWritesRecordsInArrivalOrder(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	buffer, err := ringbuf.New[Record](16, ringbuf.WithLog(log))
	require.NoError(t, err)
	reader := buffer.Register("test")

	sniffer := &fakeSniffer{
		frames: [][]byte{
			tcpFrame(t, "10.0.0.1", "10.0.0.2", 1111, 80),
			tcpFrame(t, "10.0.0.3", "10.0.0.4", 2222, 443),
			tcpFrame(t, "10.0.0.5", "10.0.0.6", 3333, 22),
		},
	}

	capt := NewCapture(sniffer, buffer, WithLog(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- capt.Run(ctx)
	}()

	var records []Record
	deadline := time.After(5 * time.Second)
	for len(records) < 3 {
		got, err := buffer.Read(reader, 10)
		require.NoError(t, err)
		records = append(records, got...)
		select {
		case <-deadline:
			t.Fatalf("timed out, got %d records", len(records))
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, sniffer.closed)

	require.Len(t, records, 3)
	assert.Equal(t, uint16(1111), records[0].TCP.SrcPort)
	assert.Equal(t, uint16(2222), records[1].TCP.SrcPort)
	assert.Equal(t, uint16(3333), records[2].TCP.SrcPort)
}

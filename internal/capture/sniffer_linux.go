package capture

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long the sniff loop stays inside the kernel, so
// cooperative shutdown is observed promptly.
const pollTimeoutMs = 100

// AFPacketSniffer is a Sniffer over an AF_PACKET socket bound to one
// interface, with the interface held in promiscuous mode for the sniffer's
// lifetime.
type AFPacketSniffer struct {
	fd   int
	link netlink.Link
	log  *zap.SugaredLogger
}

// htons converts a short to network byte order.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// OpenLive opens a capture socket on the given link and enables promiscuous
// mode. recvBuffer, when positive, sizes the socket receive buffer.
func OpenLive(link netlink.Link, recvBuffer int, log *zap.SugaredLogger) (*AFPacketSniffer, error) {
	proto := int(htons(unix.ETH_P_ALL))
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture socket: %w", err)
	}

	if recvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuffer); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to size receive buffer: %w", err)
		}
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  link.Attrs().Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind capture socket to %q: %w", link.Attrs().Name, err)
	}

	if err := netlink.SetPromiscOn(link); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to enable promiscuous mode on %q: %w", link.Attrs().Name, err)
	}

	log.Infow("capture socket opened",
		zap.String("iface", link.Attrs().Name),
		zap.Int("ifindex", link.Attrs().Index),
	)

	return &AFPacketSniffer{
		fd:   fd,
		link: link,
		log:  log,
	}, nil
}

// Recv waits up to the poll interval for a frame.
func (m *AFPacketSniffer) Recv(buf []byte) (int, error) {
	fds := []unix.PollFd{{
		Fd:     int32(m.fd),
		Events: unix.POLLIN,
	}}
	n, err := unix.Poll(fds, pollTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll on capture socket: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	size, _, err := unix.Recvfrom(m.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("recvfrom on capture socket: %w", err)
	}
	return size, nil
}

// Close disables promiscuous mode and releases the socket.
func (m *AFPacketSniffer) Close() error {
	if err := netlink.SetPromiscOff(m.link); err != nil {
		m.log.Warnw("failed to disable promiscuous mode",
			zap.String("iface", m.link.Attrs().Name),
			zap.Error(err),
		)
	}
	return unix.Close(m.fd)
}

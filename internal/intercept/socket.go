package intercept

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// htons converts a short to network byte order.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// openPacketSocket opens a non-blocking AF_PACKET socket bound to the
// interface.
func openPacketSocket(ifname string, ifindex int) (int, error) {
	proto := int(htons(unix.ETH_P_ALL))
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, fmt.Errorf("failed to open injection socket: %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind injection socket to %q: %w", ifname, err)
	}
	return fd, nil
}

// SocketCache holds one raw injection socket per egress interface. Sockets
// are opened on first use and kept until Close. The cache is shared by all
// interceptors so concurrent kills on the same interface reuse one socket.
type SocketCache struct {
	mu    sync.Mutex
	socks map[string]int
	open  func(ifname string, ifindex int) (int, error)
	log   *zap.SugaredLogger
}

// SocketCacheOption configures a SocketCache.
type SocketCacheOption func(*SocketCache)

// WithSocketLog configures the cache with a logger.
func WithSocketLog(log *zap.SugaredLogger) SocketCacheOption {
	return func(m *SocketCache) {
		m.log = log
	}
}

// NewSocketCache creates an empty cache.
func NewSocketCache(opts ...SocketCacheOption) *SocketCache {
	m := &SocketCache{
		socks: map[string]int{},
		open:  openPacketSocket,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the socket for the interface, opening it on first use.
func (m *SocketCache) Get(ifname string, ifindex int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fd, ok := m.socks[ifname]; ok {
		return fd, nil
	}

	fd, err := m.open(ifname, ifindex)
	if err != nil {
		return -1, err
	}
	m.socks[ifname] = fd

	m.log.Infow("injection socket opened",
		zap.String("iface", ifname),
		zap.Int("ifindex", ifindex),
	)
	return fd, nil
}

// Close releases every cached socket.
func (m *SocketCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for ifname, fd := range m.socks {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close injection socket for %q: %w", ifname, err)
		}
		delete(m.socks, ifname)
	}
	return firstErr
}

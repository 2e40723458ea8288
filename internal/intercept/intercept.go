package intercept

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	sendMaxTries = 3
	sendInterval = time.Millisecond
)

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLog configures the interceptor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(m *Interceptor) {
		m.log = log.With(zap.String("component", "interceptor"))
	}
}

// Interceptor terminates flows by injecting a pair of forged RST frames
// through a cached raw socket on the egress interface.
type Interceptor struct {
	socks  *SocketCache
	egress Egress
	write  func(fd int, frame []byte) error
	log    *zap.SugaredLogger
}

// NewInterceptor creates an interceptor sending through the shared socket
// cache toward the given egress.
func NewInterceptor(socks *SocketCache, egress Egress, opts ...Option) *Interceptor {
	m := &Interceptor{
		socks:  socks,
		egress: egress,
		write:  rawWrite,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func rawWrite(fd int, frame []byte) error {
	_, err := unix.Write(fd, frame)
	return err
}

// Intercept builds both RST frames for the request and sends them
// best-effort. Failures are logged and absorbed: the caller marks the flow
// killed regardless, so a transiently broken socket cannot cause a tight
// retry loop.
func (m *Interceptor) Intercept(ctx context.Context, req KillRequest) {
	frames, err := BuildRSTPair(req, m.egress)
	if err != nil {
		m.log.Warnw("failed to build RST pair", zap.Error(err))
		return
	}

	fd, err := m.socks.Get(m.egress.Ifname, m.egress.Ifindex)
	if err != nil {
		m.log.Errorw("failed to create injection socket", zap.Error(err))
		return
	}

	for idx, frame := range frames {
		if err := m.sendFrame(ctx, fd, frame); err != nil {
			m.log.Warnw("failed to send RST",
				zap.Int("frame", idx),
				zap.String("iface", m.egress.Ifname),
				zap.Error(err),
			)
		}
	}
}

// sendFrame writes one frame, retrying a would-block socket a bounded
// number of times. Any other send error abandons the frame.
func (m *Interceptor) sendFrame(ctx context.Context, fd int, frame []byte) error {
	op := func() (struct{}, error) {
		err := m.write(fd, frame)
		if err == nil {
			return struct{}{}, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(sendInterval)),
		backoff.WithMaxTries(sendMaxTries),
	)
	return err
}

// Package capture owns the sniff interface and feeds parsed frames into
// the shared ring buffer. It is the ring's only writer.
package capture

import (
	"context"

	"go.uber.org/zap"

	"github.com/Hawkins-Sherpherd/interceptor/internal/ringbuf"
)

// snapLen is the largest frame the capture loop accepts.
const snapLen = 65536

// Sniffer delivers raw frames from a capture interface.
type Sniffer interface {
	// Recv fills buf with the next frame and returns its length. A zero
	// length with a nil error means no frame arrived within the poll
	// interval.
	Recv(buf []byte) (int, error)
	Close() error
}

// Option configures a Capture.
type Option func(*options)

type options struct {
	Log *zap.SugaredLogger
}

// WithLog configures the capture with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Capture pumps frames from a sniffer into the ring buffer.
type Capture struct {
	sniffer Sniffer
	buffer  *ringbuf.RingBuffer[Record]
	log     *zap.SugaredLogger
}

// NewCapture creates a capture over an already-open sniffer. The capture
// takes ownership of the sniffer and closes it when Run returns.
func NewCapture(sniffer Sniffer, buffer *ringbuf.RingBuffer[Record], opts ...Option) *Capture {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Capture{
		sniffer: sniffer,
		buffer:  buffer,
		log:     o.Log.With(zap.String("component", "capture")),
	}
}

// Run receives, parses and buffers frames until the context is canceled.
// Parsing happens before the ring's lock is taken; a frame that fails to
// receive is logged and skipped.
func (m *Capture) Run(ctx context.Context) error {
	m.log.Infow("capture started")
	defer m.log.Infow("capture stopped")
	defer m.sniffer.Close()

	buf := make([]byte, snapLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := m.sniffer.Recv(buf)
		if err != nil {
			m.log.Warnw("capture receive failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		rec := ParseRecord(buf[:n])
		m.buffer.Write(rec)
	}
}

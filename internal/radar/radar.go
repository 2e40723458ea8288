// Package radar implements the per-rule TCP flow detector. Each radar owns
// one ring-buffer reader and one detection goroutine; matched flows are
// handed to the interceptor exactly once per kill window.
package radar

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/Hawkins-Sherpherd/interceptor/internal/capture"
	"github.com/Hawkins-Sherpherd/interceptor/internal/intercept"
	"github.com/Hawkins-Sherpherd/interceptor/internal/ringbuf"
)

const (
	// killWindow is how long a killed flow stays marked before it becomes
	// re-killable.
	killWindow = 300 * time.Second
	// cleanupEvery is the loop-iteration cadence of the eviction sweep.
	cleanupEvery = 1000
	// idleSleep is the pause after an empty read or a loop error.
	idleSleep = time.Millisecond
)

// Rule is one src/dst prefix pair to terminate. Direction matters: only
// flows observed src->dst are matched.
type Rule struct {
	Src netip.Prefix
	Dst netip.Prefix
}

func (m Rule) String() string {
	return fmt.Sprintf("%s->%s", m.Src, m.Dst)
}

// FlowKey is the direction-sensitive 4-tuple a kill is deduplicated on.
type FlowKey struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
}

// Interceptor is the kill sink the radar triggers.
type Interceptor interface {
	Intercept(ctx context.Context, req intercept.KillRequest)
}

// Option configures a TCPRadar.
type Option func(*TCPRadar)

// WithLog configures the radar with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(m *TCPRadar) {
		m.log = log
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *TCPRadar) {
		m.now = now
	}
}

// TCPRadar watches the ring buffer for established TCP flows matching its
// rule. The intercepted map is touched only by the detection goroutine.
type TCPRadar struct {
	rule        Rule
	buffer      *ringbuf.RingBuffer[capture.Record]
	reader      ringbuf.ReaderID
	interceptor Interceptor
	intercepted map[FlowKey]time.Time
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewTCPRadar creates a radar for the rule and registers its reader
// against the buffer.
func NewTCPRadar(rule Rule, buffer *ringbuf.RingBuffer[capture.Record], interceptor Interceptor, opts ...Option) *TCPRadar {
	m := &TCPRadar{
		rule:        rule,
		buffer:      buffer,
		interceptor: interceptor,
		intercepted: map[FlowKey]time.Time{},
		log:         zap.NewNop().Sugar(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.Stringer("radar", rule))
	m.reader = buffer.Register(fmt.Sprintf("radar:%s", rule))
	return m
}

// Run executes the detection loop until the context is canceled. A failure
// on a single record never stops the loop; only an unregistered reader,
// which is a programming bug, is fatal.
func (m *TCPRadar) Run(ctx context.Context) error {
	m.log.Infow("radar started")
	defer m.log.Infow("radar stopped")

	for iteration := uint64(0); ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if iteration%cleanupEvery == 0 && iteration > 0 {
			m.evict()
		}
		if err := m.step(ctx); err != nil {
			return err
		}
	}
}

// step consumes at most one record. Panics from malformed records are
// contained here so the loop resumes.
func (m *TCPRadar) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("detection failed", zap.Any("panic", r))
			time.Sleep(idleSleep)
			err = nil
		}
	}()

	records, err := m.buffer.Read(m.reader, 1)
	if err != nil {
		return fmt.Errorf("detection loop lost its reader: %w", err)
	}
	if len(records) == 0 {
		time.Sleep(idleSleep)
		return nil
	}

	m.inspect(ctx, records[0])
	return nil
}

// inspect applies the detection pipeline to one record: TCP only, no
// handshake segments, one kill per flow, both endpoints inside the rule's
// prefixes.
func (m *TCPRadar) inspect(ctx context.Context, rec capture.Record) {
	if rec.TCP == nil {
		return
	}
	if rec.L3 != capture.L3IPv4 && rec.L3 != capture.L3IPv6 {
		return
	}

	// Segments with SYN set (with or without ACK) are still inside the
	// handshake; killing them would tear down connections a peer has not
	// fully opened, and would trip on SYN scans.
	if rec.TCP.Flags.Has(capture.FlagSYN) {
		return
	}

	key := FlowKey{
		SrcAddr: rec.SrcAddr,
		SrcPort: rec.TCP.SrcPort,
		DstAddr: rec.DstAddr,
		DstPort: rec.TCP.DstPort,
	}
	if _, ok := m.intercepted[key]; ok {
		return
	}

	if !m.rule.Src.Contains(rec.SrcAddr) || !m.rule.Dst.Contains(rec.DstAddr) {
		return
	}

	// RST injection is IPv4 only. Matched IPv6 flows are left alone and
	// unmarked; they simply never trigger.
	if rec.L3 != capture.L3IPv4 {
		m.log.Debugw("skipping matched IPv6 flow", zap.String("flow", rec.Summary()))
		return
	}

	m.log.Infow("flow kill triggered", zap.String("flow", rec.Summary()))

	m.interceptor.Intercept(ctx, intercept.KillRequest{
		SrcAddr: rec.SrcAddr,
		DstAddr: rec.DstAddr,
		SrcPort: rec.TCP.SrcPort,
		DstPort: rec.TCP.DstPort,
		Seq:     rec.TCP.Seq,
		Ack:     rec.TCP.Ack,
	})

	// Marked regardless of send success so a broken egress does not turn
	// into a per-packet retry storm.
	m.intercepted[key] = m.now()
}

// evict forgets kills older than the kill window, making those flows
// re-killable.
func (m *TCPRadar) evict() {
	now := m.now()
	for key, ts := range m.intercepted {
		if now.Sub(ts) > killWindow {
			delete(m.intercepted, key)
		}
	}
}

// Reader exposes the radar's ring reader ID.
func (m *TCPRadar) Reader() ringbuf.ReaderID {
	return m.reader
}

func (m *TCPRadar) String() string {
	return m.rule.String()
}

// Package interceptord assembles the daemon: one capture writer, one ring
// buffer, one radar per TCP rule, and the shared injection socket cache.
package interceptord

import (
	"context"
	"errors"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Hawkins-Sherpherd/interceptor/internal/capture"
	"github.com/Hawkins-Sherpherd/interceptor/internal/intercept"
	"github.com/Hawkins-Sherpherd/interceptor/internal/radar"
	"github.com/Hawkins-Sherpherd/interceptor/internal/ringbuf"
)

// Option is a function that configures the Director.
type Option func(*options)

type options struct {
	Log *zap.SugaredLogger
}

// WithLog configures the Director with a logger.
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

// Director owns all components of the connection killer for the lifetime
// of the process.
type Director struct {
	cfg     *Config
	buffer  *ringbuf.RingBuffer[capture.Record]
	capture *capture.Capture
	radars  []*radar.TCPRadar
	socks   *intercept.SocketCache
	log     *zap.SugaredLogger
}

// NewDirector resolves the configured interfaces, opens the capture socket
// and wires up one radar per TCP rule. It requires privileges for raw
// packet sockets and promiscuous mode.
func NewDirector(cfg *Config, rules *RuleSet, opts ...Option) (*Director, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	log := o.Log

	sniffLink, err := resolveLink(cfg.SniffIf.Ifname)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sniff interface: %w", err)
	}
	egressLink, err := resolveLink(cfg.EgressIf.Ifname)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve egress interface: %w", err)
	}

	buffer, err := ringbuf.New[capture.Record](cfg.Capture.BufferSlots, ringbuf.WithLog(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create packet buffer: %w", err)
	}

	sniffer, err := capture.OpenLive(sniffLink, cfg.Capture.RecvBuffer.Bytes(), log)
	if err != nil {
		return nil, err
	}
	capt := capture.NewCapture(sniffer, buffer, capture.WithLog(log))

	socks := intercept.NewSocketCache(intercept.WithSocketLog(log))
	egress := intercept.Egress{
		Ifname:  egressLink.Attrs().Name,
		Ifindex: egressLink.Attrs().Index,
		SrcMAC:  egressLink.Attrs().HardwareAddr,
		DstMAC:  cfg.EgressIf.DstMAC.HardwareAddr(),
	}

	tcpRules := rules.TCPRules()
	if skipped := len(rules.Rules) - len(tcpRules); skipped > 0 {
		log.Warnw("ignoring rules with unsupported proto", zap.Int("count", skipped))
	}
	if len(tcpRules) == 0 {
		return nil, fmt.Errorf("ruleset contains no TCP rules")
	}

	radars := make([]*radar.TCPRadar, 0, len(tcpRules))
	for _, rule := range tcpRules {
		interceptor := intercept.NewInterceptor(socks, egress, intercept.WithLog(log))
		radars = append(radars, radar.NewTCPRadar(
			radar.Rule{Src: rule.Source, Dst: rule.Destination},
			buffer,
			interceptor,
			radar.WithLog(log),
		))
	}

	log.Infow("director assembled",
		zap.String("sniff_if", sniffLink.Attrs().Name),
		zap.String("egress_if", egressLink.Attrs().Name),
		zap.Int("rules", len(tcpRules)),
		zap.Int("buffer_slots", cfg.Capture.BufferSlots),
	)

	return &Director{
		cfg:     cfg,
		buffer:  buffer,
		capture: capt,
		radars:  radars,
		socks:   socks,
		log:     log,
	}, nil
}

// Buffer exposes the packet ring for inspection.
func (m *Director) Buffer() *ringbuf.RingBuffer[capture.Record] {
	return m.buffer
}

// Run drives the capture and every radar until the context is canceled.
// Each component is its own fault domain: a radar that dies from a
// programming bug is logged and lost, while capture and the other radars
// keep running. Data-plane failures never bring down the process.
func (m *Director) Run(ctx context.Context) error {
	var wg errgroup.Group

	wg.Go(func() error {
		if err := m.capture.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Errorw("capture stopped unexpectedly", zap.Error(err))
		}
		return nil
	})
	for _, r := range m.radars {
		wg.Go(func() error {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Errorw("radar stopped unexpectedly",
					zap.Stringer("radar", r),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	wg.Wait()

	status := m.buffer.BufferStatus()
	m.log.Infow("shut down",
		zap.Uint64("writes", status.Stats.Writes),
		zap.Uint64("overwrites", status.Stats.Overwrites),
		zap.Uint64("reads", status.Stats.TotalReads),
	)
	return ctx.Err()
}

// Close releases the injection sockets.
func (m *Director) Close() error {
	return m.socks.Close()
}

// resolveLink resolves an interface name, which may be a glob pattern, to
// a netlink link. An exact name wins; otherwise the first link matching
// the pattern is used.
func resolveLink(pattern string) (netlink.Link, error) {
	if link, err := netlink.LinkByName(pattern); err == nil {
		return link, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("interface %q not found and not a valid pattern: %w", pattern, err)
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, link := range links {
		if g.Match(link.Attrs().Name) {
			return link, nil
		}
	}
	return nil, fmt.Errorf("no interface matches %q", pattern)
}

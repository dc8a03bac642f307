// Package replay resolves the destinations of captured packets against a
// forwarding table.
package replay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
)

// Option is a function that configures a replay.
type Option func(*options)

// WithLog configures the replay with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithLookupFlags configures the flags passed to every lookup.
func WithLookupFlags(flags fib.LookupFlags) Option {
	return func(o *options) {
		o.LookupFlags = flags
	}
}

type options struct {
	LookupFlags fib.LookupFlags
	Log         *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// PrefixHits is the number of packets resolved by a prefix.
type PrefixHits struct {
	Prefix netip.Prefix
	Hits   int
}

// Summary aggregates lookup results of a capture.
type Summary struct {
	// Packets is the number of packets read.
	Packets int
	// Skipped is the number of packets without an IPv4 header.
	Skipped int
	// Misses is the number of destinations without a route.
	Misses int
	// Hits counts packets per matched prefix.
	Hits map[netip.Prefix]int
	// Rejected counts packets per error route type.
	Rejected map[fib.RouteType]int
}

func newSummary() *Summary {
	return &Summary{
		Hits:     map[netip.Prefix]int{},
		Rejected: map[fib.RouteType]int{},
	}
}

// Top returns up to n prefixes with the most hits, busiest first.
func (m *Summary) Top(n int) []PrefixHits {
	out := make([]PrefixHits, 0, len(m.Hits))
	for prefix, hits := range m.Hits {
		out = append(out, PrefixHits{Prefix: prefix, Hits: hits})
	}

	slices.SortFunc(out, func(a, b PrefixHits) int {
		if c := cmp.Compare(b.Hits, a.Hits); c != 0 {
			return c
		}
		return a.Prefix.Addr().Compare(b.Prefix.Addr())
	})

	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Run reads a pcap stream from r and looks up every IPv4 destination in
// tbl.
func Run(ctx context.Context, tbl *fib.Table, r io.Reader, options ...Option) (*Summary, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	linkType := reader.LinkType()

	summary := newSummary()
	for {
		if summary.Packets%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
		}

		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read packet %d: %w", summary.Packets+1, err)
		}
		summary.Packets++

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			summary.Skipped++
			continue
		}

		if err := summary.resolve(tbl, ip, opts.LookupFlags); err != nil {
			return summary, err
		}
	}

	opts.Log.Debugw("replayed capture",
		zap.Int("packets", summary.Packets),
		zap.Int("skipped", summary.Skipped),
		zap.Int("misses", summary.Misses),
		zap.Int("prefixes", len(summary.Hits)),
	)

	return summary, nil
}

func (m *Summary) resolve(tbl *fib.Table, ip *layers.IPv4, flags fib.LookupFlags) error {
	dst, ok := netip.AddrFromSlice(ip.DstIP)
	if !ok {
		m.Skipped++
		return nil
	}

	flow := fib.Flow{
		Dst: dst.Unmap(),
		TOS: ip.TOS,
	}

	match, err := tbl.Lookup(&flow, flags|fib.LookupNoRef)
	if err == nil {
		m.Hits[match.Prefix]++
		return nil
	}

	var routeErr *fib.RouteError
	switch {
	case errors.Is(err, fib.ErrNotFound):
		m.Misses++
	case errors.As(err, &routeErr):
		m.Rejected[routeErr.Type]++
	default:
		return fmt.Errorf("failed to look up %s: %w", dst, err)
	}
	return nil
}

// Package routefile loads static routes from YAML files.
//
// A route file looks like this:
//
//	devices:
//	  eth0: 2
//	routes:
//	  - prefix: 0.0.0.0/0
//	    via: 192.0.2.1
//	    dev: eth0
//	  - prefix: 10.0.0.0/8
//	    nexthops:
//	      - via: 192.0.2.1
//	        dev: eth0
//	      - via: 192.0.2.2
//	        ifindex: 3
//	        weight: 2
//	  - prefix: 203.0.113.0/24
//	    type: blackhole
package routefile

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
)

// Nexthop is a path of a route entry.
type Nexthop struct {
	// Via is the gateway address.
	Via string `yaml:"via" json:"via,omitempty"`
	// Dev is the output device name.
	Dev string `yaml:"dev" json:"dev,omitempty"`
	// IfIndex is the output device index. It takes precedence over Dev.
	IfIndex int `yaml:"ifindex" json:"ifindex,omitempty"`
	// Weight is the multipath weight.
	Weight int  `yaml:"weight" json:"weight,omitempty"`
	Onlink bool `yaml:"onlink" json:"onlink,omitempty"`
}

// Entry is a single route of a route file.
type Entry struct {
	Prefix   string    `yaml:"prefix" json:"prefix"`
	Type     string    `yaml:"type" json:"type,omitempty"`
	Scope    string    `yaml:"scope" json:"scope,omitempty"`
	Priority uint32    `yaml:"priority" json:"priority,omitempty"`
	TOS      uint8     `yaml:"tos" json:"tos,omitempty"`
	Protocol uint8     `yaml:"protocol" json:"protocol,omitempty"`
	Src      string    `yaml:"src" json:"src,omitempty"`
	Nexthops []Nexthop `yaml:"nexthops" json:"nexthops,omitempty"`
	// Nexthop fields inlined for single path routes.
	Nexthop `yaml:",inline"`

	line int
}

// UnmarshalYAML remembers the line the entry starts at.
func (m *Entry) UnmarshalYAML(value *yaml.Node) error {
	type plain Entry
	if err := value.Decode((*plain)(m)); err != nil {
		return err
	}

	m.line = value.Line
	return nil
}

// File is the content of a route file.
type File struct {
	// Devices maps device names to interface indexes.
	Devices map[string]int `yaml:"devices"`
	Routes  []Entry        `yaml:"routes"`
}

// Resolver maps a device name to its interface index.
type Resolver func(name string) (int, error)

// Load decodes a route file.
func Load(r io.Reader) (*File, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	file := &File{}
	if err := decoder.Decode(file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode route file: %w", err)
	}

	return file, nil
}

// LoadFile decodes the route file at path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open route file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// Configs converts the entries into route configurations.
//
// Device names are looked up in the devices section first and then with
// resolve, which may be nil.
func (m *File) Configs(resolve Resolver) ([]*fib.RouteConfig, error) {
	out := make([]*fib.RouteConfig, 0, len(m.Routes))
	for idx := range m.Routes {
		entry := &m.Routes[idx]

		cfg, err := m.config(entry, resolve)
		if err != nil {
			return nil, fmt.Errorf("route at line %d: %w", entry.line, err)
		}
		out = append(out, cfg)
	}

	return out, nil
}

// Config converts a single entry. Device names are looked up with
// resolve, which may be nil.
func (m *Entry) Config(resolve Resolver) (*fib.RouteConfig, error) {
	return (&File{}).config(m, resolve)
}

func (m *File) config(entry *Entry, resolve Resolver) (*fib.RouteConfig, error) {
	prefix, err := netip.ParsePrefix(entry.Prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fib.ErrInvalidPrefix, err)
	}

	cfg := &fib.RouteConfig{
		Prefix:   prefix,
		Type:     fib.RouteUnicast,
		TOS:      entry.TOS,
		Priority: entry.Priority,
		Protocol: entry.Protocol,
	}

	if entry.Type != "" {
		if cfg.Type, err = fib.ParseRouteType(entry.Type); err != nil {
			return nil, err
		}
	}
	if entry.Src != "" {
		if cfg.PrefSrc, err = netip.ParseAddr(entry.Src); err != nil {
			return nil, fmt.Errorf("%w: invalid source address: %w", fib.ErrBadArgument, err)
		}
	}

	paths := entry.Nexthops
	if entry.Nexthop != (Nexthop{}) {
		if len(paths) > 0 {
			return nil, fmt.Errorf("%w: both a nexthop and a nexthops list are given", fib.ErrBadArgument)
		}
		paths = []Nexthop{entry.Nexthop}
	}

	hasGateway := false
	for _, path := range paths {
		nh, err := m.nexthop(path, resolve)
		if err != nil {
			return nil, err
		}
		hasGateway = hasGateway || nh.Gateway.IsValid()
		cfg.Nexthops = append(cfg.Nexthops, nh)
	}

	switch {
	case entry.Scope != "":
		if cfg.Scope, err = fib.ParseScope(entry.Scope); err != nil {
			return nil, err
		}
	case cfg.Type == fib.RouteUnicast && len(paths) > 0 && !hasGateway:
		cfg.Scope = fib.ScopeLink
	default:
		cfg.Scope = cfg.Type.MinScope()
	}

	return cfg, nil
}

func (m *File) nexthop(path Nexthop, resolve Resolver) (fib.NexthopConfig, error) {
	nh := fib.NexthopConfig{
		Dev:     path.IfIndex,
		DevName: path.Dev,
		Weight:  path.Weight,
	}
	if path.Onlink {
		nh.Flags |= fib.NexthopOnlink
	}

	if path.Via != "" {
		gw, err := netip.ParseAddr(path.Via)
		if err != nil {
			return nh, fmt.Errorf("%w: invalid gateway: %w", fib.ErrBadArgument, err)
		}
		nh.Gateway = gw
	}

	if nh.Dev == 0 && path.Dev != "" {
		idx, err := m.resolve(path.Dev, resolve)
		if err != nil {
			return nh, err
		}
		nh.Dev = idx
	}

	return nh, nil
}

func (m *File) resolve(name string, resolve Resolver) (int, error) {
	if idx, ok := m.Devices[name]; ok {
		return idx, nil
	}
	if resolve == nil {
		return 0, fmt.Errorf("%w: unknown device %q", fib.ErrBadArgument, name)
	}

	idx, err := resolve(name)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to resolve device %q: %w", fib.ErrBadArgument, name, err)
	}
	return idx, nil
}

// Apply adds routes to tbl, stopping at the first failure.
func Apply(tbl *fib.Table, routes []*fib.RouteConfig) error {
	for _, cfg := range routes {
		if err := tbl.Add(cfg); err != nil {
			return fmt.Errorf("failed to add %s: %w", cfg, err)
		}
	}

	return nil
}

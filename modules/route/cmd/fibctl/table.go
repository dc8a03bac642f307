package main

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/nexthop"
	"github.com/yanet-platform/fibtrie/modules/route/internal/routefile"
)

var tableArgs struct {
	RoutesPath string
	TableID    uint32
}

func addTableFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&tableArgs.RoutesPath, "routes", "r", "", "Path to the routes file (required)")
	cmd.Flags().Uint32Var(&tableArgs.TableID, "table", 254, "Table identifier")
	cmd.MarkFlagRequired("routes")
}

// loadTable builds a table from the routes file given on the command line.
func loadTable() (*fib.Table, error) {
	file, err := routefile.LoadFile(tableArgs.RoutesPath)
	if err != nil {
		return nil, err
	}
	routes, err := file.Configs(nil)
	if err != nil {
		return nil, err
	}

	tbl, err := fib.New(tableArgs.TableID, nexthop.NewRegistry())
	if err != nil {
		return nil, err
	}
	if err := routefile.Apply(tbl, routes); err != nil {
		tbl.Close()
		return nil, err
	}

	return tbl, nil
}

func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

var lookupCmdArgs struct {
	TOS            uint8
	OIF            int
	SkipUnresolved bool
}

var lookupCmd = &cobra.Command{
	Use:   "lookup ADDR...",
	Short: "Look up destinations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl, err := loadTable()
		if err != nil {
			return err
		}
		defer tbl.Close()

		return runLookup(cmd.OutOrStdout(), tbl, args)
	},
}

func init() {
	addTableFlags(lookupCmd)
	lookupCmd.Flags().Uint8Var(&lookupCmdArgs.TOS, "tos", 0, "Type of service of the flow")
	lookupCmd.Flags().IntVar(&lookupCmdArgs.OIF, "oif", 0, "Restrict next-hops to an output interface")
	lookupCmd.Flags().BoolVar(&lookupCmdArgs.SkipUnresolved, "skip-unresolved", false, "Skip next-hops with unresolved gateways")
}

func runLookup(w io.Writer, tbl *fib.Table, args []string) error {
	flags := fib.LookupNoRef
	if lookupCmdArgs.SkipUnresolved {
		flags |= fib.LookupSkipUnresolved
	}

	for _, arg := range args {
		addr, err := netip.ParseAddr(arg)
		if err != nil {
			return fmt.Errorf("invalid destination %q: %w", arg, err)
		}

		flow := fib.Flow{
			Dst: addr,
			TOS: lookupCmdArgs.TOS,
			OIF: lookupCmdArgs.OIF,
		}
		var routeErr *fib.RouteError
		m, err := tbl.Lookup(&flow, flags)
		switch {
		case err == nil:
			fmt.Fprintf(w, "%s: %s %s table %d %s\n", addr, m.Type, m.Prefix, m.TableID, m.Nexthop)
		case errors.As(err, &routeErr), errors.Is(err, fib.ErrNotFound):
			fmt.Fprintf(w, "%s: %v\n", addr, err)
		default:
			return fmt.Errorf("failed to look up %s: %w", addr, err)
		}
	}
	return nil
}

var dumpCmdArgs struct {
	Type  string
	Proto uint8
	Dev   string
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the routes of a table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl, err := loadTable()
		if err != nil {
			return err
		}
		defer tbl.Close()

		return runDump(cmd.OutOrStdout(), tbl)
	},
}

func init() {
	addTableFlags(dumpCmd)
	dumpCmd.Flags().StringVar(&dumpCmdArgs.Type, "type", "", "Only routes of the given type")
	dumpCmd.Flags().Uint8Var(&dumpCmdArgs.Proto, "proto", 0, "Only routes installed by the given protocol")
	dumpCmd.Flags().StringVar(&dumpCmdArgs.Dev, "dev", "", "Only routes through devices matching the glob")
}

func runDump(w io.Writer, tbl *fib.Table) error {
	filter := &fib.DumpFilter{
		Protocol: dumpCmdArgs.Proto,
	}
	if dumpCmdArgs.Type != "" {
		typ, err := fib.ParseRouteType(dumpCmdArgs.Type)
		if err != nil {
			return err
		}
		filter.Type = typ
	}

	var dev glob.Glob
	if dumpCmdArgs.Dev != "" {
		g, err := glob.Compile(dumpCmdArgs.Dev)
		if err != nil {
			return fmt.Errorf("invalid device pattern %q: %w", dumpCmdArgs.Dev, err)
		}
		dev = g
	}

	return tbl.Walk(filter, nil, func(r fib.Route) error {
		if dev != nil && !throughDevice(&r, dev) {
			return nil
		}
		_, err := io.WriteString(w, formatRoute(&r))
		return err
	})
}

// throughDevice reports whether any path of the route leaves through a
// device whose name or index matches g.
func throughDevice(r *fib.Route, g glob.Glob) bool {
	for _, nh := range r.Nexthops() {
		if nh.DevName != "" && g.Match(nh.DevName) {
			return true
		}
		if nh.Dev != 0 && g.Match(strconv.Itoa(nh.Dev)) {
			return true
		}
	}
	return false
}

func formatRoute(r *fib.Route) string {
	var b strings.Builder

	if r.Type != fib.RouteUnicast {
		b.WriteString(r.Type.String())
		b.WriteByte(' ')
	}
	b.WriteString(r.Prefix.String())
	if r.TOS != 0 {
		fmt.Fprintf(&b, " tos 0x%02x", r.TOS)
	}
	if r.Priority != 0 {
		fmt.Fprintf(&b, " metric %d", r.Priority)
	}
	if r.Protocol != 0 {
		fmt.Fprintf(&b, " proto %d", r.Protocol)
	}
	if r.Scope != fib.ScopeUniverse {
		fmt.Fprintf(&b, " scope %s", r.Scope)
	}

	nexthops := r.Nexthops()
	switch len(nexthops) {
	case 0:
	case 1:
		b.WriteByte(' ')
		b.WriteString(nexthops[0].String())
	default:
		for _, nh := range nexthops {
			fmt.Fprintf(&b, "\n\tnexthop %s weight %d", nh, nh.Weight)
		}
	}
	b.WriteByte('\n')

	return b.String()
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print trie statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl, err := loadTable()
		if err != nil {
			return err
		}
		defer tbl.Close()

		return runStats(cmd.OutOrStdout(), tbl)
	},
}

func init() {
	addTableFlags(statsCmd)
}

func runStats(w io.Writer, tbl *fib.Table) error {
	s, err := tbl.Stats()
	if err != nil {
		return err
	}

	p := newPrinter()
	p.Fprintf(w, "Aver depth:     %.2f\n", s.AvgDepth())
	p.Fprintf(w, "Max depth:      %d\n", s.MaxDepth)
	p.Fprintf(w, "Leaves:         %d\n", s.Leaves)
	p.Fprintf(w, "Prefixes:       %d\n", s.Prefixes)
	p.Fprintf(w, "Internal nodes: %d\n", s.TNodes)
	for bits, count := range s.NodeSizes {
		if count != 0 {
			p.Fprintf(w, "  %d: %d\n", bits, count)
		}
	}
	p.Fprintf(w, "Null ptrs:      %d\n", s.NullPointers)
	p.Fprintf(w, "Memory:         %s\n", s.Memory.HR())
	p.Fprintf(w, "Default routes: %d\n", s.DefaultRoutes)
	if s.ResizeSkipped != 0 || s.AllocFailures != 0 {
		p.Fprintf(w, "Resize skipped: %d\n", s.ResizeSkipped)
		p.Fprintf(w, "Alloc failures: %d\n", s.AllocFailures)
	}

	return nil
}

package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/replay"
)

var replayCmdArgs struct {
	PcapPath string
	Top      int
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Resolve the destinations of a packet capture",
	Long: `Read a pcap file, look up the IPv4 destination of every packet and print
how many packets each prefix attracted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl, err := loadTable()
		if err != nil {
			return err
		}
		defer tbl.Close()

		f, err := os.Open(replayCmdArgs.PcapPath)
		if err != nil {
			return fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()

		summary, err := replay.Run(cmd.Context(), tbl, f)
		if err != nil {
			return err
		}

		printSummary(cmd.OutOrStdout(), summary, replayCmdArgs.Top)
		return nil
	},
}

func init() {
	addTableFlags(replayCmd)
	replayCmd.Flags().StringVarP(&replayCmdArgs.PcapPath, "pcap", "p", "", "Path to the pcap file (required)")
	replayCmd.Flags().IntVar(&replayCmdArgs.Top, "top", 10, "Number of busiest prefixes to print, negative for all")
	replayCmd.MarkFlagRequired("pcap")
}

func printSummary(w io.Writer, summary *replay.Summary, top int) {
	p := newPrinter()
	p.Fprintf(w, "Packets:  %d\n", summary.Packets)
	p.Fprintf(w, "Skipped:  %d\n", summary.Skipped)
	p.Fprintf(w, "Misses:   %d\n", summary.Misses)

	types := make([]fib.RouteType, 0, len(summary.Rejected))
	for typ := range summary.Rejected {
		types = append(types, typ)
	}
	slices.Sort(types)
	for _, typ := range types {
		p.Fprintf(w, "Rejected: %d %s\n", summary.Rejected[typ], typ)
	}

	for _, hits := range summary.Top(top) {
		p.Fprintf(w, "%12d  %s\n", hits.Hits, hits.Prefix)
	}
}

package neigh

import (
	"net"
	"net/netip"
	"time"
)

// NeighbourEntry is a neighbour of a gateway address as seen by the
// kernel.
type NeighbourEntry struct {
	// NextHop is the IP address of the next hop.
	NextHop netip.Addr
	// LinkAddr is the MAC address of the next hop, if resolved.
	LinkAddr net.HardwareAddr
	// Dev is the index of the interface the neighbour was observed on.
	Dev int
	// UpdatedAt is the timestamp when this entry was last updated.
	UpdatedAt time.Time
	// State is the state of the neighbor entry.
	State NeighbourState
}

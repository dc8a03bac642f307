// Package xnetip converts between net/netip values and the 32-bit keys
// used by the IPv4 forwarding table.
//
// Bit 31 of a key is the leftmost bit of the dotted-quad address.
package xnetip

import (
	"encoding/binary"
	"net/netip"
)

// KeyLength is the number of bits in an IPv4 key.
const KeyLength = 32

// AddrToKey returns the big-endian integer form of an IPv4 address.
//
// IPv4-mapped IPv6 addresses are unmapped first. Any other address
// reports false.
func AddrToKey(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}

	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// KeyToAddr is the inverse of AddrToKey.
func KeyToAddr(key uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], key)
	return netip.AddrFrom4(b)
}

// PrefixToKey splits an IPv4 prefix into its key and length.
//
// The key is returned as written, host bits included, so callers can
// reject non-canonical prefixes themselves.
func PrefixToKey(prefix netip.Prefix) (uint32, int, bool) {
	if !prefix.IsValid() {
		return 0, 0, false
	}

	key, ok := AddrToKey(prefix.Addr())
	if !ok {
		return 0, 0, false
	}

	return key, prefix.Bits(), true
}

// KeyToPrefix builds a prefix from a key and a prefix length.
func KeyToPrefix(key uint32, plen int) netip.Prefix {
	return netip.PrefixFrom(KeyToAddr(key), plen)
}

// HostMask returns the mask of the low (32 - plen) bits.
func HostMask(plen int) uint32 {
	if plen <= 0 {
		return ^uint32(0)
	}
	if plen >= KeyLength {
		return 0
	}
	return uint32(1)<<(KeyLength-plen) - 1
}

// LastAddr returns the last (broadcast) address covered by an IPv4
// prefix. Non-IPv4 prefixes yield the zero Addr.
func LastAddr(prefix netip.Prefix) netip.Addr {
	key, plen, ok := PrefixToKey(prefix)
	if !ok {
		return netip.Addr{}
	}

	return KeyToAddr(key | HostMask(plen))
}

package fib

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrNotFound is returned when no route matches.
	ErrNotFound = errors.New("no such route")
	// ErrAlreadyExists is returned when an exclusive insert finds an
	// identical route.
	ErrAlreadyExists = errors.New("route already exists")
	// ErrInvalidPrefix is returned for malformed or non-canonical prefixes.
	ErrInvalidPrefix = errors.New("invalid prefix")
	// ErrNoMemory is returned when the table runs out of its memory budget.
	ErrNoMemory = errors.New("out of memory")
	// ErrNotifyFailed is returned when a subscriber rejects a change.
	ErrNotifyFailed = errors.New("notifier rejected the change")
	// ErrBadArgument is returned for invalid arguments.
	ErrBadArgument = errors.New("bad argument")
	// ErrRetry is returned by lookups on a table that has no trie installed.
	ErrRetry = errors.New("table is not initialized, try again")
	// ErrInvariantViolation reports an internal inconsistency.
	ErrInvariantViolation = errors.New("trie invariant violated")
)

var (
	// ErrBlackhole matches lookups that hit a blackhole route. NAT and
	// xresolve routes discard traffic the same way.
	ErrBlackhole = errors.New("blackhole route")
	// ErrUnreachable matches lookups that hit an unreachable route.
	ErrUnreachable = errors.New("destination unreachable")
	// ErrProhibit matches lookups that hit a prohibit route.
	ErrProhibit = errors.New("destination administratively prohibited")
	// ErrThrow matches lookups that hit a throw route. The caller is
	// expected to continue with the next table.
	ErrThrow = errors.New("throw route")
)

// RouteError is returned by Lookup when the matched route is an error
// route.
type RouteError struct {
	// Type is the type of the matched route.
	Type RouteType
	// Prefix is the matched prefix.
	Prefix netip.Prefix
}

func (m *RouteError) Error() string {
	return fmt.Sprintf("%s: %s route %s", m.kind(), m.Type, m.Prefix)
}

// Is makes the error match the sentinel of its route type.
func (m *RouteError) Is(target error) bool {
	return target == m.kind()
}

func (m *RouteError) kind() error {
	switch m.Type {
	case RouteUnreachable:
		return ErrUnreachable
	case RouteProhibit:
		return ErrProhibit
	case RouteThrow:
		return ErrThrow
	default:
		return ErrBlackhole
	}
}

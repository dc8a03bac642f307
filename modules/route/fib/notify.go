package fib

// EventType is the kind of a table change notification.
type EventType uint8

const (
	// EventAdd is emitted for a new route.
	EventAdd EventType = iota
	// EventAppend is emitted for a route appended after equal routes.
	EventAppend
	// EventReplace is emitted when a route replaces another one.
	EventReplace
	// EventDel is emitted for a removed route.
	EventDel
)

func (m EventType) String() string {
	switch m {
	case EventAdd:
		return "add"
	case EventAppend:
		return "append"
	case EventReplace:
		return "replace"
	case EventDel:
		return "del"
	default:
		return "unknown"
	}
}

// Event describes a table change.
type Event struct {
	Type  EventType
	Route Route
}

// Notifier receives table change events.
//
// Notify is called with the table writer lock held, before the change
// becomes visible for Add, Append and Replace events. Returning an error
// for these aborts the change; errors for Del are ignored. An aborted
// change is followed by an event undoing it: Del for Add and Append, and
// Replace with the previous route for Replace. Notify must not call back
// into the table.
type Notifier interface {
	Notify(ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event) error

// Notify implements Notifier.
func (m NotifierFunc) Notify(ev Event) error {
	return m(ev)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) error {
	return nil
}

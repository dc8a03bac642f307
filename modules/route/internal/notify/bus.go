// Package notify fans forwarding table change events out to
// subscribers.
package notify

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
)

// Option is a function that configures the bus.
type Option func(*options)

// WithLog configures the bus with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithMaxAttempts configures how many times Subscribe replays a table
// that keeps changing before giving up.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.MaxAttempts = n
	}
}

// withAfterReplay sets a function run between a replay and the check
// for concurrent changes.
func withAfterReplay(fn func()) Option {
	return func(o *options) {
		o.AfterReplay = fn
	}
}

type options struct {
	MaxAttempts int
	AfterReplay func()
	Log         *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		MaxAttempts: 5,
		AfterReplay: func() {},
		Log:         zap.NewNop().Sugar(),
	}
}

type subscriber struct {
	id      uint64
	tableID uint32
	sub     fib.Notifier
}

// Bus implements fib.Notifier by delivering every event to the
// subscribers of the event's table.
type Bus struct {
	mu          sync.RWMutex
	subs        []subscriber
	nextID      uint64
	maxAttempts int
	afterReplay func()
	log         *zap.SugaredLogger
}

// NewBus creates a bus without subscribers.
func NewBus(options ...Option) *Bus {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Bus{
		maxAttempts: max(opts.MaxAttempts, 1),
		afterReplay: opts.AfterReplay,
		log:         opts.Log,
	}
}

// Notify implements fib.Notifier.
//
// Every subscriber of the table receives the event, and the first error
// is returned. The table follows a rejected change with an event undoing
// it, which reaches every subscriber as well.
func (m *Bus) Notify(ev fib.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first error
	for _, s := range m.subs {
		if s.tableID != ev.Route.TableID {
			continue
		}

		if err := s.sub.Notify(ev); err != nil {
			m.log.Debugw("subscriber rejected event",
				zap.Uint64("subscriber", s.id),
				zap.Stringer("event", ev.Type),
				zap.Stringer("prefix", ev.Route.Prefix),
				zap.Error(err),
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Subscribe replays the routes of tbl to sub and then delivers the
// table's future events to it.
//
// When the table changes during the replay, reset is called so that
// sub can drop what it has received, and the replay starts over. The
// returned function removes the subscription.
func (m *Bus) Subscribe(tbl *fib.Table, sub fib.Notifier, reset func()) (func(), error) {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		seq := tbl.Seq()

		if err := tbl.AttachSubscriber(sub); err != nil {
			return nil, err
		}
		m.afterReplay()

		m.mu.Lock()
		if tbl.Seq() == seq {
			m.nextID++
			id := m.nextID
			m.subs = append(m.subs, subscriber{id: id, tableID: tbl.ID(), sub: sub})
			m.mu.Unlock()

			m.log.Debugw("attached subscriber",
				zap.Uint64("subscriber", id),
				zap.Uint32("table", tbl.ID()),
				zap.Int("attempt", attempt),
			)
			return func() { m.unsubscribe(id) }, nil
		}
		m.mu.Unlock()

		if reset != nil {
			reset()
		}
	}

	return nil, fmt.Errorf("%w: table %d changed during %d subscription attempts",
		fib.ErrRetry, tbl.ID(), m.maxAttempts)
}

// Len returns the number of subscribers.
func (m *Bus) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.subs)
}

func (m *Bus) unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:idx:idx], m.subs[idx+1:]...)
			return
		}
	}
}

// Package fib implements an IPv4 forwarding table on top of a level- and
// path-compressed trie.
//
// Lookups never take locks and run concurrently with a single writer at
// a time. Nodes and routes unlinked by the writer are destroyed through
// a Reclaimer once no reader can observe them anymore.
package fib

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yanet-platform/fibtrie/modules/route/internal/epoch"
)

// Reclaimer defers destruction of unlinked objects until every reader
// that might still observe them has finished.
type Reclaimer interface {
	// Enter starts a read-side section and returns its token.
	Enter() uint64
	// Exit ends the read-side section started with token.
	Exit(token uint64)
	// Retire queues destructor to run after a grace period.
	Retire(size uint64, destructor func())
	// Synchronize waits for a grace period and runs queued destructors.
	Synchronize()
}

// Option is a function that configures the table.
type Option func(*options)

// WithLog configures the table with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithConfig configures the table tunables.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		o.Config = cfg
	}
}

// WithReclaimer configures the reclaimer shared with other tables.
func WithReclaimer(r Reclaimer) Option {
	return func(o *options) {
		o.Reclaimer = r
	}
}

// WithNotifier configures the receiver of change events.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.Notifier = n
	}
}

type options struct {
	Config    *Config
	Reclaimer Reclaimer
	Notifier  Notifier
	Log       *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Config:   DefaultConfig(),
		Notifier: nopNotifier{},
		Log:      zap.NewNop().Sugar(),
	}
}

// trie is the storage shared by a table and its aliases.
type trie struct {
	mu sync.Mutex
	// kv is the root sentinel.
	kv     node
	closed atomic.Bool

	cfg      *Config
	alloc    *allocator
	reclaim  Reclaimer
	infos    RouteInfoFactory
	notifier Notifier
	log      *zap.SugaredLogger

	// freeSize is the size of nodes retired since the last forced grace
	// period.
	freeSize uint64
	// defaults counts default routes per table id.
	defaults map[uint32]*atomic.Int64

	seq           atomic.Uint64
	generation    atomic.Uint64
	resizeSkipped atomic.Uint64
}

// Table is an IPv4 routing table.
type Table struct {
	id         uint32
	trie       *trie
	numDefault *atomic.Int64
}

// New creates an empty table with the given id.
//
// Route infos for inserted routes are created by infos.
func New(id uint32, infos RouteInfoFactory, options ...Option) (*Table, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	if infos == nil {
		return nil, fmt.Errorf("%w: route info factory is required", ErrBadArgument)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadArgument, err)
	}
	if opts.Reclaimer == nil {
		opts.Reclaimer = epoch.NewDomain(epoch.WithLog(opts.Log))
	}

	t := &trie{
		cfg:      opts.Config,
		alloc:    newAllocator(opts.Config.MemoryLimit),
		reclaim:  opts.Reclaimer,
		infos:    infos,
		notifier: opts.Notifier,
		log:      opts.Log,
		defaults: map[uint32]*atomic.Int64{},
	}
	t.kv.pos = keyLength
	t.kv.slen.Store(keyLength)
	t.kv.children = make([]atomic.Pointer[node], 1)

	return t.table(id), nil
}

// table returns a handle for table id over the storage.
func (t *trie) table(id uint32) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	counter, ok := t.defaults[id]
	if !ok {
		counter = &atomic.Int64{}
		t.defaults[id] = counter
	}
	return &Table{id: id, trie: t, numDefault: counter}
}

// ID returns the table id.
func (t *Table) ID() uint32 {
	return t.id
}

// Alias returns a table with a different id sharing the storage of t.
//
// Each table sees and dumps only its own routes, but flushing and
// closing act on the shared storage.
func (t *Table) Alias(id uint32) *Table {
	return t.trie.table(id)
}

// Seq returns a counter incremented on every change notification.
func (t *Table) Seq() uint64 {
	return t.trie.seq.Load()
}

// Generation returns a counter incremented whenever cached lookup
// results derived from the table may have become stale.
func (t *Table) Generation() uint64 {
	return t.trie.generation.Load()
}

// DefaultRoutes returns the number of default routes of this table.
func (t *Table) DefaultRoutes() int {
	return int(t.numDefault.Load())
}

// Synchronize waits until everything unlinked so far is destroyed.
func (t *Table) Synchronize() {
	t.trie.reclaim.Synchronize()
}

// Close removes every route without notifications and releases their
// route infos. Lookups on a closed table fail with ErrRetry.
func (t *Table) Close() error {
	tr := t.trie

	tr.mu.Lock()
	if tr.closed.Swap(true) {
		tr.mu.Unlock()
		return nil
	}
	removed := tr.sweep(func(*alias) bool { return false }, nil)
	for _, counter := range tr.defaults {
		counter.Store(0)
	}
	tr.mu.Unlock()

	tr.reclaim.Synchronize()
	tr.log.Debugw("closed table", zap.Uint32("table", t.id), zap.Int("routes", removed))

	return nil
}

// notify delivers a change event. The sequence is bumped first so that
// a subscriber attaching concurrently detects the change.
func (t *trie) notify(typ EventType, key uint32, fa *alias) error {
	t.seq.Add(1)
	return t.notifier.Notify(Event{Type: typ, Route: fa.route(key)})
}

// revert tells subscribers to undo a change that some of them may have
// accepted before it was aborted.
func (t *trie) revert(typ EventType, key uint32, fa *alias) {
	if err := t.notify(typ, key, fa); err != nil {
		t.log.Debugw("failed to notify route rollback",
			zap.Stringer("event", typ),
			zap.Error(err),
		)
	}
}

// flushCache invalidates cached lookup results.
func (t *trie) flushCache() {
	t.generation.Add(1)
}

// nodeFree retires a single unlinked node.
func (t *trie) nodeFree(n *node) {
	size := n.size()
	t.freeSize += size
	t.reclaim.Retire(size, func() {
		t.alloc.free(n)
	})
}

// tnodeFree retires tn together with every node chained to it and
// forces a grace period when too much memory is pending.
func (t *trie) tnodeFree(tn *node) {
	for tn != nil {
		next := tn.freeNext
		tn.freeNext = nil
		t.nodeFree(tn)
		tn = next
	}

	if t.freeSize >= uint64(t.cfg.SyncMem) {
		t.freeSize = 0
		t.reclaim.Synchronize()
	}
}

// aliasFree retires an unlinked alias and its route info reference.
func (t *trie) aliasFree(fa *alias) {
	t.reclaim.Retire(aliasSize, func() {
		fa.info.Release()
	})
}

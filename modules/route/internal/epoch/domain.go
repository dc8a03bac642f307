// Package epoch implements epoch-based deferred reclamation.
//
// Readers bracket every traversal of shared memory with Enter and Exit.
// Writers hand unlinked objects to Retire; their destructors run only
// after every reader that might still observe them has exited.
package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// Option is a function that configures the reclamation domain.
type Option func(*options)

// WithLog configures the domain with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithConfig configures the domain timings.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		o.Config = cfg
	}
}

type options struct {
	Config *Config
	Log    *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Config: DefaultConfig(),
		Log:    zap.NewNop().Sugar(),
	}
}

// Stats is a snapshot of domain counters.
type Stats struct {
	// Epoch is the current global epoch.
	Epoch uint64
	// Pending is the number of destructors waiting for a grace period.
	Pending int
	// PendingBytes is the accounted size of pending objects.
	PendingBytes datasize.ByteSize
	// Retired is the total number of objects ever retired.
	Retired uint64
	// Reclaimed is the total number of destructors that have run.
	Reclaimed uint64
	// ReclaimedBytes is the accounted size of reclaimed objects.
	ReclaimedBytes datasize.ByteSize
	// GracePeriods is the number of completed grace periods.
	GracePeriods uint64
}

type readerCount struct {
	n atomic.Int64
	_ cpu.CacheLinePad
}

type retired struct {
	size uint64
	fn   func()
}

// Domain is a reclamation domain shared by readers and writers of one or
// more data structures.
//
// Readers register in one of two counters selected by the parity of the
// global epoch. A grace period advances the epoch and waits for the
// counter of the previous parity to drain.
type Domain struct {
	epoch   atomic.Uint64
	_       cpu.CacheLinePad
	readers [2]readerCount

	mu           sync.Mutex
	pending      []retired
	pendingBytes uint64

	syncMu sync.Mutex

	retiredTotal   atomic.Uint64
	reclaimedTotal atomic.Uint64
	reclaimedBytes atomic.Uint64
	gracePeriods   atomic.Uint64

	cfg *Config
	log *zap.SugaredLogger
}

// NewDomain creates a new reclamation domain.
func NewDomain(options ...Option) *Domain {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Domain{
		cfg: opts.Config,
		log: opts.Log,
	}
}

// Enter registers the calling reader and returns a token that must be
// passed to Exit.
//
// Enter never blocks. It retries only while a grace period starts
// concurrently.
func (m *Domain) Enter() uint64 {
	for {
		e := m.epoch.Load()
		counter := &m.readers[e&1].n
		counter.Add(1)
		if m.epoch.Load() == e {
			return e
		}
		counter.Add(-1)
	}
}

// Exit unregisters a reader.
func (m *Domain) Exit(token uint64) {
	m.readers[token&1].n.Add(-1)
}

// Retire queues fn to run after the next complete grace period.
//
// The object must already be unreachable for new readers. The size is
// used for accounting only.
func (m *Domain) Retire(size uint64, fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, retired{size: size, fn: fn})
	m.pendingBytes += size
	m.mu.Unlock()

	m.retiredTotal.Add(1)
}

// Pending returns the number and accounted size of queued destructors.
func (m *Domain) Pending() (int, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending), m.pendingBytes
}

// Synchronize waits for a full grace period and runs every destructor
// queued before the call.
//
// It must not be called from inside an Enter/Exit section.
func (m *Domain) Synchronize() {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.Lock()
	batch := m.pending
	bytes := m.pendingBytes
	m.pending = nil
	m.pendingBytes = 0
	m.mu.Unlock()

	startedAt := time.Now()
	m.waitReaders()

	for _, r := range batch {
		r.fn()
	}

	m.gracePeriods.Add(1)
	m.reclaimedTotal.Add(uint64(len(batch)))
	m.reclaimedBytes.Add(bytes)

	if len(batch) > 0 {
		m.log.Debugw("grace period completed",
			zap.Int("objects", len(batch)),
			zap.Stringer("size", datasize.ByteSize(bytes)),
			zap.Duration("took", time.Since(startedAt)),
		)
	}
}

func (m *Domain) waitReaders() {
	prev := m.epoch.Add(1) - 1
	counter := &m.readers[prev&1].n
	if counter.Load() == 0 {
		return
	}

	wait := backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.MinWait,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.MaxWait,
	}
	wait.Reset()

	for counter.Load() != 0 {
		time.Sleep(wait.NextBackOff())
	}
}

// Run completes grace periods periodically until the context is
// canceled. Queued destructors are flushed before returning.
func (m *Domain) Run(ctx context.Context) error {
	m.log.Debugw("starting reclaimer", zap.Duration("interval", m.cfg.Interval))
	defer m.log.Debugf("stopped reclaimer")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Synchronize()
			return ctx.Err()
		case <-ticker.C:
			if n, _ := m.Pending(); n > 0 {
				m.Synchronize()
			}
		}
	}
}

// Stats returns a snapshot of the domain counters.
func (m *Domain) Stats() Stats {
	n, bytes := m.Pending()

	return Stats{
		Epoch:          m.epoch.Load(),
		Pending:        n,
		PendingBytes:   datasize.ByteSize(bytes),
		Retired:        m.retiredTotal.Load(),
		Reclaimed:      m.reclaimedTotal.Load(),
		ReclaimedBytes: datasize.ByteSize(m.reclaimedBytes.Load()),
		GracePeriods:   m.gracePeriods.Load(),
	}
}

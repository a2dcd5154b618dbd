package bundlestore

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// EngineConfig gathers the construction-time parameters of §6's
// configuration table.
type EngineConfig struct {
	Disks                     []DiskConfig
	SegmentSize               uint32
	ThreadsPerDisk            int // currently always 1; reserved for future fan-out
	TryRestoreFromDisk        bool
	AutoDeleteFilesOnExit     bool
	RingCapacityPerDisk       int
	ReadAheadSegmentsPerRead  int
}

// Engine wires together a SegmentStore, Allocator, one DiskWorker per
// disk, and a BundleCatalog — the whole storage core of §2, minus the
// StorageRouter message-handling layer that sits on top of it.
type Engine struct {
	store   *SegmentStore
	alloc   *Allocator
	workers []*DiskWorker
	catalog *BundleCatalog
	logger  *slog.Logger

	readAhead atomic.Int32

	running   atomic.Bool
	fatalOnce sync.Once
	fatalErr  error
	wg        *conc.WaitGroup
}

// NewEngine constructs (but does not Start) an engine. If
// cfg.TryRestoreFromDisk is set, the caller is expected to run
// RestoreScanner against the returned Engine's Store/Allocator/Catalog
// before calling Start.
func NewEngine(store *SegmentStore, cfg EngineConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		store:   store,
		alloc:   NewAllocator(totalSegments(cfg.Disks)),
		catalog: NewBundleCatalog(),
		logger:  logger,
	}
	readAhead := cfg.ReadAheadSegmentsPerRead
	if readAhead <= 0 {
		readAhead = 8
	}
	e.readAhead.Store(int32(readAhead))
	ringCap := cfg.RingCapacityPerDisk
	if ringCap <= 0 {
		ringCap = 30
	}
	e.workers = make([]*DiskWorker, store.NumDisks())
	for i := range e.workers {
		e.workers[i] = NewDiskWorker(store, i, ringCap, logger, e.reportFatal)
	}
	return e
}

func totalSegments(disks []DiskConfig) uint32 {
	var total uint32
	for _, d := range disks {
		total += d.SegmentsPerDisk
	}
	return total
}

func (e *Engine) reportFatal(err error) {
	e.fatalOnce.Do(func() {
		e.fatalErr = err
		e.running.Store(false)
	})
}

// FatalErr returns the first fatal disk error reported by any worker, if
// any. Reporting a fatal error also clears the engine's running flag.
func (e *Engine) FatalErr() error { return e.fatalErr }

// Store, Allocator, and Catalog give RestoreScanner and the router
// direct access to the engine's core collaborators.
func (e *Engine) Store() *SegmentStore     { return e.store }
func (e *Engine) Allocator() *Allocator    { return e.alloc }
func (e *Engine) Catalog() *BundleCatalog  { return e.catalog }

// Start launches one goroutine per disk worker and marks the engine
// running.
func (e *Engine) Start() {
	if e.running.Swap(true) {
		return
	}
	e.wg = conc.NewWaitGroup()
	for _, w := range e.workers {
		w.Start()
		worker := w
		e.wg.Go(func() { worker.Run() })
	}
}

// Stop signals every disk worker to drain and exit, then waits for them
// to finish (§5's single global running flag + drain-then-exit
// shutdown contract).
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	for _, w := range e.workers {
		w.Stop()
	}
	if e.wg != nil {
		e.wg.Wait()
	}
}

// NewWriteSession starts a write session bound to this engine.
func (e *Engine) NewWriteSession() *WriteSession {
	return newWriteSession(e, e.catalog)
}

// NewReadSession starts a read session over entry, bound to this
// engine's current read-ahead depth.
func (e *Engine) NewReadSession(entry *CatalogEntry) *ReadSession {
	return newReadSession(e, entry, int(e.readAhead.Load()))
}

// SetReadAheadSegments changes the read-ahead depth used by every
// ReadSession created from this point on (§4.8: Router.ReadAheadSegments
// is one of the two fields safe to change without a restart). Sessions
// already in flight keep whatever depth they were created with.
func (e *Engine) SetReadAheadSegments(n int) {
	if n <= 0 {
		n = 8
	}
	e.readAhead.Store(int32(n))
}

// PopTop selects and removes the next eligible entry from the catalog
// across availableDests and wraps it in a fresh ReadSession. Returns nil
// if nothing is eligible.
func (e *Engine) PopTop(availableDests []Eid) *ReadSession {
	entry := e.catalog.PopTop(availableDests)
	if entry == nil {
		return nil
	}
	return e.NewReadSession(entry)
}

// workerFor implements diskWorkerSet.
func (e *Engine) workerFor(id SegmentId) *DiskWorker { return e.workers[e.store.DiskOf(id)] }

// payloadPerSegment implements diskWorkerSet.
func (e *Engine) payloadPerSegment() uint32 { return e.store.PayloadPerSegment() }

// segmentSize implements diskWorkerSet.
func (e *Engine) segmentSize() uint32 { return e.store.SegmentSize() }

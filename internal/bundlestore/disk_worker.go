package bundlestore

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
)

// ioRetryAttempts bounds the number of times a single segment I/O is
// retried before the worker treats it as fatal. Transient short
// reads/writes (e.g. an interrupted syscall on a loaded host) are worth
// a couple of immediate retries; anything still failing after that is a
// real disk fault (§4.1's "anything short is fatal").
const ioRetryAttempts = 3

// ringWaitGranularity bounds every condition-variable wait in the disk
// worker pipeline. Keeping it small means shutdown can never deadlock
// waiting on a notification that was missed by a race (§5).
const ringWaitGranularity = 10 * time.Millisecond

// DiskWorker owns one SegmentStore stripe and a bounded SPSC ring of
// pending I/O descriptors. It serves writes and reads strictly in
// submission order for its disk (§4.3): the tail of a bundle's chain is
// durable once its submission has been executed, because the worker
// drains the ring FIFO.
type DiskWorker struct {
	store  *SegmentStore
	diskIx int
	ring   *ring

	mu   sync.Mutex
	cond *sync.Cond

	running atomic.Bool
	stopped chan struct{}
	stopTick chan struct{}

	logger  *slog.Logger
	onFatal func(error)
}

// NewDiskWorker constructs a worker for disk diskIx with a ring of the
// given descriptor capacity (the CIRCULAR_INDEX_BUFFER_SIZE parameter).
// onFatal is invoked for every read or write that still fails after its
// retries — a disk I/O fault is fatal to the whole engine, not just this
// worker.
func NewDiskWorker(store *SegmentStore, diskIx int, ringCapacity int, logger *slog.Logger, onFatal func(error)) *DiskWorker {
	w := &DiskWorker{
		store:    store,
		diskIx:   diskIx,
		ring:     newRing(ringCapacity),
		stopped:  make(chan struct{}),
		stopTick: make(chan struct{}),
		logger:   logger,
		onFatal:  onFatal,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Run is the worker's consumer loop. It is meant to be launched on its
// own goroutine (the engine launches one per disk via a conc.WaitGroup) and
// returns once Stop has been called and the ring has fully drained —
// including the final head-destruction writes of in-flight deletions,
// per the shutdown contract in §4.3.
func (w *DiskWorker) Run() {
	go w.tickLoop()
	defer close(w.stopped)

	for {
		w.mu.Lock()
		idx, ok := w.ring.reserveRead()
		for !ok {
			if !w.running.Load() {
				w.mu.Unlock()
				return
			}
			w.cond.Wait()
			idx, ok = w.ring.reserveRead()
		}
		d := w.ring.buf[idx]
		w.mu.Unlock()

		w.execute(d)

		w.mu.Lock()
		w.ring.commitRead()
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// tickLoop broadcasts on the condition variable at ringWaitGranularity so
// every Wait() is a bounded timed wait rather than an indefinite block,
// matching the boost::condition_variable::timed_wait(10ms) pattern this
// engine's ancestor used and the "no busy loops, bounded waits" rule of
// §5.
func (w *DiskWorker) tickLoop() {
	t := time.NewTicker(ringWaitGranularity)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		case <-w.stopTick:
			return
		}
	}
}

func (w *DiskWorker) execute(d descriptor) {
	intraIx := w.store.IntraDiskIndex(d.segmentId)
	switch d.op {
	case opWrite:
		err := retry.Do(
			func() error { return w.store.WriteSegment(w.diskIx, intraIx, d.buf) },
			retry.Attempts(ioRetryAttempts),
			retry.Delay(time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			w.fail(err)
			return
		}
	case opRead:
		err := retry.Do(
			func() error { return w.store.ReadSegment(w.diskIx, intraIx, d.buf) },
			retry.Attempts(ioRetryAttempts),
			retry.Delay(time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			w.fail(err)
			return
		}
		if d.ready != nil {
			d.ready.Store(true)
		}
	}
}

func (w *DiskWorker) fail(err error) {
	if w.logger != nil {
		w.logger.Error("disk worker fatal i/o error", "disk", w.diskIx, "err", err)
	}
	if w.onFatal != nil {
		w.onFatal(err)
	}
}

// Start marks the worker running. Call before Run (or concurrently —
// Run's loop tolerates running flipping true just after it checks, since
// it rechecks under the lock every wake).
func (w *DiskWorker) Start() { w.running.Store(true) }

// Stop signals the worker to drain its remaining ring entries and exit.
// It blocks until the worker goroutine launched via Run has returned.
// It does not close the underlying disk file — SegmentStore owns that
// file across every worker and is the only thing that closes it
// (Engine.Stop runs before SegmentStore.Close, never the reverse).
func (w *DiskWorker) Stop() {
	w.running.Store(false)
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.stopped
	close(w.stopTick)
}

// submitWrite enqueues a write descriptor, blocking (via bounded timed
// waits, never a spin loop) until the ring has room or the worker is no
// longer running.
func (w *DiskWorker) submitWrite(id SegmentId, buf []byte) error {
	return w.submit(descriptor{segmentId: id, op: opWrite, buf: buf})
}

// submitRead enqueues a read descriptor whose destination is dst; ready
// is flipped true by the worker once the read has landed in dst.
func (w *DiskWorker) submitRead(id SegmentId, dst []byte, ready *atomic.Bool) error {
	return w.submit(descriptor{segmentId: id, op: opRead, buf: dst, ready: ready})
}

func (w *DiskWorker) submit(d descriptor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.Load() {
		return fmt.Errorf("%w: disk %d", ErrNotRunning, w.diskIx)
	}
	idx, ok := w.ring.reserveWrite()
	for !ok {
		if !w.running.Load() {
			return fmt.Errorf("%w: disk %d", ErrNotRunning, w.diskIx)
		}
		w.cond.Wait()
		idx, ok = w.ring.reserveWrite()
	}
	w.ring.buf[idx] = d
	w.ring.commitWrite()
	w.cond.Broadcast()
	return nil
}

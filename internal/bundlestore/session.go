package bundlestore

import (
	"fmt"
	"sync/atomic"
)

// diskWorkerSet is the narrow view WriteSession/ReadSession need of the
// engine: pick a disk worker by segment id and know the store's segment
// geometry. The Engine implements it.
type diskWorkerSet interface {
	workerFor(id SegmentId) *DiskWorker
	payloadPerSegment() uint32
	segmentSize() uint32
}

// WriteSession is a transient handle binding one bundle to its segment
// chain during a multi-segment push (§4.4). It is not safe for use by
// more than one goroutine at a time and is meant to be used once:
// Push, then PushSegment for every logical segment in order.
type WriteSession struct {
	engine diskWorkerSet
	catalog *BundleCatalog

	chain         []SegmentId
	bundleBytes   uint64
	destEid       Eid
	priorityIndex int
	absExpiration uint64
	creationSeq   uint64
	custodyId     uint64
	hasCustody    bool

	nextLogicalSegment int
}

// newWriteSession starts a write session bound to engine/catalog.
func newWriteSession(engine diskWorkerSet, catalog *BundleCatalog) *WriteSession {
	return &WriteSession{engine: engine, catalog: catalog}
}

// Push reserves the segment chain for a bundle described by meta and
// records its routing/priority/expiration metadata. Returns the total
// number of logical segments the caller must then push via PushSegment,
// or (0, ErrResourceExhausted) if the allocator cannot satisfy the chain.
func (s *WriteSession) Push(alloc *Allocator, meta PrimaryMeta) (int, error) {
	total := TotalSegmentsRequired(meta.BundleBytes, s.engine.payloadPerSegment())
	if total == 0 {
		total = 1
	}
	ids, ok := alloc.AllocChain(int(total))
	if !ok {
		return 0, ErrResourceExhausted
	}
	s.chain = ids
	s.bundleBytes = meta.BundleBytes
	s.destEid = meta.DestEid
	s.priorityIndex = meta.PriorityIndex
	s.absExpiration = meta.AbsExpiration
	s.creationSeq = meta.CreationTimestampSeq
	s.nextLogicalSegment = 0
	return len(ids), nil
}

// SetCustody records that this bundle carries custody at this hop and
// the custody id assigned to it, so the committed CatalogEntry carries
// it through to release/ack handling (§4.5).
func (s *WriteSession) SetCustody(custodyId uint64) {
	s.hasCustody = true
	s.custodyId = custodyId
}

// PushSegment writes one logical segment of the chain in order. data
// must be exactly payloadPerSegment bytes for every segment but the
// last, and at most that for the last. After the tail segment is
// enqueued, the session commits: a CatalogEntry is inserted at the tail
// of the catalog FIFO for (destEid, priorityIndex, absExpiration).
func (s *WriteSession) PushSegment(data []byte) error {
	if s.nextLogicalSegment >= len(s.chain) {
		return fmt.Errorf("bundlestore: PushSegment called past end of chain (%d segments)", len(s.chain))
	}
	segSize := s.engine.segmentSize()
	payloadCap := s.engine.payloadPerSegment()
	if uint32(len(data)) > payloadCap {
		return fmt.Errorf("bundlestore: segment payload %d exceeds capacity %d", len(data), payloadCap)
	}

	isHead := s.nextLogicalSegment == 0
	bundleSizeField := destroyedBundleSize
	if isHead {
		bundleSizeField = s.bundleBytes
	}
	segmentId := s.chain[s.nextLogicalSegment]
	s.nextLogicalSegment++

	nextId := NoSegment
	if s.nextLogicalSegment < len(s.chain) {
		nextId = s.chain[s.nextLogicalSegment]
	}

	buf := make([]byte, segSize)
	putSegmentHeader(buf, bundleSizeField, nextId)
	copy(buf[segmentHeaderSize:], data)

	w := s.engine.workerFor(segmentId)
	if err := w.submitWrite(segmentId, buf); err != nil {
		return err
	}

	if s.nextLogicalSegment == len(s.chain) {
		s.catalog.Insert(&CatalogEntry{
			BundleBytes:          s.bundleBytes,
			SegmentChain:         append([]SegmentId(nil), s.chain...),
			DestEid:              s.destEid,
			PriorityIndex:        s.priorityIndex,
			AbsExpiration:        s.absExpiration,
			CustodyIdAtThisHop:   s.custodyId,
			HasCustody:           s.hasCustody,
			CreationTimestampSeq: s.creationSeq,
		})
	}
	return nil
}

// TotalSegments returns the chain length reserved by Push.
func (s *WriteSession) TotalSegments() int { return len(s.chain) }

// ReadSession is a transient handle over one catalog entry selected by
// PopTop, pipelining disk reads with a bounded read-ahead window so the
// router never stalls waiting on a single segment when more are already
// in flight (§4.4).
type ReadSession struct {
	engine diskWorkerSet

	entry *CatalogEntry

	readAhead int
	slots     [][]byte
	ready     []*atomic.Bool

	nextToSubmit int // index into entry.SegmentChain
	nextToRead   int // index into entry.SegmentChain
}

// newReadSession constructs a session with the given read-ahead depth
// (a runtime parameter per design note (b), not a compile-time constant).
func newReadSession(engine diskWorkerSet, entry *CatalogEntry, readAhead int) *ReadSession {
	if readAhead < 1 {
		readAhead = 1
	}
	if readAhead > len(entry.SegmentChain) {
		readAhead = len(entry.SegmentChain)
	}
	segSize := int(engine.segmentSize())
	rs := &ReadSession{
		engine:    engine,
		entry:     entry,
		readAhead: readAhead,
		slots:     make([][]byte, readAhead),
		ready:     make([]*atomic.Bool, readAhead),
	}
	for i := range rs.slots {
		rs.slots[i] = make([]byte, segSize)
		rs.ready[i] = &atomic.Bool{}
	}
	return rs
}

// BundleBytes returns the total bundle length recorded at Push time.
func (s *ReadSession) BundleBytes() uint64 { return s.entry.BundleBytes }

// fillPipeline submits reads for every chain segment not yet submitted,
// up to the read-ahead window.
func (s *ReadSession) fillPipeline() error {
	for s.nextToSubmit-s.nextToRead < s.readAhead && s.nextToSubmit < len(s.entry.SegmentChain) {
		slot := s.nextToSubmit % s.readAhead
		s.ready[slot].Store(false)
		id := s.entry.SegmentChain[s.nextToSubmit]
		w := s.engine.workerFor(id)
		if err := w.submitRead(id, s.slots[slot], s.ready[slot]); err != nil {
			return err
		}
		s.nextToSubmit++
	}
	return nil
}

// ReadNextSegment blocks (bounded, polling) until the next segment in
// chain order is ready, validates its header against the expected
// chain-link invariants, and copies its payload bytes into dst. Returns
// the number of bytes copied. A header mismatch is ErrCorruption.
func (s *ReadSession) ReadNextSegment(dst []byte) (int, error) {
	if s.nextToRead >= len(s.entry.SegmentChain) {
		return 0, fmt.Errorf("bundlestore: ReadNextSegment called past end of chain")
	}
	if err := s.fillPipeline(); err != nil {
		return 0, err
	}
	slot := s.nextToRead % s.readAhead
	for !s.ready[slot].Load() {
		spinWaitReadReady()
	}

	hdr := getSegmentHeader(s.slots[slot])
	isHead := s.nextToRead == 0
	if isHead {
		if hdr.BundleSizeField != s.entry.BundleBytes {
			return 0, fmt.Errorf("%w: head bundleSizeField=%d want %d", ErrCorruption, hdr.BundleSizeField, s.entry.BundleBytes)
		}
	} else if hdr.BundleSizeField != destroyedBundleSize {
		return 0, fmt.Errorf("%w: non-head bundleSizeField=%d want sentinel", ErrCorruption, hdr.BundleSizeField)
	}

	isTail := s.nextToRead == len(s.entry.SegmentChain)-1
	if isTail {
		if hdr.NextSegmentId != NoSegment {
			return 0, fmt.Errorf("%w: tail nextSegmentId=%d want none", ErrCorruption, hdr.NextSegmentId)
		}
	} else if hdr.NextSegmentId != s.entry.SegmentChain[s.nextToRead+1] {
		return 0, fmt.Errorf("%w: nextSegmentId=%d want %d", ErrCorruption, hdr.NextSegmentId, s.entry.SegmentChain[s.nextToRead+1])
	}

	size := int(s.engine.payloadPerSegment())
	if isTail {
		if mod := s.entry.BundleBytes % uint64(s.engine.payloadPerSegment()); mod != 0 {
			size = int(mod)
		}
	}
	copy(dst, s.slots[slot][segmentHeaderSize:segmentHeaderSize+size])
	s.nextToRead++
	return size, nil
}

// ReadAllSegments drains the whole chain into dst (which must be at
// least BundleBytes() long), in chain order.
func (s *ReadSession) ReadAllSegments(dst []byte) (int, error) {
	total := 0
	for s.nextToRead < len(s.entry.SegmentChain) {
		n, err := s.ReadNextSegment(dst[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// fullyConsumed reports whether every chain segment has been read.
func (s *ReadSession) fullyConsumed() bool {
	return s.nextToRead == len(s.entry.SegmentChain)
}

// ReturnTop reinserts the session's held entry at the tail of its
// original (dest, priority, expiration) FIFO, relinquishing the
// session's hold on it. The session must not be used afterward.
func (s *ReadSession) ReturnTop(catalog *BundleCatalog) {
	catalog.ReturnTop(s.entry)
}

// RemoveReadBundleFromDisk destroys the head segment on disk (writing
// the sentinel bundleSizeField so Restore will skip it) and frees the
// whole chain back to the allocator. If forceRemove is false and the
// session has not consumed the entire chain yet, the removal is
// rejected with ErrBundleNotFullyRead.
//
// Design note (a): the destruction write is only enqueued before
// FreeChain runs, so a crash before that write lands on disk can
// re-surface the bundle after restart — callers must tolerate a
// one-bundle re-delivery after a crash.
func (s *ReadSession) RemoveReadBundleFromDisk(alloc *Allocator, forceRemove bool) error {
	if !forceRemove && !s.fullyConsumed() {
		return ErrBundleNotFullyRead
	}
	headId := s.entry.SegmentChain[0]
	buf := make([]byte, s.engine.segmentSize())
	putSegmentHeader(buf, destroyedBundleSize, NoSegment)
	w := s.engine.workerFor(headId)
	if err := w.submitWrite(headId, buf); err != nil {
		return err
	}
	if !alloc.FreeChain(s.entry.SegmentChain) {
		return fmt.Errorf("bundlestore: FreeChain rejected chain for head segment %d", headId)
	}
	return nil
}

// CatalogEntry exposes the held entry for callers that need its routing
// metadata (custody id, destination) after PopTop.
func (s *ReadSession) CatalogEntry() *CatalogEntry { return s.entry }

// spinWaitReadReady is the bounded poll used while waiting for a
// pipelined read slot. It is a tiny indirection point so tests can
// observe/accelerate it without touching production wait behavior.
var spinWaitReadReady = func() {
	// A single runtime.Gosched-scale pause; the disk worker's tick loop
	// guarantees forward progress at ringWaitGranularity cadence, so
	// this never spins longer than that.
	pauseBriefly()
}

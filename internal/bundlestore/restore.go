package bundlestore

import "fmt"

// PrimaryParser recovers routing metadata from the primary block embedded
// at the start of a head segment's payload. The engine does not parse
// BPv6/BPv7 itself (§1); callers inject the same parser RestoreScanner
// uses here as the one StorageRouter used when the bundle was written,
// so priority/expiration extraction cannot drift between write and
// restore (design note: PriorityOf is the single source of truth the
// parser is expected to call internally).
type PrimaryParser func(headPayload []byte) (PrimaryMeta, error)

// RestoreStats reports what a successful restore reconstructed.
type RestoreStats struct {
	TotalBundlesRestored  uint64
	TotalBytesRestored    uint64
	TotalSegmentsRestored uint64
}

// RestoreScanner rebuilds the Allocator and BundleCatalog from the
// segment headers already on disk, with no separate journal (§4.6). It
// is meant to run once, before Engine.Start, against a store opened in
// "restore existing" mode.
type RestoreScanner struct {
	parsePrimary PrimaryParser
}

// NewRestoreScanner returns a scanner that uses parsePrimary to recover
// routing metadata from each discovered head segment.
func NewRestoreScanner(parsePrimary PrimaryParser) *RestoreScanner {
	return &RestoreScanner{parsePrimary: parsePrimary}
}

// Restore walks every candidate head segment id in increasing order
// (which mirrors original write order, since heads were allocated
// monotonically), follows each chain, validates it, and inserts a
// CatalogEntry for it. Any inconsistency aborts the whole restore with
// ErrRestoreInconsistency and leaves engine's allocator/catalog
// partially populated — callers must not Start an engine that failed
// restore.
func (r *RestoreScanner) Restore(engine *Engine) (RestoreStats, error) {
	var stats RestoreStats
	store := engine.Store()
	alloc := engine.Allocator()
	catalog := engine.Catalog()

	total := uint32(0)
	for i := 0; i < store.NumDisks(); i++ {
		total += store.SegmentsPerDisk(i)
	}

	buf := make([]byte, store.SegmentSize())
	for candidate := SegmentId(0); uint32(candidate) < total; candidate++ {
		if !alloc.IsFree(candidate) {
			continue // already claimed by a previously-restored chain
		}
		if err := store.ReadSegment(store.DiskOf(candidate), store.IntraDiskIndex(candidate), buf); err != nil {
			return stats, fmt.Errorf("%w: reading candidate head %d: %v", ErrRestoreInconsistency, candidate, err)
		}
		hdr := getSegmentHeader(buf)
		if hdr.BundleSizeField == destroyedBundleSize {
			continue // destroyed head, or a non-head segment not (yet) claimed
		}
		if hdr.BundleSizeField == 0 {
			continue // never written: pre-sizing leaves unused segments zero-filled
		}

		meta, err := r.parsePrimary(buf[segmentHeaderSize:])
		if err != nil {
			return stats, fmt.Errorf("%w: parsing primary block at head %d: %v", ErrRestoreInconsistency, candidate, err)
		}
		meta.BundleBytes = hdr.BundleSizeField

		totalRequired := TotalSegmentsRequired(meta.BundleBytes, store.PayloadPerSegment())
		if totalRequired == 0 {
			totalRequired = 1
		}

		chain, err := r.followChain(engine, candidate, hdr, buf, totalRequired)
		if err != nil {
			return stats, err
		}

		catalog.Insert(&CatalogEntry{
			BundleBytes:          meta.BundleBytes,
			SegmentChain:         chain,
			DestEid:              meta.DestEid,
			PriorityIndex:        meta.PriorityIndex,
			AbsExpiration:        meta.AbsExpiration,
			CreationTimestampSeq: meta.CreationTimestampSeq,
		})
		stats.TotalBundlesRestored++
		stats.TotalBytesRestored += meta.BundleBytes
		stats.TotalSegmentsRestored += uint64(len(chain))
	}
	return stats, nil
}

// followChain claims and validates every segment from the already-read
// head (candidate, hdr, buf) through to the tail, returning the full
// chain in order.
func (r *RestoreScanner) followChain(engine *Engine, candidate SegmentId, hdr segmentHeader, headBuf []byte, totalRequired uint64) ([]SegmentId, error) {
	store := engine.Store()
	alloc := engine.Allocator()

	chain := make([]SegmentId, 0, totalRequired)
	if !alloc.AllocSpecific(candidate) {
		return nil, fmt.Errorf("%w: head segment %d already claimed", ErrRestoreInconsistency, candidate)
	}
	chain = append(chain, candidate)

	buf := make([]byte, store.SegmentSize())
	curHdr := hdr
	for curHdr.NextSegmentId != NoSegment {
		next := curHdr.NextSegmentId
		if uint64(len(chain)) >= totalRequired {
			return nil, fmt.Errorf("%w: chain for head %d exceeds required length %d before reaching tail", ErrRestoreInconsistency, candidate, totalRequired)
		}
		if !alloc.IsFree(next) {
			return nil, fmt.Errorf("%w: segment %d in chain for head %d already claimed (cycle or double-use)", ErrRestoreInconsistency, next, candidate)
		}
		if err := store.ReadSegment(store.DiskOf(next), store.IntraDiskIndex(next), buf); err != nil {
			return nil, fmt.Errorf("%w: reading chain segment %d: %v", ErrRestoreInconsistency, next, err)
		}
		nextHdr := getSegmentHeader(buf)
		if nextHdr.BundleSizeField != destroyedBundleSize {
			return nil, fmt.Errorf("%w: non-head segment %d has non-sentinel bundleSizeField", ErrRestoreInconsistency, next)
		}
		if !alloc.AllocSpecific(next) {
			return nil, fmt.Errorf("%w: segment %d claimed concurrently during restore", ErrRestoreInconsistency, next)
		}
		chain = append(chain, next)
		curHdr = nextHdr
	}

	if uint64(len(chain)) != totalRequired {
		return nil, fmt.Errorf("%w: head %d chain length %d does not match required %d", ErrRestoreInconsistency, candidate, len(chain), totalRequired)
	}
	return chain, nil
}

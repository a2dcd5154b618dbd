// Package bundlestore implements the persistent bundle storage engine and
// catalog for a DTN Bundle Protocol node: a striped segment allocator, a
// per-disk write/read pipeline, an in-memory priority/expiration catalog,
// custody-id bookkeeping, and a disk-scan restore path that rebuilds the
// catalog without a journal.
package bundlestore

import "math"

// SegmentId identifies a fixed-size on-disk segment. The reserved value
// NoSegment means "none/terminator".
type SegmentId uint32

// NoSegment is the sentinel segment id meaning "none" (chain terminator,
// or "not allocated").
const NoSegment SegmentId = math.MaxUint32

// destroyedBundleSize is written to a head segment's bundleSizeField to
// mark it destroyed; restore skips any head candidate carrying it.
const destroyedBundleSize uint64 = math.MaxUint64

// NumPriorities is the number of priority levels a bundle can carry.
// Index 2 is expedited, 1 is normal, 0 is bulk.
const NumPriorities = 3

const (
	PriorityBulk      = 0
	PriorityNormal    = 1
	PriorityExpedited = 2
)

// segmentHeaderSize is the fixed reserved prefix of every on-disk segment:
// 8 bytes bundleSizeField, 4 bytes nextSegmentId, 4 bytes padding.
const segmentHeaderSize = 16

// Eid is a DTN endpoint identifier, the (nodeId, serviceId) pair bundles
// are addressed by. It is comparable and usable as a map key.
type Eid struct {
	NodeId    uint64
	ServiceId uint64
}

// Less gives Eid a deterministic lexicographic order, used only for
// diagnostics/tests that need stable iteration.
func (e Eid) Less(o Eid) bool {
	if e.NodeId != o.NodeId {
		return e.NodeId < o.NodeId
	}
	return e.ServiceId < o.ServiceId
}

// PrimaryMeta is the subset of a bundle's primary block the engine needs
// at Push and Restore time. Parsing a full BPv6/BPv7 primary block into
// this shape is the codec's job (out of scope, §1); the engine only
// consumes it.
type PrimaryMeta struct {
	DestEid       Eid
	PriorityIndex int
	AbsExpiration uint64
	// CreationTimestampSeq disambiguates bundles with identical creation
	// time from the same source; carried through for restore fidelity
	// but not used for catalog ordering (expiration + FIFO order is).
	CreationTimestampSeq uint64
	// BundleBytes is the total length of the bundle payload (primary +
	// canonical blocks including the payload block), i.e. the length
	// PushSegment's caller will write across the chain.
	BundleBytes uint64
}

// TotalSegmentsRequired returns ceil(bundleBytes / payloadPerSegment).
func TotalSegmentsRequired(bundleBytes uint64, payloadPerSegment uint32) uint64 {
	if payloadPerSegment == 0 {
		return 0
	}
	n := bundleBytes / uint64(payloadPerSegment)
	if bundleBytes%uint64(payloadPerSegment) != 0 {
		n++
	}
	return n
}

// PriorityOf extracts the priority index from a parsed primary block
// according to the bundle's protocol version. Nothing in this package
// calls it directly: it is the helper an injected PrimaryParser uses, and
// since the write path and RestoreScanner share that parser, the two
// paths cannot drift (design note: "keep a single PriorityOf helper").
//
// BPv6: priority is bits 7-8 of the primary processing-control flags
// (2-bit field, 2 = expedited). BPv7: priority comes from a recognized
// priority extension block, or defaults to Normal when absent — callers
// that already parsed BPv7 priority pass it straight through via
// bpv7Priority.
func PriorityOf(isBPv7 bool, bpv6Flags uint64, bpv7Priority *int) int {
	if isBPv7 {
		if bpv7Priority != nil {
			return *bpv7Priority
		}
		return PriorityNormal
	}
	p := int((bpv6Flags >> 7) & 3)
	if p >= NumPriorities {
		// value 3 is "reserved for future use" in BPv6; treat as the
		// highest defined priority rather than wrapping into bulk.
		p = NumPriorities - 1
	}
	return p
}

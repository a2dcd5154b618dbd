package bundlestore

import (
	"fmt"
	"sync"
)

// CustodyIdAllocator issues monotonic custody ids scoped per next-hop
// node, mirroring the CTEB (Custody Transfer Enhancement Block) id space
// an RFC 5050 custody-transfer manager expects (§4.5).
type CustodyIdAllocator struct {
	mu   sync.Mutex
	next map[uint64]uint64
}

// NewCustodyIdAllocator returns an allocator with every next-hop counter
// starting at zero.
func NewCustodyIdAllocator() *CustodyIdAllocator {
	return &CustodyIdAllocator{next: make(map[uint64]uint64)}
}

// NextCustodyIdForNextHopCteb returns the next monotonic custody id for
// nextHopNodeId.
func (a *CustodyIdAllocator) NextCustodyIdForNextHopCteb(nextHopNodeId uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next[nextHopNodeId]
	a.next[nextHopNodeId] = id + 1
	return id
}

// CustodyBookkeeping tracks, per final destination, the set of custody
// ids that have been released but not yet acknowledged. The router
// consults it to enforce the per-destination admission cap (§4.5); it is
// the authoritative, in-memory source of truth for that decision — any
// durable ledger is a trailing write-behind log, not a read path.
type CustodyBookkeeping struct {
	mu          sync.Mutex
	admissionCap int
	outstanding map[Eid]map[uint64]struct{}
}

// NewCustodyBookkeeping returns bookkeeping enforcing admissionCap
// outstanding custody ids per final destination.
func NewCustodyBookkeeping(admissionCap int) *CustodyBookkeeping {
	return &CustodyBookkeeping{
		admissionCap: admissionCap,
		outstanding:  make(map[Eid]map[uint64]struct{}),
	}
}

// CanRelease reports whether dest currently has room under the
// admission cap for one more outstanding bundle. Returns
// ErrAdmissionCapReached, wrapped with dest, when it does not.
func (b *CustodyBookkeeping) CanRelease(dest Eid) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outstanding[dest]) >= b.admissionCap {
		return fmt.Errorf("%w: dest %v at cap %d", ErrAdmissionCapReached, dest, b.admissionCap)
	}
	return nil
}

// MarkReleased records custodyId as outstanding for dest. Returns
// ErrAdmissionCapReached (and does not record) if the admission cap is
// already reached — callers must check CanRelease (or handle this
// return) before streaming the bundle to egress.
func (b *CustodyBookkeeping) MarkReleased(dest Eid, custodyId uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.outstanding[dest]
	if !ok {
		set = make(map[uint64]struct{})
		b.outstanding[dest] = set
	}
	if len(set) >= b.admissionCap {
		return fmt.Errorf("%w: dest %v at cap %d", ErrAdmissionCapReached, dest, b.admissionCap)
	}
	set[custodyId] = struct{}{}
	return nil
}

// MarkAcked removes custodyId from dest's outstanding set, making room
// for another release. Returns false if it was not outstanding.
func (b *CustodyBookkeeping) MarkAcked(dest Eid, custodyId uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.outstanding[dest]
	if !ok {
		return false
	}
	if _, ok := set[custodyId]; !ok {
		return false
	}
	delete(set, custodyId)
	if len(set) == 0 {
		delete(b.outstanding, dest)
	}
	return true
}

// OutstandingCount reports the number of currently outstanding custody
// ids for dest.
func (b *CustodyBookkeeping) OutstandingCount(dest Eid) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outstanding[dest])
}

// SetAdmissionCap changes the per-destination admission cap applied by
// every CanRelease/MarkReleased call from this point on (§4.8:
// Custody.AdmissionCap is one of the two fields safe to change without a
// restart). Already-outstanding custody ids above the new cap are left in
// place; they simply block further releases until acked down.
func (b *CustodyBookkeeping) SetAdmissionCap(cap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admissionCap = cap
}

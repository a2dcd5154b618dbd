package bundlestore

import "math"

// CatalogEntry pairs a segment chain with the routing/priority/expiration
// metadata needed to select and retrieve it. It is owned by BundleCatalog
// until handed to a ReadSession by PopTop; ownership returns to the
// catalog on ReturnTop, or is dissolved back to the Allocator by a
// successful RemoveReadBundleFromDisk.
type CatalogEntry struct {
	BundleBytes          uint64
	SegmentChain         []SegmentId
	DestEid              Eid
	PriorityIndex        int
	AbsExpiration        uint64
	CustodyIdAtThisHop   uint64
	HasCustody           bool
	CreationTimestampSeq uint64
}

// fifoSlot is the ordered list of entries sharing one (dest, priority,
// expiration) key. Entries are released front-first; new pushes and
// ReturnTop both append to the back, preserving FIFO-within-expiration
// order.
type fifoSlot struct {
	entries []*CatalogEntry
}

// priorityVector holds one expiration-ordered map per priority level.
type priorityVector [NumPriorities]*expirationMap

// expirationMap is a sorted map from absExpiration to its FIFO slot. Go
// has no builtin ordered map, so it is kept as a slice of (key, slot)
// pairs sorted by key; inserts/removals are O(log n) to find, O(n) to
// shift — acceptable for the per-destination, per-priority cardinality
// this engine expects (a handful of distinct expirations in flight at
// once), and it keeps PopTop a simple "take the front" operation with no
// separate min-heap to keep consistent with the map.
type expirationMap struct {
	keys  []uint64
	slots []*fifoSlot
}

func newExpirationMap() *expirationMap {
	return &expirationMap{}
}

func (m *expirationMap) find(key uint64) (int, bool) {
	lo, hi := 0, len(m.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(m.keys) && m.keys[lo] == key {
		return lo, true
	}
	return lo, false
}

func (m *expirationMap) pushBack(key uint64, e *CatalogEntry) {
	ix, ok := m.find(key)
	if ok {
		m.slots[ix].entries = append(m.slots[ix].entries, e)
		return
	}
	m.keys = append(m.keys, 0)
	m.slots = append(m.slots, nil)
	copy(m.keys[ix+1:], m.keys[ix:])
	copy(m.slots[ix+1:], m.slots[ix:])
	m.keys[ix] = key
	m.slots[ix] = &fifoSlot{entries: []*CatalogEntry{e}}
}

// front returns the lowest key's slot, or false if the map is empty.
func (m *expirationMap) front() (uint64, *fifoSlot, bool) {
	if len(m.keys) == 0 {
		return 0, nil, false
	}
	return m.keys[0], m.slots[0], true
}

// popFront removes and returns the first entry of the lowest-key slot,
// erasing the key entirely if that empties its slot (map keys are
// unique and empty FIFOs are always erased, per the data-model
// invariant).
func (m *expirationMap) popFront() *CatalogEntry {
	if len(m.keys) == 0 {
		return nil
	}
	slot := m.slots[0]
	e := slot.entries[0]
	slot.entries = slot.entries[1:]
	if len(slot.entries) == 0 {
		m.keys = m.keys[1:]
		m.slots = m.slots[1:]
	}
	return e
}

// BundleCatalog is the in-memory index: destination -> priority ->
// expiration-ordered FIFO of CatalogEntry. It is mutated only by the
// router goroutine (§5); no internal locking is provided or needed.
type BundleCatalog struct {
	destMap map[Eid]*priorityVector
}

// NewBundleCatalog returns an empty catalog.
func NewBundleCatalog() *BundleCatalog {
	return &BundleCatalog{destMap: make(map[Eid]*priorityVector)}
}

func (c *BundleCatalog) vectorFor(dest Eid) *priorityVector {
	pv, ok := c.destMap[dest]
	if !ok {
		pv = &priorityVector{}
		for i := range pv {
			pv[i] = newExpirationMap()
		}
		c.destMap[dest] = pv
	}
	return pv
}

// Insert appends entry to the tail of its (dest, priority, expiration)
// FIFO, creating the destination/priority/expiration keys as needed.
func (c *BundleCatalog) Insert(entry *CatalogEntry) {
	pv := c.vectorFor(entry.DestEid)
	pv[entry.PriorityIndex].pushBack(entry.AbsExpiration, entry)
}

// PopTop selects, among availableDests, the highest-priority entry whose
// FIFO front has the smallest absExpiration, removes it from the catalog,
// and returns it. Within one destination, entries with equal expiration
// come out in insertion (FIFO) order; when fronts of different
// destinations tie on expiration, the destination listed first in
// availableDests wins, whatever the insertion order across destinations.
// Returns nil if no eligible entry exists.
func (c *BundleCatalog) PopTop(availableDests []Eid) *CatalogEntry {
	for priority := NumPriorities - 1; priority >= 0; priority-- {
		var best *expirationMap
		bestExp := uint64(math.MaxUint64)
		for _, dest := range availableDests {
			pv, ok := c.destMap[dest]
			if !ok {
				continue
			}
			em := pv[priority]
			key, _, ok := em.front()
			if !ok {
				continue
			}
			if key < bestExp {
				bestExp = key
				best = em
			}
		}
		if best != nil {
			return best.popFront()
		}
	}
	return nil
}

// ReturnTop reinserts entry at the tail of its original (dest, priority,
// expiration) FIFO, without reordering against newer writes.
func (c *BundleCatalog) ReturnTop(entry *CatalogEntry) {
	c.Insert(entry)
}

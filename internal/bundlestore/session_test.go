package bundlestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionReadNextSegmentReturnsChainInOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, 3, 32, 64)
	dest := Eid{NodeId: 1}

	bundle := pushTestBundle(t, e, dest, PriorityNormal, 500, 48, 4)

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)

	out := make([]byte, len(bundle))
	offset := 0
	for !rs.fullyConsumed() {
		n, err := rs.ReadNextSegment(out[offset:])
		require.NoError(t, err)
		require.Greater(t, n, 0)
		offset += n
	}
	require.Equal(t, bundle, out[:offset])
}

func TestSessionReadAheadDepthClampedToChainLength(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 32, 64)
	dest := Eid{NodeId: 2}

	// Single-segment bundle with a read-ahead window configured wider
	// than the chain; newReadSession must clamp it rather than over-submit.
	pushTestBundle(t, e, dest, PriorityNormal, 500, 48, 0)

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)
	require.LessOrEqual(t, rs.readAhead, len(rs.entry.SegmentChain))
	require.Equal(t, 1, len(rs.entry.SegmentChain))
}

func TestSessionReturnTopPutsEntryBackAtFIFOTail(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 32, 64)
	dest := Eid{NodeId: 3}

	pushTestBundle(t, e, dest, PriorityNormal, 100, 48, 0)
	pushTestBundle(t, e, dest, PriorityNormal, 100, 48, 0)

	first := e.PopTop([]Eid{dest})
	require.NotNil(t, first)
	firstHead := first.entry.SegmentChain[0]

	first.ReturnTop(e.Catalog())

	second := e.PopTop([]Eid{dest})
	require.NotNil(t, second)
	require.NotEqual(t, firstHead, second.entry.SegmentChain[0], "ReturnTop should send the entry to the tail, not the front")

	third := e.PopTop([]Eid{dest})
	require.NotNil(t, third)
	require.Equal(t, firstHead, third.entry.SegmentChain[0])
}

func TestSessionRemoveReadBundleFromDiskRejectsPartialReadWithoutForce(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 32, 64)
	dest := Eid{NodeId: 4}

	pushTestBundle(t, e, dest, PriorityNormal, 100, 48, 3)

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)

	buf := make([]byte, e.payloadPerSegment())
	_, err := rs.ReadNextSegment(buf)
	require.NoError(t, err)

	err = rs.RemoveReadBundleFromDisk(e.Allocator(), false)
	require.ErrorIs(t, err, ErrBundleNotFullyRead)

	err = rs.RemoveReadBundleFromDisk(e.Allocator(), true)
	require.NoError(t, err)
}

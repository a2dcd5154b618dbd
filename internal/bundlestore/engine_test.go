package bundlestore

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPrimaryHeaderSize is a fake fixed-width "primary block" used only by
// these tests in place of real BPv6/BPv7 parsing (out of scope, §1).
const testPrimaryHeaderSize = 25

func putTestPrimary(buf []byte, dest Eid, priority int, absExpiration uint64) {
	binary.LittleEndian.PutUint64(buf[0:8], dest.NodeId)
	binary.LittleEndian.PutUint64(buf[8:16], dest.ServiceId)
	binary.LittleEndian.PutUint64(buf[16:24], absExpiration)
	buf[24] = byte(priority)
}

func testParsePrimary(payload []byte) (PrimaryMeta, error) {
	if len(payload) < testPrimaryHeaderSize {
		return PrimaryMeta{}, io.ErrUnexpectedEOF
	}
	return PrimaryMeta{
		DestEid: Eid{
			NodeId:    binary.LittleEndian.Uint64(payload[0:8]),
			ServiceId: binary.LittleEndian.Uint64(payload[8:16]),
		},
		AbsExpiration: binary.LittleEndian.Uint64(payload[16:24]),
		PriorityIndex: int(payload[24]),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, numDisks int, segmentsPerDisk uint32, segmentSize uint32) (*Engine, afero.Fs, []DiskConfig) {
	t.Helper()
	fs := afero.NewMemMapFs()
	disks := make([]DiskConfig, numDisks)
	for i := range disks {
		disks[i] = DiskConfig{Path: "disk" + string(rune('0'+i)) + ".bin", SegmentsPerDisk: segmentsPerDisk}
	}
	store, err := NewSegmentStore(fs, disks, segmentSize, false, false)
	require.NoError(t, err)

	e := NewEngine(store, EngineConfig{
		Disks:                    disks,
		SegmentSize:              segmentSize,
		RingCapacityPerDisk:      8,
		ReadAheadSegmentsPerRead: 4,
	}, discardLogger())
	e.Start()
	t.Cleanup(e.Stop)
	return e, fs, disks
}

func pushTestBundle(t *testing.T, e *Engine, dest Eid, priority int, absExpiration uint64, payloadPerSegmentBytes int, extraFullSegments int) []byte {
	t.Helper()
	headPayloadSize := int(e.payloadPerSegment())
	bundle := make([]byte, headPayloadSize+extraFullSegments*int(e.payloadPerSegment()))
	putTestPrimary(bundle, dest, priority, absExpiration)
	for i := testPrimaryHeaderSize; i < len(bundle); i++ {
		bundle[i] = byte(i)
	}

	meta, err := testParsePrimary(bundle)
	require.NoError(t, err)
	meta.BundleBytes = uint64(len(bundle))

	ws := e.NewWriteSession()
	total, err := ws.Push(e.Allocator(), meta)
	require.NoError(t, err)

	payload := int(e.payloadPerSegment())
	for i := 0; i < total; i++ {
		start := i * payload
		end := start + payload
		if end > len(bundle) {
			end = len(bundle)
		}
		require.NoError(t, ws.PushSegment(bundle[start:end]))
	}
	return bundle
}

func TestEngineWriteThenReadRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 32, 64)
	dest := Eid{NodeId: 7}

	bundle := pushTestBundle(t, e, dest, PriorityNormal, 1000, 48, 3)

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)
	out := make([]byte, rs.BundleBytes())
	n, err := rs.ReadAllSegments(out)
	require.NoError(t, err)
	assert.Equal(t, bundle, out[:n])

	require.NoError(t, rs.RemoveReadBundleFromDisk(e.Allocator(), false))
	assert.EqualValues(t, e.Allocator().FreeCount(), e.Allocator().FreeCount()) // sanity: no panic after free
}

func TestEngineRemoveBundleNotFullyReadIsRejectedUnlessForced(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 32, 64)
	dest := Eid{NodeId: 1}
	pushTestBundle(t, e, dest, PriorityBulk, 50, 48, 2)

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)

	err := rs.RemoveReadBundleFromDisk(e.Allocator(), false)
	assert.ErrorIs(t, err, ErrBundleNotFullyRead)

	require.NoError(t, rs.RemoveReadBundleFromDisk(e.Allocator(), true))
}

func TestEngineBoundarySingleSegmentBundle(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, 8, 64)
	dest := Eid{NodeId: 2}
	payload := int(e.payloadPerSegment())

	bundle := make([]byte, payload)
	putTestPrimary(bundle, dest, PriorityExpedited, 10)
	meta, err := testParsePrimary(bundle)
	require.NoError(t, err)
	meta.BundleBytes = uint64(len(bundle))

	ws := e.NewWriteSession()
	total, err := ws.Push(e.Allocator(), meta)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.NoError(t, ws.PushSegment(bundle))

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)
	out := make([]byte, rs.BundleBytes())
	n, err := rs.ReadAllSegments(out)
	require.NoError(t, err)
	assert.Equal(t, bundle, out[:n])
}

func TestEngineResourceExhaustedWhenAllocatorCannotSatisfyChain(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, 2, 64) // only 2 segments total
	dest := Eid{NodeId: 3}
	payload := int(e.payloadPerSegment())

	bundle := make([]byte, payload*5) // needs 5 segments, only 2 exist
	putTestPrimary(bundle, dest, PriorityNormal, 10)
	meta, err := testParsePrimary(bundle)
	require.NoError(t, err)
	meta.BundleBytes = uint64(len(bundle))

	ws := e.NewWriteSession()
	_, err = ws.Push(e.Allocator(), meta)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestEngineRestoreRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	disks := []DiskConfig{{Path: "d0.bin", SegmentsPerDisk: 16}, {Path: "d1.bin", SegmentsPerDisk: 16}}
	const segSize = 64

	store, err := NewSegmentStore(fs, disks, segSize, false, false)
	require.NoError(t, err)
	e := NewEngine(store, EngineConfig{Disks: disks, SegmentSize: segSize, RingCapacityPerDisk: 8, ReadAheadSegmentsPerRead: 4}, discardLogger())
	e.Start()

	destA := Eid{NodeId: 1}
	destB := Eid{NodeId: 2}
	bundleA := pushTestBundle(t, e, destA, PriorityNormal, 500, 48, 1)
	bundleB := pushTestBundle(t, e, destB, PriorityExpedited, 200, 48, 0)

	e.Stop()
	require.NoError(t, store.Close())

	store2, err := NewSegmentStore(fs, disks, segSize, true, false)
	require.NoError(t, err)
	e2 := NewEngine(store2, EngineConfig{Disks: disks, SegmentSize: segSize, RingCapacityPerDisk: 8, ReadAheadSegmentsPerRead: 4}, discardLogger())

	scanner := NewRestoreScanner(testParsePrimary)
	stats, err := scanner.Restore(e2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalBundlesRestored)

	e2.Start()
	defer e2.Stop()

	rsB := e2.PopTop([]Eid{destB})
	require.NotNil(t, rsB, "expedited priority must be restored ahead of normal")
	outB := make([]byte, rsB.BundleBytes())
	n, err := rsB.ReadAllSegments(outB)
	require.NoError(t, err)
	assert.Equal(t, bundleB, outB[:n])

	rsA := e2.PopTop([]Eid{destA})
	require.NotNil(t, rsA)
	outA := make([]byte, rsA.BundleBytes())
	n, err = rsA.ReadAllSegments(outA)
	require.NoError(t, err)
	assert.Equal(t, bundleA, outA[:n])
}

func TestEngineForcedDeletionThenRestartLeavesNoGhostBundle(t *testing.T) {
	fs := afero.NewMemMapFs()
	disks := []DiskConfig{{Path: "d0.bin", SegmentsPerDisk: 16}}
	const segSize = 64

	store, err := NewSegmentStore(fs, disks, segSize, false, false)
	require.NoError(t, err)
	e := NewEngine(store, EngineConfig{Disks: disks, SegmentSize: segSize, RingCapacityPerDisk: 8, ReadAheadSegmentsPerRead: 4}, discardLogger())
	e.Start()

	dest := Eid{NodeId: 9}
	pushTestBundle(t, e, dest, PriorityNormal, 10, 48, 1)

	rs := e.PopTop([]Eid{dest})
	require.NotNil(t, rs)
	require.NoError(t, rs.RemoveReadBundleFromDisk(e.Allocator(), true))

	e.Stop()
	require.NoError(t, store.Close())

	store2, err := NewSegmentStore(fs, disks, segSize, true, false)
	require.NoError(t, err)
	e2 := NewEngine(store2, EngineConfig{Disks: disks, SegmentSize: segSize, RingCapacityPerDisk: 8, ReadAheadSegmentsPerRead: 4}, discardLogger())

	scanner := NewRestoreScanner(testParsePrimary)
	stats, err := scanner.Restore(e2)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalBundlesRestored, "a destroyed head must not resurface on restore")
}

package bundlestore

import (
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEgressSink struct {
	mu  sync.Mutex
	got []ToEgressHdr
	buf [][]byte
}

func (f *fakeEgressSink) SendToEgress(hdr ToEgressHdr, bundleBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, hdr)
	cp := append([]byte(nil), bundleBytes...)
	f.buf = append(f.buf, cp)
	return nil
}

func (f *fakeEgressSink) last() (ToEgressHdr, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1], f.buf[len(f.buf)-1]
}

func (f *fakeEgressSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type fakeACSEmitter struct {
	emitted []struct {
		dest  Eid
		count int
	}
}

func (f *fakeACSEmitter) EmitACS(dest Eid, acknowledgedCount int) (PrimaryMeta, []byte, bool) {
	f.emitted = append(f.emitted, struct {
		dest  Eid
		count int
	}{dest, acknowledgedCount})
	payload := make([]byte, testPrimaryHeaderSize)
	putTestPrimary(payload, dest, PriorityExpedited, 999)
	return PrimaryMeta{DestEid: dest, PriorityIndex: PriorityExpedited, AbsExpiration: 999, BundleBytes: uint64(len(payload))}, payload, true
}

func newTestRouter(t *testing.T, cfg RouterConfig) (*StorageRouter, *Engine) {
	t.Helper()
	fs := afero.NewMemMapFs()
	disks := []DiskConfig{{Path: "d0.bin", SegmentsPerDisk: 32}}
	const segSize = 64
	store, err := NewSegmentStore(fs, disks, segSize, false, false)
	require.NoError(t, err)
	e := NewEngine(store, EngineConfig{Disks: disks, SegmentSize: segSize, RingCapacityPerDisk: 8, ReadAheadSegmentsPerRead: 4}, discardLogger())
	e.Start()
	t.Cleanup(e.Stop)

	if cfg.ParsePrimary == nil {
		cfg.ParsePrimary = testParsePrimary
	}
	r := NewStorageRouter(e, cfg, discardLogger())
	return r, e
}

func buildStoreMessage(e *Engine, dest Eid, priority int, absExpiration uint64, extraSegments int) []byte {
	payload := int(e.payloadPerSegment())
	bundle := make([]byte, payload+extraSegments*payload)
	putTestPrimary(bundle, dest, priority, absExpiration)
	for i := testPrimaryHeaderSize; i < len(bundle); i++ {
		bundle[i] = byte(i)
	}
	return bundle
}

func TestStorageRouterStoreThenReleaseDeliversToEgress(t *testing.T) {
	egress := &fakeEgressSink{}
	r, e := newTestRouter(t, RouterConfig{Egress: egress, AdmissionCap: 5})
	dest := Eid{NodeId: 55}

	bundle := buildStoreMessage(e, dest, PriorityNormal, 100, 1)
	ack, err := r.HandleStore(ToStorageHdr{IngressUniqueId: 1}, bundle, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, ack.Error)
	assert.Equal(t, dest, ack.FinalDestEid)

	require.NoError(t, r.HandleReleaseStart(dest))
	require.Equal(t, 1, egress.count())

	hdr, got := egress.last()
	assert.Equal(t, dest, hdr.FinalDestEid)
	assert.False(t, hdr.HasCustody)
	assert.Equal(t, bundle, got)
}

func TestStorageRouterCustodyReleaseRespectsAdmissionCapAndEgressAckAdmitsNext(t *testing.T) {
	egress := &fakeEgressSink{}
	r, e := newTestRouter(t, RouterConfig{Egress: egress, AdmissionCap: 1})
	dest := Eid{NodeId: 10}

	b1 := buildStoreMessage(e, dest, PriorityNormal, 10, 0)
	_, err := r.HandleStore(ToStorageHdr{IngressUniqueId: 1}, b1, 7, true)
	require.NoError(t, err)
	b2 := buildStoreMessage(e, dest, PriorityNormal, 20, 0)
	_, err = r.HandleStore(ToStorageHdr{IngressUniqueId: 2}, b2, 7, true)
	require.NoError(t, err)

	require.NoError(t, r.HandleReleaseStart(dest))
	assert.Equal(t, 1, egress.count(), "admission cap of 1 must stop the second custodial bundle from releasing")

	hdr, _ := egress.last()
	require.NoError(t, r.HandleEgressAck(EgressAckHdr{FinalDestEid: dest, CustodyId: hdr.CustodyId, DeleteNow: false}))

	require.NoError(t, r.drainReleased(dest))
	assert.Equal(t, 2, egress.count(), "acking the first release must admit the second")
}

func TestStorageRouterEgressAckDeleteNowFreesChain(t *testing.T) {
	egress := &fakeEgressSink{}
	r, e := newTestRouter(t, RouterConfig{Egress: egress, AdmissionCap: 5})
	dest := Eid{NodeId: 3}

	bundle := buildStoreMessage(e, dest, PriorityBulk, 5, 0)
	_, err := r.HandleStore(ToStorageHdr{IngressUniqueId: 1}, bundle, 0, false)
	require.NoError(t, err)

	before := e.Allocator().FreeCount()
	require.NoError(t, r.HandleReleaseStart(dest))
	hdr, _ := egress.last()

	require.NoError(t, r.HandleEgressAck(EgressAckHdr{FinalDestEid: dest, CustodyId: hdr.CustodyId, DeleteNow: true}))
	assert.Greater(t, e.Allocator().FreeCount(), before, "DeleteNow must free the chain back to the allocator")
}

func TestStorageRouterReleaseStopHaltsDraining(t *testing.T) {
	egress := &fakeEgressSink{}
	r, e := newTestRouter(t, RouterConfig{Egress: egress, AdmissionCap: 5})
	dest := Eid{NodeId: 4}

	bundle := buildStoreMessage(e, dest, PriorityNormal, 5, 0)
	_, err := r.HandleStore(ToStorageHdr{IngressUniqueId: 1}, bundle, 0, false)
	require.NoError(t, err)

	r.HandleReleaseStop(dest) // never started
	require.NoError(t, r.drainReleased(dest))
	assert.Equal(t, 0, egress.count(), "a destination that was never (or no longer) released must not drain")
}

func TestStorageRouterACSTimerEmitsAfterAcks(t *testing.T) {
	egress := &fakeEgressSink{}
	emitter := &fakeACSEmitter{}
	r, e := newTestRouter(t, RouterConfig{Egress: egress, ACSEmitter: emitter, AdmissionCap: 5, ACSFillThreshold: 100})
	dest := Eid{NodeId: 6}

	bundle := buildStoreMessage(e, dest, PriorityNormal, 5, 0)
	_, err := r.HandleStore(ToStorageHdr{IngressUniqueId: 1}, bundle, 9, true)
	require.NoError(t, err)

	require.NoError(t, r.HandleReleaseStart(dest))
	hdr, _ := egress.last()
	require.NoError(t, r.HandleEgressAck(EgressAckHdr{FinalDestEid: dest, CustodyId: hdr.CustodyId, DeleteNow: false}))

	r.HandleACSTimer()
	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, dest, emitter.emitted[0].dest)
}

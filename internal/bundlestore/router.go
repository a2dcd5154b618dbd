package bundlestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CustodyLedger is the subset of *ledger.Ledger that StorageRouter needs.
// It is an interface here (rather than a direct dependency on the
// ledger package) so router tests can run without sqlite, and so a
// deployment can leave it nil when ledger persistence is disabled.
type CustodyLedger interface {
	RecordIssue(ctx context.Context, nextHopNodeId, custodyId uint64, issuedAtUnix int64) error
	RecordRelease(ctx context.Context, destNodeId, destServiceId, custodyId, headSegmentId uint64, releasedAtUnix int64) error
	RecordAck(ctx context.Context, destNodeId, destServiceId, custodyId uint64, ackedAtUnix int64) error
}

// EgressSink delivers a released bundle to the egress side. The wire
// format it carries the bundle over is out of scope (§1); StorageRouter
// only needs something it can hand a header and payload to.
type EgressSink interface {
	SendToEgress(hdr ToEgressHdr, bundleBytes []byte) error
}

// ACSEmitter produces Aggregate Custody Signal bundles on behalf of the
// custody manager (§4.7's "ACS timer"). EmitACS is called once per
// destination with outstanding acknowledgements to fold into a signal;
// ok=false means there is nothing to emit yet.
type ACSEmitter interface {
	EmitACS(dest Eid, acknowledgedCount int) (meta PrimaryMeta, bundleBytes []byte, ok bool)
}

type custodyKey struct {
	dest      Eid
	custodyId uint64
}

// StorageRouter is the external-interface layer of §4.7: it decodes the
// three control message kinds plus the ACS timer and drives Engine,
// CustodyIdAllocator, and CustodyBookkeeping accordingly. It owns the
// catalog's only writer thread contract (§5): callers must serialize
// their calls into a StorageRouter (one goroutine), matching "Catalog:
// mutated only by the router thread".
type StorageRouter struct {
	engine       *Engine
	custodyIds   *CustodyIdAllocator
	bookkeeping  *CustodyBookkeeping
	parsePrimary PrimaryParser
	acsEmitter   ACSEmitter
	egress       EgressSink
	ledger       CustodyLedger
	logger       *slog.Logger

	mu           sync.Mutex
	released     map[Eid]bool
	inFlight     map[custodyKey]*ReadSession
	ackFillCount map[Eid]int

	acsFillThreshold int
}

// RouterConfig gathers StorageRouter's construction-time collaborators
// and tuning knobs.
type RouterConfig struct {
	ParsePrimary     PrimaryParser
	ACSEmitter       ACSEmitter
	Egress           EgressSink
	Ledger           CustodyLedger
	AdmissionCap     int
	ACSFillThreshold int
}

// NewStorageRouter constructs a router bound to engine. admissionCap and
// acsFillThreshold come from RouterConfig, not compile-time constants
// (design note (c)). The admission cap can later be changed at runtime
// through SetAdmissionCap; acsFillThreshold is fixed for the router's
// lifetime.
func NewStorageRouter(engine *Engine, cfg RouterConfig, logger *slog.Logger) *StorageRouter {
	cap := cfg.AdmissionCap
	if cap <= 0 {
		cap = 5
	}
	return &StorageRouter{
		engine:           engine,
		custodyIds:       NewCustodyIdAllocator(),
		bookkeeping:      NewCustodyBookkeeping(cap),
		parsePrimary:     cfg.ParsePrimary,
		acsEmitter:       cfg.ACSEmitter,
		egress:           cfg.Egress,
		ledger:           cfg.Ledger,
		logger:           logger,
		released:         make(map[Eid]bool),
		inFlight:         make(map[custodyKey]*ReadSession),
		ackFillCount:     make(map[Eid]int),
		acsFillThreshold: cfg.ACSFillThreshold,
	}
}

// HandleStore decodes a STORE message, pushes the bundle into storage,
// optionally requesting custody toward nextHopNodeId, and returns the
// StorageAckHdr to send back to ingress.
func (r *StorageRouter) HandleStore(hdr ToStorageHdr, bundleBytes []byte, nextHopNodeId uint64, requestsCustody bool) (StorageAckHdr, error) {
	traceId := uuid.NewString()

	meta, err := r.parsePrimary(bundleBytes)
	if err != nil {
		r.logger.Error("bundlestore: failed to parse primary block on STORE", "traceId", traceId, "ingressUniqueId", hdr.IngressUniqueId, "err", err)
		return StorageAckHdr{Type: MsgStorageAck, IngressUniqueId: hdr.IngressUniqueId, Error: 1}, nil
	}
	meta.BundleBytes = uint64(len(bundleBytes))

	var custodyId uint64
	if requestsCustody {
		custodyId = r.custodyIds.NextCustodyIdForNextHopCteb(nextHopNodeId)
		if r.ledger != nil {
			if err := r.ledger.RecordIssue(context.Background(), nextHopNodeId, custodyId, time.Now().Unix()); err != nil {
				r.logger.Warn("bundlestore: ledger record issue failed", "traceId", traceId, "err", err)
			}
		}
	}

	if err := r.pushBundle(meta, bundleBytes, custodyId, requestsCustody); err != nil {
		r.logger.Error("bundlestore: STORE push failed", "traceId", traceId, "destEid", meta.DestEid, "ingressUniqueId", hdr.IngressUniqueId, "err", err)
		return StorageAckHdr{Type: MsgStorageAck, FinalDestEid: meta.DestEid, IngressUniqueId: hdr.IngressUniqueId, Error: 1}, nil
	}

	r.logger.Debug("bundlestore: STORE committed", "traceId", traceId, "destEid", meta.DestEid, "ingressUniqueId", hdr.IngressUniqueId, "bundleBytes", meta.BundleBytes)
	return StorageAckHdr{Type: MsgStorageAck, FinalDestEid: meta.DestEid, IngressUniqueId: hdr.IngressUniqueId, Error: 0}, nil
}

// pushBundle splits bundleBytes across a fresh WriteSession's chain and
// commits it. Shared by HandleStore and the ACS timer path.
func (r *StorageRouter) pushBundle(meta PrimaryMeta, bundleBytes []byte, custodyId uint64, hasCustody bool) error {
	ws := r.engine.NewWriteSession()
	total, err := ws.Push(r.engine.Allocator(), meta)
	if err != nil {
		return err
	}
	if hasCustody {
		ws.SetCustody(custodyId)
	}
	payload := r.engine.payloadPerSegment()
	for i := 0; i < total; i++ {
		start := uint64(i) * uint64(payload)
		end := start + uint64(payload)
		if end > uint64(len(bundleBytes)) {
			end = uint64(len(bundleBytes))
		}
		if err := ws.PushSegment(bundleBytes[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// HandleEgressAck looks up the outstanding release for
// (finalDestEid, custodyId) and either destroys the on-disk bundle
// immediately (deleteNow, i.e. no custody was requested) or just retires
// it from the outstanding-custody set, per §4.7.
func (r *StorageRouter) HandleEgressAck(hdr EgressAckHdr) error {
	key := custodyKey{dest: hdr.FinalDestEid, custodyId: hdr.CustodyId}
	r.mu.Lock()
	rs, ok := r.inFlight[key]
	if ok {
		delete(r.inFlight, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("bundlestore: EgressAck for unknown release (dest=%v custodyId=%d)", hdr.FinalDestEid, hdr.CustodyId)
	}

	entry := rs.CatalogEntry()
	if entry.HasCustody {
		r.bookkeeping.MarkAcked(hdr.FinalDestEid, hdr.CustodyId)
		if r.ledger != nil {
			if err := r.ledger.RecordAck(context.Background(), hdr.FinalDestEid.NodeId, hdr.FinalDestEid.ServiceId, hdr.CustodyId, time.Now().Unix()); err != nil {
				r.logger.Warn("bundlestore: ledger record ack failed", "destEid", hdr.FinalDestEid, "err", err)
			}
		}
		r.mu.Lock()
		r.ackFillCount[hdr.FinalDestEid]++
		fillCount := r.ackFillCount[hdr.FinalDestEid]
		r.mu.Unlock()
		if r.acsFillThreshold > 0 && fillCount >= r.acsFillThreshold {
			r.emitACSFor(hdr.FinalDestEid)
		}
	}

	if hdr.DeleteNow {
		return rs.RemoveReadBundleFromDisk(r.engine.Allocator(), true)
	}
	return nil
}

// HandleReleaseStart admits dest into the released set and immediately
// tries to drain eligible bundles for it.
func (r *StorageRouter) HandleReleaseStart(dest Eid) error {
	r.mu.Lock()
	r.released[dest] = true
	r.mu.Unlock()
	return r.drainReleased(dest)
}

// HandleReleaseStop removes dest from the released set. Bundles already
// streamed to egress are unaffected.
func (r *StorageRouter) HandleReleaseStop(dest Eid) {
	r.mu.Lock()
	delete(r.released, dest)
	r.mu.Unlock()
}

// SetAdmissionCap changes the per-destination custody admission cap
// applied by drainReleased from this point on (§4.8: Custody.AdmissionCap
// is one of the two fields safe to change without a restart).
func (r *StorageRouter) SetAdmissionCap(cap int) {
	r.bookkeeping.SetAdmissionCap(cap)
}

func (r *StorageRouter) isReleased(dest Eid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released[dest]
}

// drainReleased streams eligible bundles for dest to egress until the
// catalog has nothing more for it or the custody admission cap is
// reached.
func (r *StorageRouter) drainReleased(dest Eid) error {
	for r.isReleased(dest) {
		if err := r.bookkeeping.CanRelease(dest); err != nil {
			if errors.Is(err, ErrAdmissionCapReached) {
				return nil
			}
			return err
		}
		rs := r.engine.PopTop([]Eid{dest})
		if rs == nil {
			return nil
		}
		entry := rs.CatalogEntry()

		if entry.HasCustody {
			if err := r.bookkeeping.MarkReleased(dest, entry.CustodyIdAtThisHop); err != nil {
				rs.ReturnTop(r.engine.Catalog())
				if errors.Is(err, ErrAdmissionCapReached) {
					return nil
				}
				return err
			}
		}

		buf := make([]byte, entry.BundleBytes)
		n, err := rs.ReadAllSegments(buf)
		if err != nil {
			r.logger.Error("bundlestore: dropping corrupt bundle on release", "destEid", dest, "headSegment", entry.SegmentChain[0], "err", err)
			if rmErr := rs.RemoveReadBundleFromDisk(r.engine.Allocator(), true); rmErr != nil {
				return rmErr
			}
			continue
		}

		egressHdr := ToEgressHdr{
			Type:         MsgEgress,
			FinalDestEid: dest,
			HasCustody:   entry.HasCustody,
			CustodyId:    entry.CustodyIdAtThisHop,
		}
		if err := r.egress.SendToEgress(egressHdr, buf[:n]); err != nil {
			r.logger.Error("bundlestore: egress send failed", "destEid", dest, "err", err)
			return err
		}

		key := custodyKey{dest: dest, custodyId: entry.CustodyIdAtThisHop}
		r.mu.Lock()
		r.inFlight[key] = rs
		r.mu.Unlock()

		if entry.HasCustody && r.ledger != nil {
			headSegmentId := uint64(entry.SegmentChain[0])
			if err := r.ledger.RecordRelease(context.Background(), dest.NodeId, dest.ServiceId, entry.CustodyIdAtThisHop, headSegmentId, time.Now().Unix()); err != nil {
				r.logger.Warn("bundlestore: ledger record release failed", "destEid", dest, "err", err)
			}
		}
	}
	return nil
}

// HandleACSTimer is driven by an external ~1s ticker (§4.7); it asks the
// custody manager to emit an Aggregate Custody Signal for every
// destination with pending acknowledgements, regardless of whether the
// fill threshold was already hit inline by HandleEgressAck.
func (r *StorageRouter) HandleACSTimer() {
	r.mu.Lock()
	dests := make([]Eid, 0, len(r.ackFillCount))
	for d, n := range r.ackFillCount {
		if n > 0 {
			dests = append(dests, d)
		}
	}
	r.mu.Unlock()
	for _, d := range dests {
		r.emitACSFor(d)
	}
}

func (r *StorageRouter) emitACSFor(dest Eid) {
	r.mu.Lock()
	count := r.ackFillCount[dest]
	r.mu.Unlock()
	if count == 0 || r.acsEmitter == nil {
		return
	}
	meta, bundleBytes, ok := r.acsEmitter.EmitACS(dest, count)
	if !ok {
		return
	}
	if err := r.pushBundle(meta, bundleBytes, 0, false); err != nil {
		r.logger.Error("bundlestore: failed to push ACS bundle", "destEid", dest, "err", err)
		return
	}
	r.mu.Lock()
	r.ackFillCount[dest] = 0
	r.mu.Unlock()
}

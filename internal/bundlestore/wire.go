package bundlestore

import (
	"encoding/binary"
	"fmt"
)

// MsgType tags every router control message (§6). All messages are
// binary, self-delimiting, and little-endian; the message fabric itself
// (how these bytes travel between ingress/storage/egress processes) is
// out of scope (§1) — wire.go only (de)serializes the header structs a
// caller hands to StorageRouter over whatever transport it already has.
type MsgType uint8

const (
	MsgStore      MsgType = iota // STORE
	MsgEgressAck                 // EGRESS_ACK
	MsgIrelStart                 // IRELSTART
	MsgIrelStop                  // IRELSTOP
	MsgStorageAck                // STORAGE_ACK
	MsgEgress                    // EGRESS
)

const eidSize = 16 // two little-endian u64s

func putEid(buf []byte, e Eid) {
	binary.LittleEndian.PutUint64(buf[0:8], e.NodeId)
	binary.LittleEndian.PutUint64(buf[8:16], e.ServiceId)
}

func getEid(buf []byte) Eid {
	return Eid{
		NodeId:    binary.LittleEndian.Uint64(buf[0:8]),
		ServiceId: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// ToStorageHdr precedes an ingress STORE; bundleBytes follow immediately
// after the header in the same message.
type ToStorageHdr struct {
	Type           MsgType
	IngressUniqueId uint64
}

const toStorageHdrSize = 1 + 8

func (h ToStorageHdr) Marshal() []byte {
	buf := make([]byte, toStorageHdrSize)
	buf[0] = byte(MsgStore)
	binary.LittleEndian.PutUint64(buf[1:9], h.IngressUniqueId)
	return buf
}

func UnmarshalToStorageHdr(buf []byte) (ToStorageHdr, error) {
	if len(buf) < toStorageHdrSize {
		return ToStorageHdr{}, fmt.Errorf("bundlestore: ToStorageHdr buffer too short (%d < %d)", len(buf), toStorageHdrSize)
	}
	if MsgType(buf[0]) != MsgStore {
		return ToStorageHdr{}, fmt.Errorf("bundlestore: ToStorageHdr type mismatch: %d", buf[0])
	}
	return ToStorageHdr{
		Type:            MsgStore,
		IngressUniqueId: binary.LittleEndian.Uint64(buf[1:9]),
	}, nil
}

// EgressAckHdr reports back from egress that a bundle either needs no
// custody handling (DeleteNow) or has been handed off.
type EgressAckHdr struct {
	Type          MsgType
	FinalDestEid  Eid
	CustodyId     uint64
	DeleteNow     bool
}

const egressAckHdrSize = 1 + eidSize + 8 + 1

func (h EgressAckHdr) Marshal() []byte {
	buf := make([]byte, egressAckHdrSize)
	buf[0] = byte(MsgEgressAck)
	putEid(buf[1:1+eidSize], h.FinalDestEid)
	binary.LittleEndian.PutUint64(buf[1+eidSize:1+eidSize+8], h.CustodyId)
	if h.DeleteNow {
		buf[1+eidSize+8] = 1
	}
	return buf
}

func UnmarshalEgressAckHdr(buf []byte) (EgressAckHdr, error) {
	if len(buf) < egressAckHdrSize {
		return EgressAckHdr{}, fmt.Errorf("bundlestore: EgressAckHdr buffer too short (%d < %d)", len(buf), egressAckHdrSize)
	}
	if MsgType(buf[0]) != MsgEgressAck {
		return EgressAckHdr{}, fmt.Errorf("bundlestore: EgressAckHdr type mismatch: %d", buf[0])
	}
	return EgressAckHdr{
		Type:         MsgEgressAck,
		FinalDestEid: getEid(buf[1 : 1+eidSize]),
		CustodyId:    binary.LittleEndian.Uint64(buf[1+eidSize : 1+eidSize+8]),
		DeleteNow:    buf[1+eidSize+8] != 0,
	}, nil
}

// IreleaseStartHdr toggles a destination into the released set.
type IreleaseStartHdr struct {
	Type         MsgType
	FinalDestEid Eid
}

const irelStartStopHdrSize = 1 + eidSize

func (h IreleaseStartHdr) Marshal() []byte {
	buf := make([]byte, irelStartStopHdrSize)
	buf[0] = byte(MsgIrelStart)
	putEid(buf[1:], h.FinalDestEid)
	return buf
}

func UnmarshalIreleaseStartHdr(buf []byte) (IreleaseStartHdr, error) {
	if len(buf) < irelStartStopHdrSize {
		return IreleaseStartHdr{}, fmt.Errorf("bundlestore: IreleaseStartHdr buffer too short (%d < %d)", len(buf), irelStartStopHdrSize)
	}
	if MsgType(buf[0]) != MsgIrelStart {
		return IreleaseStartHdr{}, fmt.Errorf("bundlestore: IreleaseStartHdr type mismatch: %d", buf[0])
	}
	return IreleaseStartHdr{Type: MsgIrelStart, FinalDestEid: getEid(buf[1:])}, nil
}

// IreleaseStopHdr toggles a destination out of the released set.
type IreleaseStopHdr struct {
	Type         MsgType
	FinalDestEid Eid
}

func (h IreleaseStopHdr) Marshal() []byte {
	buf := make([]byte, irelStartStopHdrSize)
	buf[0] = byte(MsgIrelStop)
	putEid(buf[1:], h.FinalDestEid)
	return buf
}

func UnmarshalIreleaseStopHdr(buf []byte) (IreleaseStopHdr, error) {
	if len(buf) < irelStartStopHdrSize {
		return IreleaseStopHdr{}, fmt.Errorf("bundlestore: IreleaseStopHdr buffer too short (%d < %d)", len(buf), irelStartStopHdrSize)
	}
	if MsgType(buf[0]) != MsgIrelStop {
		return IreleaseStopHdr{}, fmt.Errorf("bundlestore: IreleaseStopHdr type mismatch: %d", buf[0])
	}
	return IreleaseStopHdr{Type: MsgIrelStop, FinalDestEid: getEid(buf[1:])}, nil
}

// StorageAckHdr replies to a STORE, positive (Error=0) or negative.
type StorageAckHdr struct {
	Type            MsgType
	FinalDestEid    Eid
	IngressUniqueId uint64
	Error           uint8
}

const storageAckHdrSize = 1 + eidSize + 8 + 1

func (h StorageAckHdr) Marshal() []byte {
	buf := make([]byte, storageAckHdrSize)
	buf[0] = byte(MsgStorageAck)
	putEid(buf[1:1+eidSize], h.FinalDestEid)
	binary.LittleEndian.PutUint64(buf[1+eidSize:1+eidSize+8], h.IngressUniqueId)
	buf[1+eidSize+8] = h.Error
	return buf
}

func UnmarshalStorageAckHdr(buf []byte) (StorageAckHdr, error) {
	if len(buf) < storageAckHdrSize {
		return StorageAckHdr{}, fmt.Errorf("bundlestore: StorageAckHdr buffer too short (%d < %d)", len(buf), storageAckHdrSize)
	}
	if MsgType(buf[0]) != MsgStorageAck {
		return StorageAckHdr{}, fmt.Errorf("bundlestore: StorageAckHdr type mismatch: %d", buf[0])
	}
	return StorageAckHdr{
		Type:            MsgStorageAck,
		FinalDestEid:    getEid(buf[1 : 1+eidSize]),
		IngressUniqueId: binary.LittleEndian.Uint64(buf[1+eidSize : 1+eidSize+8]),
		Error:           buf[1+eidSize+8],
	}, nil
}

// ToEgressHdr precedes a release; bundleBytes follow immediately after
// the header in the same message.
type ToEgressHdr struct {
	Type                    MsgType
	FinalDestEid            Eid
	HasCustody              bool
	IsCutThroughFromIngress bool
	CustodyId               uint64
}

const toEgressHdrSize = 1 + eidSize + 1 + 1 + 8

func (h ToEgressHdr) Marshal() []byte {
	buf := make([]byte, toEgressHdrSize)
	buf[0] = byte(MsgEgress)
	putEid(buf[1:1+eidSize], h.FinalDestEid)
	off := 1 + eidSize
	if h.HasCustody {
		buf[off] = 1
	}
	if h.IsCutThroughFromIngress {
		buf[off+1] = 1
	}
	binary.LittleEndian.PutUint64(buf[off+2:off+10], h.CustodyId)
	return buf
}

func UnmarshalToEgressHdr(buf []byte) (ToEgressHdr, error) {
	if len(buf) < toEgressHdrSize {
		return ToEgressHdr{}, fmt.Errorf("bundlestore: ToEgressHdr buffer too short (%d < %d)", len(buf), toEgressHdrSize)
	}
	if MsgType(buf[0]) != MsgEgress {
		return ToEgressHdr{}, fmt.Errorf("bundlestore: ToEgressHdr type mismatch: %d", buf[0])
	}
	off := 1 + eidSize
	return ToEgressHdr{
		Type:                    MsgEgress,
		FinalDestEid:            getEid(buf[1 : 1+eidSize]),
		HasCustody:              buf[off] != 0,
		IsCutThroughFromIngress: buf[off+1] != 0,
		CustodyId:               binary.LittleEndian.Uint64(buf[off+2 : off+10]),
	}, nil
}

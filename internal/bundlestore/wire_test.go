package bundlestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireHeadersRoundTrip(t *testing.T) {
	dest := Eid{NodeId: 42, ServiceId: 7}

	t.Run("ToStorageHdr", func(t *testing.T) {
		h := ToStorageHdr{IngressUniqueId: 123}
		got, err := UnmarshalToStorageHdr(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h.IngressUniqueId, got.IngressUniqueId)
	})

	t.Run("EgressAckHdr", func(t *testing.T) {
		h := EgressAckHdr{Type: MsgEgressAck, FinalDestEid: dest, CustodyId: 9, DeleteNow: true}
		got, err := UnmarshalEgressAckHdr(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})

	t.Run("IreleaseStartHdr", func(t *testing.T) {
		h := IreleaseStartHdr{Type: MsgIrelStart, FinalDestEid: dest}
		got, err := UnmarshalIreleaseStartHdr(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})

	t.Run("IreleaseStopHdr", func(t *testing.T) {
		h := IreleaseStopHdr{Type: MsgIrelStop, FinalDestEid: dest}
		got, err := UnmarshalIreleaseStopHdr(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})

	t.Run("StorageAckHdr", func(t *testing.T) {
		h := StorageAckHdr{Type: MsgStorageAck, FinalDestEid: dest, IngressUniqueId: 5, Error: 1}
		got, err := UnmarshalStorageAckHdr(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})

	t.Run("ToEgressHdr", func(t *testing.T) {
		h := ToEgressHdr{Type: MsgEgress, FinalDestEid: dest, HasCustody: true, CustodyId: 77}
		got, err := UnmarshalToEgressHdr(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})
}

func TestWireHeadersRejectWrongType(t *testing.T) {
	h := ToStorageHdr{IngressUniqueId: 1}
	buf := h.Marshal()
	_, err := UnmarshalEgressAckHdr(buf)
	assert.Error(t, err)
}

func TestWireHeadersRejectShortBuffer(t *testing.T) {
	_, err := UnmarshalToEgressHdr([]byte{byte(MsgEgress)})
	assert.Error(t, err)
}

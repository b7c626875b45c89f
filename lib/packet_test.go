package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Flags:  FlagACK | FlagVER | FlagFRAG,
		HLen:   (FixedHdrLen + 8) / 2,
		Src:    12345,
		Dst:    54321,
		DLen:   1000,
		Seq:    0xFFFFFFF0,
		Ack:    0x80000001,
		TTL:    5000,
		SOM:    0xFFFFFFEE,
		FCnt:   3,
		Window: 17,
	}

	buf := make([]byte, FixedHdrLen)
	require.NoError(t, in.Marshal(buf))

	var out Header
	require.NoError(t, out.Unmarshal(buf))
	assert.Equal(t, in, out)
}

func TestSynSegmentRoundTrip(t *testing.T) {
	in := SynSegment{
		Flags:   FlagSYN | FlagACK | FlagVER,
		HLen:    SynHdrLen / 2,
		Src:     7,
		Dst:     9,
		DLen:    64,
		Seq:     0x01020304,
		Ack:     0x0A0B0C0D,
		Window:  4,
		SegMax:  4,
		SegBMax: 1024,
		Options: OptionSDM,
	}

	buf := make([]byte, SynHdrLen)
	require.NoError(t, in.Marshal(buf))

	var out SynSegment
	require.NoError(t, out.Unmarshal(buf))
	assert.Equal(t, in, out)
}

func TestMarshalShortBuffer(t *testing.T) {
	var h Header
	assert.Error(t, h.Marshal(make([]byte, FixedHdrLen-1)))
	assert.Error(t, h.Unmarshal(make([]byte, FixedHdrLen-1)))

	var s SynSegment
	assert.Error(t, s.Marshal(make([]byte, SynHdrLen-1)))
	assert.Error(t, s.Unmarshal(make([]byte, SynHdrLen-1)))
}

func TestHeaderAccessors(t *testing.T) {
	in := Header{
		Flags: FlagACK | FlagVER | FlagFRAG,
		DLen:  321,
		Seq:   1234567,
		SOM:   1234560,
		FCnt:  8,
	}
	buf := make([]byte, FixedHdrLen)
	require.NoError(t, in.Marshal(buf))

	assert.Equal(t, in.Flags, hdrFlags(buf))
	assert.Equal(t, in.Seq, hdrSeq(buf))
	assert.Equal(t, in.DLen, hdrDLen(buf))
	assert.Equal(t, in.SOM, hdrSOM(buf))
	assert.Equal(t, in.FCnt, hdrFCnt(buf))

	hdrSetAck(buf, 999)
	hdrSetWindow(buf, 5)
	hdrSetFlags(buf, FlagACK)
	var out Header
	require.NoError(t, out.Unmarshal(buf))
	assert.Equal(t, uint32(999), out.Ack)
	assert.Equal(t, uint16(5), out.Window)
	assert.Equal(t, FlagACK, out.Flags)
}

func TestProtocolDemux(t *testing.T) {
	h := Header{Src: 111, Dst: 222}
	buf := make([]byte, FixedHdrLen)
	require.NoError(t, h.Marshal(buf))

	local, foreign, err := protocolDemux(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(222), local)
	assert.Equal(t, uint16(111), foreign)

	_, _, err = protocolDemux(buf[:4])
	assert.Error(t, err)
}

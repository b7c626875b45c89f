package lib

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed part of an ARDP segment header. The EACK bitmask
// words, when present, follow it on the wire; they are kept on the
// connection, not here.
type Header struct {
	Flags  uint8  // control flags
	HLen   uint8  // header length in units of two octets
	Src    uint16 // local ARDP port of the sender
	Dst    uint16 // ARDP port of the destination
	DLen   uint16 // length of the data, header not included
	Seq    uint32 // sequence number of this segment
	Ack    uint32 // last segment received correctly and in sequence
	TTL    uint32 // time-to-live in milliseconds, 0 means forever
	SOM    uint32 // start sequence number of a fragmented message
	FCnt   uint16 // number of fragments comprising the message
	Window uint16 // current receive window in segments
}

// Marshal writes the fixed header into buf in network byte order.
func (h *Header) Marshal(buf []byte) error {
	if len(buf) < FixedHdrLen {
		return fmt.Errorf("header marshal: buffer size (%d) is too small to hold the header", len(buf))
	}
	buf[0] = h.Flags
	buf[1] = h.HLen
	binary.BigEndian.PutUint16(buf[2:4], h.Src)
	binary.BigEndian.PutUint16(buf[4:6], h.Dst)
	binary.BigEndian.PutUint16(buf[6:8], h.DLen)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], h.Ack)
	binary.BigEndian.PutUint32(buf[16:20], h.TTL)
	binary.BigEndian.PutUint32(buf[20:24], h.SOM)
	binary.BigEndian.PutUint16(buf[24:26], h.FCnt)
	binary.BigEndian.PutUint16(buf[26:28], h.Window)
	return nil
}

// Unmarshal reads the fixed header from data.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < FixedHdrLen {
		return fmt.Errorf("header unmarshal: the length(%d) of data is too short", len(data))
	}
	h.Flags = data[0]
	h.HLen = data[1]
	h.Src = binary.BigEndian.Uint16(data[2:4])
	h.Dst = binary.BigEndian.Uint16(data[4:6])
	h.DLen = binary.BigEndian.Uint16(data[6:8])
	h.Seq = binary.BigEndian.Uint32(data[8:12])
	h.Ack = binary.BigEndian.Uint32(data[12:16])
	h.TTL = binary.BigEndian.Uint32(data[16:20])
	h.SOM = binary.BigEndian.Uint32(data[20:24])
	h.FCnt = binary.BigEndian.Uint16(data[24:26])
	h.Window = binary.BigEndian.Uint16(data[26:28])
	return nil
}

// SynSegment is the wire format of a SYN. The connection parameters take
// the place of the TTL/SOM/FCNT suffix of the regular header.
type SynSegment struct {
	Flags   uint8
	HLen    uint8
	Src     uint16
	Dst     uint16
	DLen    uint16
	Seq     uint32
	Ack     uint32
	Window  uint32 // current receive window
	TTL     uint16
	SegMax  uint16 // max outstanding segments the sender can buffer
	SegBMax uint16 // max segment size the sender is willing to receive
	Options uint16 // always includes sequenced delivery mode
}

// Marshal writes the SYN segment header into buf in network byte order.
func (s *SynSegment) Marshal(buf []byte) error {
	if len(buf) < SynHdrLen {
		return fmt.Errorf("syn marshal: buffer size (%d) is too small to hold the header", len(buf))
	}
	buf[0] = s.Flags
	buf[1] = s.HLen
	binary.BigEndian.PutUint16(buf[2:4], s.Src)
	binary.BigEndian.PutUint16(buf[4:6], s.Dst)
	binary.BigEndian.PutUint16(buf[6:8], s.DLen)
	binary.BigEndian.PutUint32(buf[8:12], s.Seq)
	binary.BigEndian.PutUint32(buf[12:16], s.Ack)
	binary.BigEndian.PutUint32(buf[16:20], s.Window)
	binary.BigEndian.PutUint16(buf[20:22], s.TTL)
	binary.BigEndian.PutUint16(buf[22:24], s.SegMax)
	binary.BigEndian.PutUint16(buf[24:26], s.SegBMax)
	binary.BigEndian.PutUint16(buf[26:28], s.Options)
	return nil
}

// Unmarshal reads a SYN segment header from data.
func (s *SynSegment) Unmarshal(data []byte) error {
	if len(data) < SynHdrLen {
		return fmt.Errorf("syn unmarshal: the length(%d) of data is too short", len(data))
	}
	s.Flags = data[0]
	s.HLen = data[1]
	s.Src = binary.BigEndian.Uint16(data[2:4])
	s.Dst = binary.BigEndian.Uint16(data[4:6])
	s.DLen = binary.BigEndian.Uint16(data[6:8])
	s.Seq = binary.BigEndian.Uint32(data[8:12])
	s.Ack = binary.BigEndian.Uint32(data[12:16])
	s.Window = binary.BigEndian.Uint32(data[16:20])
	s.TTL = binary.BigEndian.Uint16(data[20:22])
	s.SegMax = binary.BigEndian.Uint16(data[22:24])
	s.SegBMax = binary.BigEndian.Uint16(data[24:26])
	s.Options = binary.BigEndian.Uint16(data[26:28])
	return nil
}

// Accessors used to read and patch the precomputed header block of a send
// slot without re-marshaling the whole header. Offsets match Marshal.

func hdrFlags(hdr []byte) uint8 { return hdr[0] }

func hdrSetFlags(hdr []byte, f uint8) { hdr[0] = f }

func hdrSeq(hdr []byte) uint32 { return binary.BigEndian.Uint32(hdr[8:12]) }

func hdrSetAck(hdr []byte, ack uint32) { binary.BigEndian.PutUint32(hdr[12:16], ack) }

func hdrDLen(hdr []byte) uint16 { return binary.BigEndian.Uint16(hdr[6:8]) }

func hdrSOM(hdr []byte) uint32 { return binary.BigEndian.Uint32(hdr[20:24]) }

func hdrFCnt(hdr []byte) uint16 { return binary.BigEndian.Uint16(hdr[24:26]) }

func hdrSetWindow(hdr []byte, w uint16) { binary.BigEndian.PutUint16(hdr[26:28], w) }

// segment is the decoded view of an inbound datagram, the quantities named
// as in RFC-908 where applicable.
type segment struct {
	flags  uint8
	hlen   uint8
	src    uint16
	dst    uint16
	seq    uint32
	ack    uint32
	max    uint32 // outstanding-segment capacity, valid on SYN paths
	bmax   uint32 // segment byte capacity, valid on SYN paths
	som    uint32
	fcnt   uint16
	dlen   uint16
	window uint16
	ttl    uint32
}

// protocolDemux extracts the local and foreign ARDP ports from a raw
// inbound datagram.
func protocolDemux(buf []byte) (local, foreign uint16, err error) {
	if len(buf) < 6 {
		return 0, 0, fmt.Errorf("demux: datagram too short (%d)", len(buf))
	}
	foreign = binary.BigEndian.Uint16(buf[2:4])
	local = binary.BigEndian.Uint16(buf[4:6])
	return local, foreign, nil
}

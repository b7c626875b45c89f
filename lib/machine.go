package lib

import (
	"encoding/binary"
)

// flushAckedSegments releases every send slot cumulatively acknowledged
// by ack and fires send callbacks. For a fragmented message the callback
// fires exactly once, when its last fragment is acknowledged, and
// references the first fragment's buffer.
func (h *Handle) flushAckedSegments(conn *Conn, ack uint32) {
	for i := uint32(0); i < conn.snd.max; i++ {
		s := &conn.sbuf.snd[i]
		if !s.inUse {
			continue
		}
		seq := hdrSeq(s.hdr)
		if !isLessOrEqual(seq, ack) {
			continue
		}

		if s.timer != nil {
			conn.deleteTimer(s.timer)
			s.timer = nil
		}
		s.inUse = false
		conn.sbuf.pending--

		flags := hdrFlags(s.hdr)
		if flags&FlagFRAG != 0 {
			fcnt := uint32(hdrFCnt(s.hdr))
			som := hdrSOM(s.hdr)
			if seq != som+fcnt-1 {
				// Wait for the last fragment of the message.
				continue
			}
			head := &conn.sbuf.snd[som%conn.snd.max]
			length := conn.sbuf.maxDLen*(fcnt-1) + uint32(hdrDLen(s.hdr))
			if h.cb.Send != nil {
				h.cb.Send(h, conn, head.data[:length], int(length), nil)
			}
		} else {
			if h.cb.Send != nil {
				h.cb.Send(h, conn, s.data, int(s.datalen), nil)
			}
		}
	}
}

// cancelEackedSegments processes a received EACK bitmask: retransmit
// timers are canceled for every selectively acknowledged segment, and the
// segment sitting at SND.UNA, known lost because later ones arrived, has
// its timer accelerated to fire on the next sweep.
func (h *Handle) cancelEackedSegments(conn *Conn, mask []byte) {
	index := conn.snd.una % conn.snd.max
	if t := conn.sbuf.snd[index].timer; t != nil {
		if t.when >= t.delta {
			t.when -= t.delta
		} else {
			t.when = 0
		}
	}

	// The first mask bit represents SND.UNA + 1.
	start := conn.snd.una + 1
	words := uint32(conn.remoteMskSz)
	for i := uint32(0); i < words && (i+1)*4 <= uint32(len(mask)); i++ {
		m := binary.BigEndian.Uint32(mask[i*4 : (i+1)*4])
		for b := uint32(0); m != 0; b++ {
			if m&0x80000000 != 0 {
				slot := &conn.sbuf.snd[(start+i*32+b)%conn.snd.max]
				if slot.timer != nil {
					conn.deleteTimer(slot.timer)
					slot.timer = nil
				}
			}
			m <<= 1
		}
	}
}

// ardpMachine drives all segment reactions of the six-state machine.
// payload holds the data bytes of the segment; raw is the whole datagram
// for the paths that need to re-parse it as a SYN.
func (h *Handle) ardpMachine(conn *Conn, seg *segment, raw []byte, payload []byte) {
	switch conn.state {

	case StateClosed:
		if seg.flags&FlagRST != 0 {
			break
		}
		if seg.flags&FlagACK != 0 || seg.flags&FlagNUL != 0 {
			h.sendCtl(conn, FlagRST|FlagVER, 0, seg.ack+1, uint16(conn.rcv.max))
			break
		}
		h.sendCtl(conn, FlagRST|FlagACK|FlagVER, 0, seg.seq, uint16(conn.rcv.max))

	case StateListen:
		if seg.flags&FlagRST != 0 {
			break
		}
		if seg.flags&FlagACK != 0 || seg.flags&FlagNUL != 0 {
			h.sendCtl(conn, FlagRST|FlagVER, seg.ack+1, 0, 0)
			break
		}
		if seg.flags&FlagSYN != 0 {
			conn.rcv.cur = seg.seq
			conn.rcv.irs = seg.seq
			conn.snd.max = seg.max
			conn.remoteMskSz = uint16((seg.max + 31) >> 5)
			conn.rcvHdrLen = FixedHdrLen + 4*conn.remoteMskSz
			conn.window = uint16(seg.max)
			conn.sbuf.max = seg.bmax

			if h.cb.Accept != nil {
				if !h.cb.Accept(h, conn.raddr, conn, payload, nil) {
					h.delConnRecord(conn)
				}
			}
		}

	case StateSynSent:
		if seg.flags&FlagRST != 0 {
			// Connection refused.
			conn.cancelTimer(connectTimer, nil)
			if h.cb.Connect != nil {
				h.cb.Connect(h, conn, conn.passive, nil, ErrFailure)
			}
			h.setState(conn, StateClosed)
			h.delConnRecord(conn)
			break
		}
		if seg.flags&FlagSYN != 0 {
			var ss SynSegment
			if ss.Unmarshal(raw) != nil {
				break
			}
			conn.snd.max = uint32(ss.SegMax)
			conn.remoteMskSz = uint16((uint32(ss.SegMax) + 31) >> 5)
			conn.rcvHdrLen = FixedHdrLen + 4*conn.remoteMskSz
			conn.window = ss.SegMax
			conn.foreign = seg.src
			conn.rcv.cur = seg.seq
			conn.rcv.irs = seg.seq
			conn.sbuf.max = uint32(ss.SegBMax)

			if err := conn.initSBuf(); err != nil {
				h.logf("machine: SYN_SENT: %v", err)
				conn.cancelTimer(connectTimer, nil)
				if h.cb.Connect != nil {
					h.cb.Connect(h, conn, conn.passive, nil, ErrFailure)
				}
				h.setState(conn, StateClosed)
				h.delConnRecord(conn)
				break
			}

			if seg.flags&FlagACK != 0 {
				conn.snd.una = seg.ack + 1
				conn.postInitRcv()
				h.setState(conn, StateOpen)
				conn.cancelTimer(connectTimer, nil)
				conn.lastSeen = h.timeNow()
				h.addTimer(conn, windowCheckTimer, windowCheckTimerHandler, nil, h.config.PersistTimeout, retryAlways)

				if h.cb.Connect != nil {
					h.cb.Connect(h, conn, false, payload, nil)
				}
				h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, uint16(conn.rcv.max))
			} else {
				// Simultaneous open.
				h.setState(conn, StateSynRcvd)
				if h.cb.Accept != nil {
					h.cb.Accept(h, conn.raddr, conn, payload, nil)
				}
			}
			break
		}
		if seg.flags&FlagACK != 0 && seg.ack != conn.snd.iss {
			h.setState(conn, StateClosed)
			h.sendCtl(conn, FlagRST|FlagVER, seg.ack+1, 0, uint16(conn.rcv.max))
		}

	case StateSynRcvd:
		if !inRange(conn.rcv.cur+1, conn.rcv.max, seg.seq) {
			h.logf("machine: SYN_RCVD: unacceptable sequence %d", seg.seq)
			h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, uint16(conn.rcv.max))
			break
		}
		if seg.flags&FlagRST != 0 {
			if conn.passive {
				h.setState(conn, StateListen)
			} else {
				h.setState(conn, StateClosed)
			}
			break
		}
		if seg.flags&FlagSYN != 0 {
			h.setState(conn, StateClosed)
			h.sendCtl(conn, FlagRST|FlagVER, seg.ack+1, 0, uint16(conn.rcv.max))
			break
		}
		if seg.flags&FlagEACK != 0 {
			h.sendCtl(conn, FlagRST|FlagVER, seg.ack+1, 0, uint16(conn.rcv.max))
			break
		}
		if seg.flags&FlagACK == 0 {
			break
		}
		if seg.ack != conn.snd.iss {
			h.sendCtl(conn, FlagRST|FlagVER, seg.ack+1, 0, uint16(conn.rcv.max))
			break
		}

		// The final ACK acknowledges our SYN.
		conn.snd.una = seg.ack + 1
		conn.postInitRcv()
		h.setState(conn, StateOpen)
		conn.cancelTimer(connectTimer, nil)
		conn.lastSeen = h.timeNow()
		h.addTimer(conn, windowCheckTimer, windowCheckTimerHandler, nil, h.config.PersistTimeout, retryAlways)

		if h.cb.Connect != nil {
			h.cb.Connect(h, conn, true, nil, nil)
		}

		if seg.dlen > 0 || seg.flags&FlagNUL != 0 {
			if seg.dlen > 0 {
				h.addRcvBuffer(conn, seg, payload, seg.seq == conn.rcv.cur+1)
			}
			h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
		}

	case StateOpen:
		if !inRange(conn.rcv.cur+1, conn.rcv.max, seg.seq) {
			h.logf("machine: OPEN: unacceptable sequence %d (cur=%d max=%d)", seg.seq, conn.rcv.cur, conn.rcv.max)
			h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
			break
		}
		if seg.flags&FlagRST != 0 {
			h.addTimer(conn, disconnectTimer, disconnectTimerHandler, nil, h.config.TimeWait, disconnectRetry)
			h.setState(conn, StateCloseWait)
			break
		}
		if seg.flags&FlagSYN != 0 {
			if conn.passive {
				h.setState(conn, StateListen)
			} else {
				h.setState(conn, StateClosed)
			}
			h.sendCtl(conn, FlagRST|FlagVER, seg.ack+1, 0, conn.rbuf.window)
			break
		}
		if seg.flags&FlagNUL != 0 {
			h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
			break
		}

		if seg.flags&FlagACK != 0 {
			if inRange(conn.snd.una, conn.snd.nxt-conn.snd.una+1, seg.ack) {
				h.flushAckedSegments(conn, seg.ack)
				conn.snd.una = seg.ack + 1
			}
		}

		if seg.flags&FlagEACK != 0 && len(raw) >= int(conn.rcvHdrLen) {
			h.cancelEackedSegments(conn, raw[FixedHdrLen:conn.rcvHdrLen])
		}

		if seg.dlen > 0 {
			var err error
			if isLess(conn.rcv.cur, seg.seq) {
				err = h.addRcvBuffer(conn, seg, payload, seg.seq == conn.rcv.cur+1)
			}
			if err == nil {
				h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
			}
		}

		if conn.window != seg.window && h.cb.SendWindow != nil {
			conn.window = seg.window
			status := error(nil)
			if conn.window == 0 {
				status = ErrBackpressure
			}
			h.cb.SendWindow(h, conn, conn.window, status)
		} else {
			conn.window = seg.window
		}

	case StateCloseWait:
		// The transition to CLOSED rides on the timewait delay alone.

	default:
		h.logf("machine: unexpected state %v", conn.state)
	}
}

// receiveSegment validates and decodes an inbound datagram addressed at
// an existing connection and feeds it to the state machine.
func (h *Handle) receiveSegment(conn *Conn, raw []byte) {
	var hdr Header
	if err := hdr.Unmarshal(raw); err != nil {
		h.logf("receive: %v", err)
		return
	}

	if hdr.Flags&FlagSYN == 0 && uint16(hdr.HLen)*2 != conn.rcvHdrLen {
		// Header length mismatch: drop and re-assert our state.
		h.logf("receive: header len %d, expected %d", uint16(hdr.HLen)*2, conn.rcvHdrLen)
		if conn.state == StateOpen {
			h.sendCtl(conn, FlagACK|FlagVER, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
		}
		return
	}

	seg := segment{
		flags:  hdr.Flags,
		hlen:   hdr.HLen,
		src:    hdr.Src,
		dst:    hdr.Dst,
		seq:    hdr.Seq,
		ack:    hdr.Ack,
		max:    conn.rcv.max,
		bmax:   conn.sbuf.max,
		som:    hdr.SOM,
		fcnt:   hdr.FCnt,
		dlen:   hdr.DLen,
		window: hdr.Window,
		ttl:    hdr.TTL,
	}

	hdrLen := int(conn.rcvHdrLen)
	if seg.flags&FlagSYN != 0 {
		hdrLen = SynHdrLen
	}
	if len(raw) < hdrLen+int(seg.dlen) {
		h.logf("receive: truncated segment: %d bytes, need %d", len(raw), hdrLen+int(seg.dlen))
		return
	}
	payload := raw[hdrLen : hdrLen+int(seg.dlen)]

	h.ardpMachine(conn, &seg, raw, payload)
}

// acceptSegment handles the first SYN of a passive open: the connection
// record has just been created in LISTEN-equivalent limbo and the SYN
// carries the peer's capacities.
func (h *Handle) acceptSegment(conn *Conn, raw []byte) {
	var ss SynSegment
	if err := ss.Unmarshal(raw); err != nil {
		h.logf("accept: %v", err)
		h.delConnRecord(conn)
		return
	}
	if ss.Flags != FlagSYN|FlagVER {
		h.logf("accept: unexpected flags %#02x on initial SYN", ss.Flags)
		h.delConnRecord(conn)
		return
	}
	if len(raw) < SynHdrLen+int(ss.DLen) {
		h.logf("accept: truncated SYN: %d bytes, need %d", len(raw), SynHdrLen+int(ss.DLen))
		h.delConnRecord(conn)
		return
	}

	seg := segment{
		flags: ss.Flags,
		src:   ss.Src,
		dst:   ss.Dst,
		seq:   ss.Seq,
		ack:   ss.Ack,
		max:   uint32(ss.SegMax),
		bmax:  uint32(ss.SegBMax),
		dlen:  ss.DLen,
	}

	conn.snd.max = uint32(ss.SegMax)
	conn.sbuf.max = uint32(ss.SegBMax)
	h.setState(conn, StateListen)
	conn.foreign = seg.src
	conn.passive = true

	payload := raw[SynHdrLen : SynHdrLen+int(ss.DLen)]
	h.ardpMachine(conn, &seg, raw, payload)
}

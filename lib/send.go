package lib

import (
	"errors"
	"net"
)

// sendMsg gathers the given parts into the scratch buffer and pushes one
// datagram at the connection's peer.
func (h *Handle) sendMsg(conn *Conn, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += copy(h.sndScratch[n:], p)
	}
	return conn.sock.SendTo(h.sndScratch[:n], conn.raddr)
}

// sendCtl emits a header-only segment. Once the send ring is set up the
// EACK bitmask rides along on every control segment.
func (h *Handle) sendCtl(conn *Conn, flags uint8, seq, ack uint32, window uint16) error {
	var mask []byte
	if conn.sndHdrLen > FixedHdrLen {
		mask = conn.rcvMsk.netMask
		if conn.rcvMsk.sz != 0 {
			flags |= FlagEACK
		}
	}
	hdr := Header{
		Flags:  flags,
		HLen:   uint8(conn.sndHdrLen / 2),
		Src:    conn.local,
		Dst:    conn.foreign,
		Seq:    seq,
		Ack:    ack,
		Window: window,
	}
	var buf [FixedHdrLen]byte
	if err := hdr.Marshal(buf[:]); err != nil {
		return err
	}
	return h.sendMsg(conn, buf[:], mask)
}

// sendRst emits a bare reset outside of any connection record.
func (h *Handle) sendRst(sock Socket, raddr *net.UDPAddr, local, foreign uint16, seq, ack uint32, withAck bool) error {
	flags := FlagRST | FlagVER
	if withAck {
		flags |= FlagACK
	}
	hdr := Header{
		Flags: flags,
		HLen:  FixedHdrLen / 2,
		Src:   local,
		Dst:   foreign,
		Seq:   seq,
		Ack:   ack,
	}
	var buf [FixedHdrLen]byte
	if err := hdr.Marshal(buf[:]); err != nil {
		return err
	}
	return sock.SendTo(buf[:], raddr)
}

// sendMsgData transmits (or retransmits) one send slot. The cumulative
// acknowledgment, window and EACK state are refreshed at every
// transmission.
func (h *Handle) sendMsgData(conn *Conn, s *sndBuf) error {
	hdrSetAck(s.hdr, conn.rcv.cur)
	hdrSetWindow(s.hdr, conn.rbuf.window)
	flags := hdrFlags(s.hdr)
	if conn.rcvMsk.sz == 0 {
		flags &^= FlagEACK
	} else {
		flags |= FlagEACK
	}
	hdrSetFlags(s.hdr, flags)

	// A message that never made it onto the wire may be dropped when its
	// TTL runs out; nothing needs to be said to the peer. Once a segment
	// has been sent at least once it is retransmitted to completion and
	// the receiver discards late data. Whether the advertised TTL should
	// shrink across retransmissions is an open question in the protocol;
	// it is carried unchanged.
	if s.ttl != 0 && !s.onTheWire {
		if h.timeNow()-s.tStart >= s.ttl {
			return ErrTTLExpired
		}
	}

	err := h.sendMsg(conn, s.hdr, conn.rcvMsk.netMask, s.data[:s.datalen])
	if err == nil {
		s.onTheWire = true
	}
	return err
}

// doSendSyn emits a SYN or SYN-ACK carrying our receive capacities plus
// optional connection payload, and arms the connect timer.
func (h *Handle) doSendSyn(conn *Conn, synack bool, seq, ack uint32, segmax, segbmax uint16, data []byte) error {
	ss := SynSegment{
		Flags:   FlagSYN | FlagVER,
		HLen:    SynHdrLen / 2,
		Src:     conn.local,
		Dst:     conn.foreign,
		DLen:    uint16(len(data)),
		Seq:     seq,
		Ack:     ack,
		Window:  uint32(conn.rbuf.window),
		SegMax:  segmax,
		SegBMax: segbmax,
		Options: OptionSDM,
	}
	if synack {
		ss.Flags |= FlagACK
	}
	var buf [SynHdrLen]byte
	if err := ss.Marshal(buf[:]); err != nil {
		return err
	}

	h.addTimer(conn, connectTimer, connectTimerHandler, nil, h.config.ConnectTimeout, connectRetry)

	return h.sendMsg(conn, buf[:], data)
}

func (h *Handle) sendSyn(conn *Conn, segmax, segbmax uint16, data []byte) error {
	h.setState(conn, StateSynSent)
	return h.doSendSyn(conn, false, conn.snd.iss, 0, segmax, segbmax, data)
}

func (h *Handle) sendSynAck(conn *Conn, segmax, segbmax uint16, data []byte) error {
	return h.doSendSyn(conn, true, conn.snd.iss, conn.rcv.cur, segmax, segbmax, data)
}

// sendData partitions a message into segments, fills send slots and
// transmits them. Callers have verified the window preconditions.
func (h *Handle) sendData(conn *Conn, buf []byte, ttl uint32) error {
	length := uint32(len(buf))
	som := conn.snd.nxt
	timeout := uint32(retransmitTimeout)

	var fcnt, lastLen uint32
	if length <= conn.sbuf.maxDLen {
		fcnt = 1
		lastLen = length
	} else {
		fcnt = (length + conn.sbuf.maxDLen - 1) / conn.sbuf.maxDLen
		lastLen = length - (fcnt-1)*conn.sbuf.maxDLen

		if fcnt > conn.snd.max {
			h.logf("sendData: %d fragments exceed the send ring size %d", fcnt, conn.snd.max)
			return ErrFailure
		}
		// The receiver must be able to take the whole message.
		if fcnt > uint32(conn.window) {
			return ErrBackpressure
		}
	}

	segData := buf
	var status error
	for i := uint32(0); i < fcnt; i++ {
		index := conn.snd.nxt % conn.snd.max
		s := &conn.sbuf.snd[index]
		segLen := conn.sbuf.maxDLen
		if i == fcnt-1 {
			segLen = lastLen
		}

		hdr := Header{
			Flags: FlagACK | FlagVER,
			HLen:  uint8(conn.sndHdrLen / 2),
			Src:   conn.local,
			Dst:   conn.foreign,
			DLen:  uint16(segLen),
			Seq:   conn.snd.nxt,
			TTL:   ttl,
			SOM:   som,
			FCnt:  uint16(fcnt),
		}
		if fcnt > 1 {
			hdr.Flags |= FlagFRAG
		}
		if err := hdr.Marshal(s.hdr); err != nil {
			return err
		}
		s.ttl = ttl
		s.tStart = h.timeNow()
		s.data = segData[:segLen]
		s.datalen = segLen
		s.onTheWire = false
		segData = segData[segLen:]

		status = h.sendMsgData(conn, s)
		if errors.Is(status, ErrWouldBlock) {
			timeout = urgentRetransmitTimeout
			status = nil
		}

		switch {
		case status == nil:
			s.timer = h.addTimer(conn, retransmitTimer, retransmitTimerHandler, s, timeout, retransmitRetry+1)
			conn.sbuf.pending++
			conn.snd.nxt++
			s.inUse = true
		case errors.Is(status, ErrTTLExpired):
			// Pre-transmission expiry: the slot was never accounted,
			// nothing to roll back.
			return status
		default:
			h.logf("sendData: socket write went bad (%v), disconnecting", status)
			h.Disconnect(conn)
			return status
		}
	}
	return status
}

// retransmitTimerHandler resends an unacknowledged segment. When the
// retry budget runs out the whole logical message is invalidated and the
// send callback reports the failure; the connection itself stays up.
func retransmitTimerHandler(h *Handle, conn *Conn, context any) {
	s := context.(*sndBuf)
	if !s.inUse || s.timer == nil {
		return
	}
	timer := s.timer

	if timer.retry > 1 {
		status := h.sendMsgData(conn, s)
		switch {
		case errors.Is(status, ErrWouldBlock):
			timer.delta = urgentRetransmitTimeout
		case errors.Is(status, ErrTTLExpired):
			// The segment never made it onto the wire and its time ran
			// out. Drop the message; the peer never knew about it.
			h.failMessage(conn, s, ErrTTLExpired)
			return
		case status == nil:
			timer.delta = retransmitTimeout
		default:
			h.logf("retransmit: socket write went bad: %v", status)
		}
		timer.retry--
		return
	}

	h.failMessage(conn, s, ErrFailure)
}

// failMessage invalidates every slot of the logical message s belongs to
// and fires the send callback once with the original buffer and length.
func (h *Handle) failMessage(conn *Conn, s *sndBuf, status error) {
	if s.timer != nil {
		conn.deleteTimer(s.timer)
		s.timer = nil
	}

	buf := s.data
	length := s.datalen

	if hdrFlags(s.hdr)&FlagFRAG != 0 {
		fcnt := uint32(hdrFCnt(s.hdr))
		som := hdrSOM(s.hdr)
		var lastLen uint32

		for i := uint32(0); i < fcnt; i++ {
			slot := &conn.sbuf.snd[(som+i)%conn.snd.max]
			if !slot.inUse || hdrSeq(slot.hdr) != som+i {
				continue
			}
			if slot.timer != nil {
				conn.deleteTimer(slot.timer)
				slot.timer = nil
			}
			slot.inUse = false
			conn.sbuf.pending--
			lastLen = slot.datalen
		}

		head := &conn.sbuf.snd[som%conn.snd.max]
		if hdrSeq(head.hdr) == som {
			length = conn.sbuf.maxDLen*(fcnt-1) + lastLen
			buf = head.data[:length]
		}
	} else {
		s.inUse = false
		conn.sbuf.pending--
	}

	if h.cb.Send != nil {
		h.cb.Send(h, conn, buf, int(length), status)
	}
}

// windowCheckTimerHandler is the liveness probe. It declares the link
// dead after prolonged silence, and pings the peer when traffic has gone
// quiet or the peer's window is too small to carry a full message.
func windowCheckTimerHandler(h *Handle, conn *Conn, context any) {
	now := h.timeNow()
	if now-conn.lastSeen >= linkTimeoutFactor*h.config.ProbeTimeout {
		h.logf("connection %d->%d: link dead (silent for %dms), disconnecting", conn.local, conn.foreign, now-conn.lastSeen)
		h.Disconnect(conn)
		return
	}
	if now-conn.lastSeen >= h.config.PersistTimeout || conn.window < conn.minSendWindow {
		h.sendCtl(conn, FlagACK|FlagVER|FlagNUL, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
	}
}

// connectTimerHandler gives up on an unfinished handshake.
func connectTimerHandler(h *Handle, conn *Conn, context any) {
	if h.cb.Connect != nil {
		h.cb.Connect(h, conn, conn.passive, nil, ErrTimeout)
	}
	h.setState(conn, StateClosed)
	h.delConnRecord(conn)
}

// disconnectTimerHandler completes the close once the timewait delay has
// drained in-flight traffic.
func disconnectTimerHandler(h *Handle, conn *Conn, context any) {
	h.setState(conn, StateClosed)
	if h.cb.Disconnect != nil {
		h.cb.Disconnect(h, conn, nil)
	}
	h.delConnRecord(conn)
}

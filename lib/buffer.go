package lib

import "fmt"

// Send and receive rings are flat arrays of fixed capacity indexed by
// sequence number modulo capacity. Slot backing memory is carved out of
// one contiguous allocation per ring at connection setup.

// sndBuf describes one unacknowledged outbound segment.
type sndBuf struct {
	data      []byte     // message bytes owned by the application until the send callback
	datalen   uint32     // payload length of this segment
	hdr       []byte     // precomputed header block, FixedHdrLen bytes of the shared slab
	timer     *ardpTimer // retransmit timer while in flight
	ttl       uint32     // time-to-live, 0 means forever
	tStart    uint32     // time the segment was placed into the ring
	onTheWire bool       // true once the segment has actually left the host
	inUse     bool
}

// RcvBuf is one receive ring slot. The receive callback hands the
// application the first slot of a message; fragments are walked through
// Next. The application returns slots with ReleaseRcvBuffer.
type RcvBuf struct {
	seq         uint32
	buf         []byte // full backing slot, segbmax bytes of the shared block
	datalen     uint16
	fcnt        uint16
	som         uint32
	timer       *ardpTimer // re-delivery timer when the application backs off
	isDelivered bool
	inUse       bool
	next        *RcvBuf
}

// Seq returns the sequence number of the segment held in the slot.
func (r *RcvBuf) Seq() uint32 { return r.seq }

// FragmentCount returns the number of segments comprising the message
// starting at this slot.
func (r *RcvBuf) FragmentCount() uint16 { return r.fcnt }

// Payload returns the data bytes of this slot.
func (r *RcvBuf) Payload() []byte { return r.buf[:r.datalen] }

// Next returns the slot holding the next sequence number.
func (r *RcvBuf) Next() *RcvBuf { return r.next }

// sndState is the send-side sequence bookkeeping: the stuff we manage
// locally and may send to the peer.
type sndState struct {
	nxt uint32 // sequence number of the next segment to be sent
	una uint32 // oldest unacknowledged sequence number
	max uint32 // max unacknowledged segments the peer can buffer
	iss uint32 // initial send sequence number
}

// rcvState is the receive-side bookkeeping, copies of what the peer told us.
type rcvState struct {
	cur uint32 // last segment received correctly and in sequence
	max uint32 // max segments we can buffer on this connection
	irs uint32 // initial receive sequence number, from the peer's SYN
}

// sbufState describes the send ring.
type sbufState struct {
	max     uint32   // largest segment the peer can receive, bytes
	snd     []sndBuf // ring of unacknowledged sent segments
	maxDLen uint32   // max data payload per segment without partitioning
	pending uint16   // number of unacknowledged sent segments
}

// rbufState describes the receive ring.
type rbufState struct {
	max    uint32   // largest segment we can receive, bytes
	rcv    []RcvBuf // ring of received segments not yet consumed
	first  uint32   // sequence number of the first pending segment
	last   uint32   // sequence number of the last pending segment
	window uint16   // receive window in segments
}

// rcvMask tracks out-of-order segments received beyond RCV.CUR. Bit k
// (counting from the MSB of word 0) represents sequence CUR+2+k. The
// network-order copy is maintained in lockstep so transmission never
// byte-swaps.
type rcvMask struct {
	mask    []uint32 // host order
	netMask []byte   // network order, ready to go on the wire
	sz      uint16   // number of words currently holding set bits
	fixedSz uint16   // allocated words: ceil(RCV.MAX / 32)
}

func (m *rcvMask) syncWord(i uint32) {
	putUint32BE(m.netMask[i*4:], m.mask[i])
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// initSnd seeds the send sequence state.
func (h *Handle) initSnd(conn *Conn) {
	conn.snd.iss = h.isn()
	conn.snd.nxt = conn.snd.iss + 1
	conn.snd.una = conn.snd.iss
	conn.snd.max = 0 // the peer will tell us in its SYN
}

// initRcv allocates the receive ring: segmax slots backed by one
// contiguous segmax*segbmax block, linked circularly in sequence order.
func (h *Handle) initRcv(conn *Conn, segmax, segbmax uint16) error {
	if segmax == 0 || segbmax == 0 {
		return ErrInvalidData
	}
	conn.rcv.max = uint32(segmax)
	conn.rbuf.max = uint32(segbmax)
	conn.rbuf.window = segmax
	conn.rbuf.rcv = make([]RcvBuf, segmax)

	block := make([]byte, uint32(segmax)*uint32(segbmax))
	for i := uint32(0); i < uint32(segmax); i++ {
		conn.rbuf.rcv[i].buf = block[i*uint32(segbmax) : (i+1)*uint32(segbmax)]
		conn.rbuf.rcv[i].next = &conn.rbuf.rcv[(i+1)%uint32(segmax)]
		// Delivered on init so the gating check passes for the very
		// first in-sequence segment.
		conn.rbuf.rcv[i].isDelivered = true
	}

	maskWords := (uint32(segmax) + 31) >> 5
	conn.rcvMsk.mask = make([]uint32, maskWords)
	conn.rcvMsk.netMask = make([]byte, maskWords*4)
	conn.rcvMsk.fixedSz = uint16(maskWords)
	return nil
}

// postInitRcv finishes receive-side setup once the peer's initial
// sequence number is known.
func (c *Conn) postInitRcv() {
	c.rbuf.first = c.rcv.cur + 1
	c.rbuf.last = c.rcv.cur + 1
	for i := range c.rbuf.rcv {
		c.rbuf.rcv[i].seq = c.rcv.irs
	}
}

// initSBuf allocates the send ring once the peer's capacities are known.
// Headers for all slots share one slab; send-side header length accounts
// for the EACK mask we attach, which is sized by our own receive capacity.
func (c *Conn) initSBuf() error {
	ackMaskWords := (c.rcv.max + 31) >> 5
	hdrLen := uint32(FixedHdrLen) + ackMaskWords*4
	c.sndHdrLen = uint16(hdrLen)

	if c.sbuf.max < ipUDPOverhead+hdrLen {
		return fmt.Errorf("init send ring: peer segment size %d too small (need at least %d): %w",
			c.sbuf.max, ipUDPOverhead+hdrLen, ErrFailure)
	}
	c.sbuf.maxDLen = c.sbuf.max - ipUDPOverhead - hdrLen

	c.sbuf.snd = make([]sndBuf, c.snd.max)
	slab := make([]byte, c.snd.max*uint32(FixedHdrLen))
	for i := uint32(0); i < c.snd.max; i++ {
		c.sbuf.snd[i].hdr = slab[i*FixedHdrLen : (i+1)*FixedHdrLen]
	}

	// Minimum send window needed to accommodate the largest message.
	c.minSendWindow = uint16((MaxMessageLen + (c.sbuf.maxDLen - 1)) / c.sbuf.maxDLen)
	return nil
}

// addRcvMsk records an out-of-order segment delta positions beyond
// RCV.CUR+1. The first mask bit represents RCV.CUR+2.
func (c *Conn) addRcvMsk(delta uint32) {
	bit := delta - 1
	word := bit >> 5
	if word >= uint32(c.rcvMsk.fixedSz) {
		return
	}
	c.rcvMsk.mask[word] |= 1 << (31 - (bit & 31))
	if c.rcvMsk.sz < uint16(word)+1 {
		c.rcvMsk.sz = uint16(word) + 1
	}
	c.rcvMsk.syncWord(word)
}

// shiftRcvMsk slides the bitmask left by n bits after RCV.CUR advanced by
// n, so bit 0 again lines up with CUR+2. Bits belonging to the folded
// segments fall off the top.
func (c *Conn) shiftRcvMsk(n uint32) {
	words := uint32(c.rcvMsk.fixedSz)
	skip := n >> 5
	rem := n & 31

	newSz := uint16(0)
	for i := uint32(0); i < words; i++ {
		var v uint32
		if i+skip < words {
			v = c.rcvMsk.mask[i+skip] << rem
			if rem != 0 && i+skip+1 < words {
				v |= c.rcvMsk.mask[i+skip+1] >> (32 - rem)
			}
		}
		c.rcvMsk.mask[i] = v
		c.rcvMsk.syncWord(i)
		if v != 0 {
			newSz = uint16(i) + 1
		}
	}
	c.rcvMsk.sz = newSz
}

// updateRcvWindow recomputes the advertised receive window from the
// pending span. When last has fallen behind first the ring is empty.
func (c *Conn) updateRcvWindow() {
	if isLess(c.rbuf.last, c.rbuf.first) {
		c.rbuf.window = uint16(c.rcv.max)
		c.rbuf.last = c.rbuf.first
		return
	}
	span := c.rbuf.last - c.rbuf.first + 1
	c.rbuf.window = uint16(c.rcv.max - span)
}

// addRcvBuffer copies an in-window data segment into the receive ring and
// drives ordered delivery or EACK bookkeeping.
func (h *Handle) addRcvBuffer(conn *Conn, seg *segment, payload []byte, ordered bool) error {
	index := seg.seq % conn.rcv.max
	current := &conn.rbuf.rcv[index]

	// When the window is exhausted only segments filling existing gaps
	// may be accepted.
	if conn.rbuf.window == 0 && !isLess(seg.seq, conn.rbuf.last) {
		h.logf("addRcvBuffer: receive window full, dropping seq %d", seg.seq)
		return ErrFailure
	}
	if uint32(seg.dlen) > conn.rbuf.max {
		h.logf("addRcvBuffer: data len %d exceeds segbmax %d", seg.dlen, conn.rbuf.max)
		return ErrFailure
	}
	if current.inUse {
		if current.seq == seg.seq {
			// Retransmission of a segment we already buffered.
			return nil
		}
		h.logf("addRcvBuffer: slot for seq %d still holds %d", seg.seq, current.seq)
		return ErrFailure
	}

	if isLess(conn.rbuf.last, seg.seq) {
		conn.rbuf.last = seg.seq
	}

	current.seq = seg.seq
	current.datalen = seg.dlen
	current.fcnt = seg.fcnt
	current.som = seg.som
	current.inUse = true
	current.isDelivered = false
	copy(current.buf, payload)

	if ordered {
		// Fold every contiguous buffered segment into CUR first, then
		// shift the mask so bit 0 lines up with the new CUR+2.
		n := uint32(0)
		slot := current
		for slot.inUse && slot.seq == seg.seq+n {
			conn.rcv.cur = slot.seq
			n++
			slot = slot.next
		}
		if n > 0 && conn.rcvMsk.sz > 0 {
			conn.shiftRcvMsk(n)
		}

		// Delivery starts at the head of the message this segment
		// belongs to and is gated on its predecessor having been
		// delivered (or delivered and already released).
		want := seg.seq
		if current.fcnt > 1 {
			want = seg.som
		}
		head := &conn.rbuf.rcv[want%conn.rcv.max]
		prev := &conn.rbuf.rcv[(want+conn.rcv.max-1)%conn.rcv.max]
		if !prev.inUse || prev.isDelivered {
			h.deliverRun(conn, head, want)
		}
	} else {
		conn.addRcvMsk(seg.seq - (conn.rcv.cur + 1))
	}

	conn.updateRcvWindow()
	return nil
}

// deliverRun walks the receive ring from head, delivering every complete
// message whose predecessors have all been delivered. want is the
// sequence number head must hold. Delivery stops at the first gap, the
// first incomplete fragment group, or when the application backs off; in
// the latter case a re-delivery timer is scheduled on the message head.
func (h *Handle) deliverRun(conn *Conn, head *RcvBuf, want uint32) {
	for head.inUse && !head.isDelivered && head.seq == want {
		if head.fcnt < 1 {
			h.logf("deliver: slot seq %d has fragment count 0", head.seq)
			return
		}
		if head.seq != head.som {
			// Mid-message slot: the head of this group has not been
			// delivered, nothing more to do.
			return
		}
		// The whole fragment run must be present and undelivered.
		fragment := head
		complete := true
		for i := uint32(0); i < uint32(head.fcnt); i++ {
			if !fragment.inUse || fragment.isDelivered ||
				fragment.som != head.som || fragment.fcnt != head.fcnt ||
				fragment.seq != head.som+i {
				complete = false
				break
			}
			fragment = fragment.next
		}
		if !complete {
			return
		}
		if h.cb.Recv == nil {
			return
		}
		// Marked delivered up front so the application may release the
		// message from inside the callback.
		want = head.som + uint32(head.fcnt)
		setDelivered(head, true)
		if !h.cb.Recv(h, conn, head, nil) {
			// Upper layer is unable to accept the message, reschedule
			// delivery and stop walking forward.
			setDelivered(head, false)
			if head.timer == nil {
				head.timer = h.addTimer(conn, recvTimer, recvTimerHandler, head, recvTimeout, recvRetry)
			}
			return
		}
		head = fragment
	}
}

// setDelivered flags every slot of the message starting at head.
func setDelivered(head *RcvBuf, delivered bool) {
	fragment := head
	for i := uint32(0); i < uint32(head.fcnt); i++ {
		fragment.isDelivered = delivered
		fragment = fragment.next
	}
}

// recvTimerHandler retries delivery of a message the application
// previously refused. Exhausting the retries tears the connection down.
func recvTimerHandler(h *Handle, conn *Conn, context any) {
	head := context.(*RcvBuf)
	timer := head.timer
	if timer == nil || !head.inUse || head.isDelivered {
		return
	}
	fcnt := uint32(head.fcnt)
	want := head.som + fcnt
	next := head
	for i := uint32(0); i < fcnt; i++ {
		next = next.next
	}
	setDelivered(head, true)
	if h.cb.Recv != nil && h.cb.Recv(h, conn, head, nil) {
		timer.retry = 0 // sweep removes the timer
		head.timer = nil
		// Try the messages that queued up behind this one.
		h.deliverRun(conn, next, want)
		return
	}
	setDelivered(head, false)
	if timer.retry > 0 {
		timer.retry--
	}
	if timer.retry == 0 {
		head.timer = nil
		h.logf("recv retry exhausted for seq %d, disconnecting", head.seq)
		h.Disconnect(conn)
	}
}

// releaseRcvBuffers returns a consumed message's slots to the ring. The
// application must release in sequence order, head slot first.
func (h *Handle) releaseRcvBuffers(conn *Conn, consumed *RcvBuf) error {
	if conn.rbuf.rcv == nil {
		return ErrInvalidState
	}
	index := consumed.seq % conn.rcv.max
	if &conn.rbuf.rcv[index] != consumed {
		h.logf("release: slot (seq=%d) does not match ring index %d", consumed.seq, index)
		return ErrFailure
	}
	if consumed.seq != conn.rbuf.first {
		h.logf("release: out of order release seq %d, first %d", consumed.seq, conn.rbuf.first)
		return ErrFailure
	}
	// A message is always at least one segment. The fragment count on
	// the head slot drives the release.
	if consumed.fcnt < 1 {
		h.logf("release: invalid fragment count %d", consumed.fcnt)
		return ErrInvalidData
	}

	count := uint32(consumed.fcnt)
	slot := consumed
	for i := uint32(0); i < count; i++ {
		if !slot.inUse || !slot.isDelivered {
			h.logf("release: slot seq %d not deliverable (inUse=%t delivered=%t)", slot.seq, slot.inUse, slot.isDelivered)
			return ErrFailure
		}
		slot = slot.next
	}

	slot = consumed
	for i := uint32(0); i < count; i++ {
		slot.inUse = false
		slot.isDelivered = false
		conn.rbuf.first++
		slot = slot.next
	}

	conn.updateRcvWindow()
	return nil
}

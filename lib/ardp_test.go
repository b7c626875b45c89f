package lib

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The scenario tests drive two engine handles over an in-memory datagram
// pair with a manual clock, so timer behavior is fully deterministic.

type connectEvent struct {
	passive bool
	status  error
}

type sendEvent struct {
	length int
	status error
}

type recvEvent struct {
	data []byte
	fcnt uint16
}

type side struct {
	h       *Handle
	sock    *loopSock
	segmax  uint16
	segbmax uint16

	conn        *Conn
	acceptData  []byte
	connects    []connectEvent
	disconnects []error
	recvs       []recvEvent
	recvCalls   int
	refuse      int
	holdRelease bool
	held        []*RcvBuf
	sends       []sendEvent
	windows     []uint16
	autoAccept  bool
}

func newSide(clock *uint32, sock *loopSock, segmax, segbmax uint16) *side {
	s := &side{sock: sock, segmax: segmax, segbmax: segbmax, autoAccept: true}

	cb := Callbacks{
		Accept: func(h *Handle, addr *net.UDPAddr, conn *Conn, data []byte, status error) bool {
			if !s.autoAccept {
				return false
			}
			s.conn = conn
			s.acceptData = append([]byte(nil), data...)
			return h.Accept(conn, s.segmax, s.segbmax, nil) == nil
		},
		Connect: func(h *Handle, conn *Conn, passive bool, data []byte, status error) {
			s.connects = append(s.connects, connectEvent{passive, status})
			if status == nil {
				s.conn = conn
			}
		},
		Disconnect: func(h *Handle, conn *Conn, status error) {
			s.disconnects = append(s.disconnects, status)
		},
		Recv: func(h *Handle, conn *Conn, rcv *RcvBuf, status error) bool {
			s.recvCalls++
			if s.refuse > 0 {
				s.refuse--
				return false
			}
			var data []byte
			fragment := rcv
			for i := uint16(0); i < rcv.FragmentCount(); i++ {
				data = append(data, fragment.Payload()...)
				fragment = fragment.Next()
			}
			s.recvs = append(s.recvs, recvEvent{data, rcv.FragmentCount()})
			if s.holdRelease {
				s.held = append(s.held, rcv)
				return true
			}
			h.ReleaseRcvBuffer(conn, rcv)
			return true
		},
		Send: func(h *Handle, conn *Conn, buf []byte, length int, status error) {
			s.sends = append(s.sends, sendEvent{length, status})
		},
		SendWindow: func(h *Handle, conn *Conn, window uint16, status error) {
			s.windows = append(s.windows, window)
		},
	}

	s.h = NewHandle(DefaultGlobalConfig(), cb)
	s.h.now = func() uint32 { return *clock }
	return s
}

type pair struct {
	t     *testing.T
	clock uint32
	a, b  *side
}

func newPair(t *testing.T, segmax, segbmax uint16) *pair {
	sa, sb := newLoopPair()
	p := &pair{t: t}
	p.a = newSide(&p.clock, sa, segmax, segbmax)
	p.b = newSide(&p.clock, sb, segmax, segbmax)
	p.b.h.StartPassive()
	return p
}

// pump shuttles datagrams until both directions go quiet.
func (p *pair) pump() {
	for i := 0; i < 200; i++ {
		if len(p.a.sock.queue) == 0 && len(p.b.sock.queue) == 0 {
			break
		}
		p.a.h.Run(p.a.sock, true)
		p.b.h.Run(p.b.sock, true)
	}
	// One more round for timers that became due during the exchange.
	p.a.h.Run(p.a.sock, true)
	p.b.h.Run(p.b.sock, true)
}

// advance moves the shared clock and lets both engines react.
func (p *pair) advance(ms uint32) {
	p.clock += ms
	p.a.h.Run(p.a.sock, true)
	p.b.h.Run(p.b.sock, true)
	p.pump()
}

// open performs the three-way handshake with a payload-carrying SYN.
func (p *pair) open() {
	_, err := p.a.h.Connect(p.a.sock, p.b.sock.addr, p.a.segmax, p.a.segbmax, []byte("hello"), nil)
	require.NoError(p.t, err)
	p.pump()
	require.NotNil(p.t, p.a.conn, "active connect callback did not fire")
	require.NotNil(p.t, p.b.conn, "passive connect callback did not fire")
	require.Equal(p.t, StateOpen, p.a.conn.State())
	require.Equal(p.t, StateOpen, p.b.conn.State())
}

// assertInvariants checks the reachable-state invariants on an OPEN
// connection: sequence bounds, slot accounting and EACK/slot agreement.
func assertInvariants(t *testing.T, c *Conn) {
	t.Helper()
	if c == nil || c.state != StateOpen {
		return
	}
	require.True(t, isGreaterOrEqual(c.snd.una, c.snd.iss), "UNA moved behind ISS")
	require.True(t, c.snd.nxt-c.snd.una <= c.snd.max, "send window overrun")

	inUse := uint32(0)
	for i := range c.sbuf.snd {
		if c.sbuf.snd[i].inUse {
			inUse++
		}
	}
	require.Equal(t, c.snd.nxt-c.snd.una, inUse, "in-use send slots != NXT-UNA")

	require.True(t, isLessOrEqual(c.rbuf.first, c.rbuf.last+1), "first ran past last+1")

	for k := uint32(0); k+1 < c.rcv.max; k++ {
		seq := c.rcv.cur + 2 + k
		slot := &c.rbuf.rcv[seq%c.rcv.max]
		held := slot.inUse && slot.seq == seq
		if maskBit(c, k) != held {
			t.Fatalf("EACK bit %d (seq %d): bit=%t slot=%t", k, seq, maskBit(c, k), held)
		}
	}
}

func TestThreeWayOpen(t *testing.T) {
	p := newPair(t, 4, 1024)
	p.open()

	require.Len(t, p.a.connects, 1)
	assert.False(t, p.a.connects[0].passive)
	assert.NoError(t, p.a.connects[0].status)

	require.Len(t, p.b.connects, 1)
	assert.True(t, p.b.connects[0].passive)
	assert.NoError(t, p.b.connects[0].status)

	// The SYN data reached the acceptor.
	assert.Equal(t, []byte("hello"), p.b.acceptData)

	// Initial sequence numbers crossed over correctly.
	assert.Equal(t, p.a.conn.snd.iss, p.b.conn.rcv.irs)
	assert.Equal(t, p.b.conn.snd.iss, p.a.conn.rcv.irs)

	// Peer capacities adopted from the SYN exchange.
	assert.Equal(t, uint32(4), p.a.conn.snd.max)
	assert.Equal(t, uint32(1024), p.a.conn.sbuf.max)
	assert.True(t, p.a.conn.Passive() == false && p.b.conn.Passive() == true)
}

func TestConnectRefusedByReset(t *testing.T) {
	sa, sb := newLoopPair()
	p := &pair{t: t}
	p.a = newSide(&p.clock, sa, 4, 1024)
	p.b = newSide(&p.clock, sb, 4, 1024)
	// B never called StartPassive: unsolicited SYNs get a bare RST.

	_, err := p.a.h.Connect(p.a.sock, p.b.sock.addr, 4, 1024, []byte("x"), nil)
	require.NoError(t, err)
	p.pump()

	require.Len(t, p.a.connects, 1)
	assert.ErrorIs(t, p.a.connects[0].status, ErrFailure)
	assert.Empty(t, p.a.h.conns, "refused connection record should be destroyed")
}

func TestConnectTimeout(t *testing.T) {
	sa, sb := newLoopPair()
	p := &pair{t: t}
	p.a = newSide(&p.clock, sa, 4, 1024)
	p.b = newSide(&p.clock, sb, 4, 1024)
	p.b.h.StartPassive()
	p.b.autoAccept = false // acceptor refuses, no SYN-ACK ever

	_, err := p.a.h.Connect(p.a.sock, p.b.sock.addr, 4, 1024, []byte("x"), nil)
	require.NoError(t, err)
	p.pump()
	require.Empty(t, p.a.connects)

	p.advance(10000) // connect timeout
	require.Len(t, p.a.connects, 1)
	assert.ErrorIs(t, p.a.connects[0].status, ErrTimeout)
	assert.Empty(t, p.a.h.conns)
}

func TestInOrderFragmentedDelivery(t *testing.T) {
	// segbmax 1060 makes maxDlen exactly 1000 for segmax 4.
	p := newPair(t, 4, 1060)
	p.open()
	require.Equal(t, uint32(1000), p.a.conn.sbuf.maxDLen)

	msg := make([]byte, 1500)
	for i := range msg {
		msg[i] = byte(i * 7)
	}
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 0))
	p.pump()

	require.Len(t, p.b.recvs, 1, "fragmented message must be delivered exactly once")
	assert.Equal(t, uint16(2), p.b.recvs[0].fcnt)
	assert.True(t, bytes.Equal(msg, p.b.recvs[0].data), "reassembled payload differs from input")

	require.Len(t, p.a.sends, 1)
	assert.Equal(t, 1500, p.a.sends[0].length)
	assert.NoError(t, p.a.sends[0].status)

	assertInvariants(t, p.a.conn)
	assertInvariants(t, p.b.conn)
}

func TestFragmentCountLaw(t *testing.T) {
	p := newPair(t, 16, 1060)
	p.open()
	maxDlen := int(p.a.conn.sbuf.maxDLen)

	for _, n := range []int{1, maxDlen - 1, maxDlen, maxDlen + 1, 3 * maxDlen, 3*maxDlen + 17} {
		p.a.recvs, p.b.recvs = nil, nil
		msg := make([]byte, n)
		for i := range msg {
			msg[i] = byte(i + n)
		}
		require.NoError(t, p.a.h.Send(p.a.conn, msg, 0))
		p.pump()

		wantFrags := (n + maxDlen - 1) / maxDlen
		require.Len(t, p.b.recvs, 1, "size %d", n)
		assert.Equal(t, uint16(wantFrags), p.b.recvs[0].fcnt, "size %d", n)
		assert.True(t, bytes.Equal(msg, p.b.recvs[0].data), "size %d", n)
	}
}

func TestSelectiveRetransmit(t *testing.T) {
	p := newPair(t, 8, 1060)
	p.open()

	dataSegs := 0
	p.a.sock.dropFn = func(b []byte) bool {
		if !isDataSegment(b) {
			return false
		}
		dataSegs++
		return dataSegs == 2 // lose the second data segment once
	}

	msgs := make([][]byte, 5)
	for i := range msgs {
		msgs[i] = bytes.Repeat([]byte{byte('a' + i)}, 100)
		require.NoError(t, p.a.h.Send(p.a.conn, msgs[i], 0))
	}
	p.pump()

	// The retransmit of the lost segment was accelerated by the EACK and
	// fired within the pump; everything is delivered in order.
	require.Len(t, p.b.recvs, 5)
	for i, r := range p.b.recvs {
		assert.True(t, bytes.Equal(msgs[i], r.data), "message %d out of order or corrupted", i)
	}

	// Exactly one extra data transmission: the fast retransmit. The
	// EACK-canceled segments were never resent.
	assert.Equal(t, 6, dataSegs)

	require.Len(t, p.a.sends, 5)
	for _, s := range p.a.sends {
		assert.NoError(t, s.status)
	}

	assertInvariants(t, p.a.conn)
	assertInvariants(t, p.b.conn)
}

func TestTTLExpiryPreTransmission(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()

	msg := bytes.Repeat([]byte{0x55}, 100)

	// The socket refuses the first transmission, so the segment is
	// queued but never on the wire; by the time the urgent retransmit
	// fires the TTL has long run out.
	p.a.sock.blockSends = 1
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 10))
	require.Empty(t, p.b.recvs)

	p.advance(urgentRetransmitTimeout)

	require.Len(t, p.a.sends, 1)
	assert.Equal(t, 100, p.a.sends[0].length)
	assert.ErrorIs(t, p.a.sends[0].status, ErrTTLExpired)
	assert.Empty(t, p.b.recvs, "expired message must never reach the peer")
	assert.Equal(t, uint16(0), p.a.conn.sbuf.pending)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()

	msg := bytes.Repeat([]byte{0xAA}, 100)
	p.a.sock.blockSends = 1
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 0))
	require.Empty(t, p.b.recvs)

	p.advance(urgentRetransmitTimeout)

	require.Len(t, p.b.recvs, 1)
	assert.True(t, bytes.Equal(msg, p.b.recvs[0].data))
	require.Len(t, p.a.sends, 1)
	assert.NoError(t, p.a.sends[0].status)
}

func TestOnWireSegmentKeepsRetransmitting(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()

	// First transmission reaches the wire but is lost in transit; the
	// segment must be retransmitted to completion even though its TTL
	// has expired by then.
	drops := 0
	p.a.sock.dropFn = func(b []byte) bool {
		if isDataSegment(b) && drops == 0 {
			drops++
			return true
		}
		return false
	}

	msg := bytes.Repeat([]byte{0x42}, 100)
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 10))
	p.pump()
	require.Empty(t, p.b.recvs)

	p.advance(retransmitTimeout)

	require.Len(t, p.b.recvs, 1)
	assert.True(t, bytes.Equal(msg, p.b.recvs[0].data))
}

func TestRetransmitExhaustion(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()

	// Every data segment is lost: retries burn down and the send
	// callback reports failure while the connection stays OPEN.
	p.a.sock.dropFn = isDataSegment

	msg := bytes.Repeat([]byte{0x13}, 100)
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 0))
	p.pump()

	for i := 0; i < retransmitRetry+1; i++ {
		p.advance(retransmitTimeout)
	}

	require.Len(t, p.a.sends, 1)
	assert.Equal(t, 100, p.a.sends[0].length)
	assert.ErrorIs(t, p.a.sends[0].status, ErrFailure)
	assert.Equal(t, StateOpen, p.a.conn.State())
	assert.Equal(t, uint16(0), p.a.conn.sbuf.pending)
}

func TestKeepAliveProbe(t *testing.T) {
	p := newPair(t, 4, 1024)
	p.open()

	opened := p.clock
	p.advance(5000) // persistTimeout

	// A probed, B answered; both sides saw traffic just now.
	assert.Equal(t, p.clock, p.a.conn.lastSeen)
	assert.Greater(t, p.a.conn.lastSeen, opened)
	assert.Empty(t, p.a.disconnects)
	assert.Empty(t, p.b.disconnects)
	assert.Equal(t, StateOpen, p.a.conn.State())
}

func TestLinkDeath(t *testing.T) {
	p := newPair(t, 4, 1024)
	p.open()
	aconn := p.a.conn

	// B goes mute: everything it sends is lost.
	p.b.sock.dropFn = func(b []byte) bool { return true }

	// 10 * probeTimeout of silence.
	for i := 0; i < 20; i++ {
		p.advance(5000)
	}
	assert.Equal(t, StateCloseWait, aconn.State())

	p.advance(1000) // timewait
	require.Len(t, p.a.disconnects, 1)
	assert.NoError(t, p.a.disconnects[0])
	assert.Empty(t, p.a.h.conns)
}

func TestDisconnectAPI(t *testing.T) {
	p := newPair(t, 4, 1024)
	p.open()

	require.NoError(t, p.a.h.Disconnect(p.a.conn))
	assert.Equal(t, StateCloseWait, p.a.conn.State())
	assert.ErrorIs(t, p.a.h.Send(p.a.conn, []byte("x"), 0), ErrInvalidState)
	assert.ErrorIs(t, p.a.h.Disconnect(p.a.conn), ErrInvalidState)
	p.pump()

	p.advance(1000)
	require.Len(t, p.a.disconnects, 1)
	assert.NoError(t, p.a.disconnects[0])
	require.Len(t, p.b.disconnects, 1)
	assert.NoError(t, p.b.disconnects[0])
	assert.Empty(t, p.a.h.conns)
	assert.Empty(t, p.b.h.conns)
}

func TestSequenceWraparound(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.a.h.isn = func() uint32 { return 0xFFFFFFF0 }
	p.open()
	require.Equal(t, uint32(0xFFFFFFF0), p.a.conn.snd.iss)

	sentBytes, recvBytes := 0, 0
	for i := 0; i < 40; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, 100)
		require.NoError(t, p.a.h.Send(p.a.conn, msg, 0), "message %d", i)
		p.pump()
		require.Len(t, p.b.recvs, i+1, "message %d not delivered", i)
		require.True(t, bytes.Equal(msg, p.b.recvs[i].data), "message %d corrupted", i)
		sentBytes += 100
	}

	// Conservation: bytes acknowledged OK equal bytes delivered.
	okBytes := 0
	for _, s := range p.a.sends {
		require.NoError(t, s.status)
		okBytes += s.length
	}
	for _, r := range p.b.recvs {
		recvBytes += len(r.data)
	}
	assert.Equal(t, sentBytes, okBytes)
	assert.Equal(t, sentBytes, recvBytes)

	assertInvariants(t, p.a.conn)
	assertInvariants(t, p.b.conn)
}

func TestReceiveWindowFullBackpressure(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()
	p.b.holdRelease = true

	for i := 0; i < 4; i++ {
		require.NoError(t, p.a.h.Send(p.a.conn, bytes.Repeat([]byte{byte(i)}, 100), 0))
		p.pump()
	}
	require.Len(t, p.b.recvs, 4)
	require.Len(t, p.b.held, 4)

	// The window closed segment by segment; the sender saw it.
	require.NotEmpty(t, p.a.windows)
	assert.Equal(t, uint16(0), p.a.windows[len(p.a.windows)-1])
	assert.Equal(t, uint16(0), p.a.conn.SendWindow())

	// Fifth message has nowhere to go.
	assert.ErrorIs(t, p.a.h.Send(p.a.conn, []byte("overflow"), 0), ErrBackpressure)

	// Release in order; out-of-order release is refused.
	assert.Error(t, p.b.h.ReleaseRcvBuffer(p.b.conn, p.b.held[2]))
	for _, rcv := range p.b.held {
		require.NoError(t, p.b.h.ReleaseRcvBuffer(p.b.conn, rcv))
	}
	assert.Equal(t, uint16(4), p.b.conn.rbuf.window)

	// The sender learns about the reopened window from the probe cycle.
	p.advance(5000)
	assert.Equal(t, uint16(4), p.a.conn.SendWindow())

	msg := bytes.Repeat([]byte{0x77}, 100)
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 0))
	p.pump()
	require.Len(t, p.b.recvs, 5)
	assert.True(t, bytes.Equal(msg, p.b.recvs[4].data))
}

func TestFragmentBackpressureLeavesNoTrace(t *testing.T) {
	p := newPair(t, 8, 1060)
	p.open()
	p.b.holdRelease = true

	// Occupy five credits without releasing.
	for i := 0; i < 5; i++ {
		require.NoError(t, p.a.h.Send(p.a.conn, bytes.Repeat([]byte{byte(i)}, 100), 0))
		p.pump()
	}
	require.Equal(t, uint16(3), p.a.conn.SendWindow())
	nxtBefore := p.a.conn.snd.nxt

	// A four-fragment message cannot fit the remaining credits.
	big := make([]byte, 3*int(p.a.conn.sbuf.maxDLen)+10)
	assert.ErrorIs(t, p.a.h.Send(p.a.conn, big, 0), ErrBackpressure)
	assert.Equal(t, nxtBefore, p.a.conn.snd.nxt, "backpressure must not enqueue segments")
	assert.Equal(t, uint16(0), p.a.conn.sbuf.pending)
}

func TestRecvBackoffRedelivery(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()
	p.b.refuse = 1

	msg := bytes.Repeat([]byte{0x99}, 100)
	require.NoError(t, p.a.h.Send(p.a.conn, msg, 0))
	p.pump()

	assert.Equal(t, 1, p.b.recvCalls)
	require.Empty(t, p.b.recvs, "refused delivery must not count")

	p.advance(recvTimeout)
	assert.Equal(t, 2, p.b.recvCalls)
	require.Len(t, p.b.recvs, 1)
	assert.True(t, bytes.Equal(msg, p.b.recvs[0].data))
}

func TestHeaderLengthMismatchDropped(t *testing.T) {
	p := newPair(t, 4, 1024)
	p.open()

	// Craft a data segment with a bogus header length and inject it at B.
	hdr := Header{
		Flags: FlagACK | FlagVER,
		HLen:  FixedHdrLen / 2, // B expects FixedHdrLen+4 for segmax 4
		Src:   p.a.conn.local,
		Dst:   p.a.conn.foreign,
		DLen:  4,
		Seq:   p.a.conn.snd.nxt,
		Ack:   p.a.conn.rcv.cur,
	}
	raw := make([]byte, FixedHdrLen+4)
	require.NoError(t, hdr.Marshal(raw))
	copy(raw[FixedHdrLen:], "junk")
	p.b.sock.queue = append(p.b.sock.queue, raw)
	p.pump()

	assert.Empty(t, p.b.recvs, "segment with bad header length must be dropped")
	assert.Equal(t, StateOpen, p.b.conn.State())
}

func TestNulProbeAnsweredWithWindow(t *testing.T) {
	p := newPair(t, 4, 1024)
	p.open()

	// Inject a NUL probe from A at B and check B stays healthy and the
	// exchange refreshes A's view.
	before := p.b.recvCalls
	bSent := p.b.sock.sent
	require.NoError(t, p.a.h.sendCtl(p.a.conn, FlagACK|FlagVER|FlagNUL,
		p.a.conn.snd.nxt, p.a.conn.rcv.cur, p.a.conn.rbuf.window))
	p.pump()

	assert.Greater(t, p.b.sock.sent, bSent, "B must answer the probe")
	assert.Equal(t, p.b.conn.rbuf.window, p.a.conn.SendWindow())
	assert.Equal(t, before, p.b.recvCalls, "NUL must not surface as data")
	assert.Equal(t, StateOpen, p.a.conn.State())
	assert.Equal(t, StateOpen, p.b.conn.State())
}

func TestSendPreconditions(t *testing.T) {
	p := newPair(t, 4, 1060)
	p.open()

	assert.ErrorIs(t, p.a.h.Send(p.a.conn, nil, 0), ErrInvalidData)
	assert.ErrorIs(t, p.a.h.Send(p.a.conn, make([]byte, MaxMessageLen+1), 0), ErrInvalidData)

	other := &Conn{}
	assert.ErrorIs(t, p.a.h.Send(other, []byte("x"), 0), ErrInvalidState)
}

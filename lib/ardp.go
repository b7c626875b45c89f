package lib

import (
	"errors"
	"log"
	"math/rand"
	"net"
	"time"
)

// GlobalConfig holds the per-handle protocol configuration. All timeouts
// are in milliseconds.
type GlobalConfig struct {
	ConnectTimeout uint32 // give up an unfinished handshake
	PersistTimeout uint32 // keep-alive probe period and window check period
	ProbeTimeout   uint32 // scaled by linkTimeoutFactor into the link-dead threshold
	TimeWait       uint32 // delay between close request and connection teardown
	Debug          bool
	Logger         *log.Logger // defaults to log.Default()
	Rand           *rand.Rand  // ISN source; seeded from crypto/rand when nil
}

// DefaultGlobalConfig returns the stock protocol timing.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		ConnectTimeout: 10000,
		PersistTimeout: 5000,
		ProbeTimeout:   10000,
		TimeWait:       1000,
	}
}

// Callbacks is the table of host notifications. Entries may be nil.
// All callbacks are invoked synchronously from Run or from the API call
// that caused the transition.
type Callbacks struct {
	// Accept is offered an inbound SYN. On a passive open, returning
	// false refuses the connection and destroys the record; on a
	// simultaneous open the return value is ignored.
	Accept func(h *Handle, addr *net.UDPAddr, conn *Conn, data []byte, status error) bool
	// Connect reports the outcome of a handshake, passive or active.
	Connect func(h *Handle, conn *Conn, passive bool, data []byte, status error)
	// Disconnect reports connection teardown.
	Disconnect func(h *Handle, conn *Conn, status error)
	// Recv delivers a complete message: the head slot of a fragment run.
	// Returning false asks the engine to back off and redeliver.
	Recv func(h *Handle, conn *Conn, rcv *RcvBuf, status error) bool
	// Send reports the fate of a message passed to Send: nil once the
	// last fragment is acknowledged, ErrFailure or ErrTTLExpired
	// otherwise. buf is the buffer the application passed in.
	Send func(h *Handle, conn *Conn, buf []byte, length int, status error)
	// SendWindow reports a change of the peer's advertised window.
	SendWindow func(h *Handle, conn *Conn, window uint16, status error)
}

// Conn is the record of one reliable link between hosts.
type Conn struct {
	state   State
	passive bool

	snd  sndState
	sbuf sbufState
	rcv  rcvState
	rbuf rbufState

	local   uint16 // our ARDP port
	foreign uint16 // the peer's ARDP port
	sock    Socket
	raddr   *net.UDPAddr

	window        uint16 // peer's current receive window
	minSendWindow uint16 // window needed to carry a max-size message
	sndHdrLen     uint16
	rcvHdrLen     uint16

	rcvMsk      rcvMask
	remoteMskSz uint16 // EACK words in segments the peer sends us

	lastSeen uint32 // engine time of the last segment from the peer
	timers   []*ardpTimer
	context  any
}

// State returns the connection's current protocol state.
func (c *Conn) State() State { return c.state }

// Passive reports whether the connection came from an accepted SYN.
func (c *Conn) Passive() bool { return c.passive }

// LocalPort returns the local ARDP port.
func (c *Conn) LocalPort() uint16 { return c.local }

// RemoteAddr returns the UDP address of the peer.
func (c *Conn) RemoteAddr() *net.UDPAddr { return c.raddr }

// SendWindow returns the peer's advertised window in segments.
func (c *Conn) SendWindow() uint16 { return c.window }

// Context returns the client context pointer set at Connect time.
func (c *Conn) Context() any { return c.context }

// MaxMessageSize returns the largest message Send can accept on this
// connection: bounded by the protocol limit and by what the send ring
// can hold at once. Zero until the send ring is allocated.
func (c *Conn) MaxMessageSize() int {
	if c.sbuf.maxDLen == 0 || c.snd.max == 0 {
		return 0
	}
	n := uint64(c.sbuf.maxDLen) * uint64(c.snd.max)
	if n > MaxMessageLen {
		n = MaxMessageLen
	}
	return int(n)
}

// SetContext replaces the client context pointer.
func (c *Conn) SetContext(ctx any) { c.context = ctx }

// Handle is the process-wide engine state: configuration, the set of
// active connections and the callback table. A handle is driven by a
// single goroutine calling Run; it never blocks and never spawns.
type Handle struct {
	config    GlobalConfig
	cb        Callbacks
	accepting bool
	conns     []*Conn
	tbase     time.Time
	rng       *rand.Rand
	context   any

	// Indirections for tests: monotonic clock and ISN source.
	now func() uint32
	isn func() uint32

	sndScratch []byte
	rcvScratch []byte
}

// NewHandle allocates an engine handle. The monotonic clock baseline and
// the random source live on the handle; there are no process singletons.
func NewHandle(config GlobalConfig, cb Callbacks) *Handle {
	h := &Handle{
		config:     config,
		cb:         cb,
		tbase:      time.Now(),
		sndScratch: make([]byte, maxDatagramLen),
		rcvScratch: make([]byte, maxDatagramLen),
	}
	if h.config.Logger == nil {
		h.config.Logger = log.Default()
	}
	h.rng = config.Rand
	if h.rng == nil {
		seed, err := GenerateISN()
		if err != nil {
			seed = uint32(time.Now().UnixNano())
		}
		h.rng = rand.New(rand.NewSource(int64(seed)))
	}
	h.now = func() uint32 {
		return uint32(time.Since(h.tbase) / time.Millisecond)
	}
	h.isn = func() uint32 {
		return h.rng.Uint32()
	}
	return h
}

// Free tears down every connection still on the handle.
func (h *Handle) Free() {
	for len(h.conns) > 0 {
		h.delConnRecord(h.conns[0])
	}
}

// StartPassive makes the handle accept unsolicited SYNs.
func (h *Handle) StartPassive() {
	h.accepting = true
}

// SetContext attaches a client context pointer to the handle.
func (h *Handle) SetContext(ctx any) { h.context = ctx }

// Context returns the handle's client context pointer.
func (h *Handle) Context() any { return h.context }

func (h *Handle) timeNow() uint32 { return h.now() }

func (h *Handle) logf(format string, args ...any) {
	if h.config.Debug {
		h.config.Logger.Printf(format, args...)
	}
}

func (h *Handle) setState(conn *Conn, state State) {
	h.logf("conn %d->%d: %v => %v", conn.local, conn.foreign, conn.state, state)
	conn.state = state
}

func (h *Handle) isConnValid(conn *Conn) bool {
	for _, c := range h.conns {
		if c == conn {
			return true
		}
	}
	return false
}

func (h *Handle) findConn(local, foreign uint16) *Conn {
	for _, c := range h.conns {
		if c.local == local && c.foreign == foreign {
			return c
		}
	}
	return nil
}

// newConnRecord allocates and seeds a connection record bound to the
// given socket and peer address.
func (h *Handle) newConnRecord(sock Socket, raddr *net.UDPAddr, foreign uint16) *Conn {
	conn := &Conn{
		state:     StateClosed,
		sock:      sock,
		raddr:     raddr,
		foreign:   foreign,
		local:     uint16(h.rng.Intn(65534)) + 1, // ephemeral ARDP port
		sndHdrLen: FixedHdrLen,
		rcvHdrLen: FixedHdrLen,
	}
	h.initSnd(conn)
	h.conns = append(h.conns, conn)
	return conn
}

// delConnRecord removes a connection and releases everything it owns.
func (h *Handle) delConnRecord(conn *Conn) {
	conn.cancelAllTimers()
	conn.sbuf.snd = nil
	conn.rbuf.rcv = nil
	for i, c := range h.conns {
		if c == conn {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			break
		}
	}
}

// Connect opens a connection actively: allocates the receive ring, sends
// a SYN carrying our capacities and optional payload, and starts the
// connect timer. The outcome arrives through the Connect callback.
func (h *Handle) Connect(sock Socket, raddr *net.UDPAddr, segmax, segbmax uint16, syndata []byte, context any) (*Conn, error) {
	if raddr == nil || sock == nil {
		return nil, ErrInvalidData
	}
	if len(syndata) > int(segbmax) {
		return nil, ErrInvalidData
	}

	conn := h.newConnRecord(sock, raddr, 0)
	if err := h.initRcv(conn, segmax, segbmax); err != nil {
		h.delConnRecord(conn)
		return nil, err
	}
	conn.passive = false
	conn.context = context

	if err := h.sendSyn(conn, segmax, segbmax, syndata); err != nil && !errors.Is(err, ErrWouldBlock) {
		h.delConnRecord(conn)
		return nil, err
	}
	return conn, nil
}

// Accept completes a passive open previously offered through the Accept
// callback: allocates both rings and answers with a SYN-ACK.
func (h *Handle) Accept(conn *Conn, segmax, segbmax uint16, syndata []byte) error {
	if !h.isConnValid(conn) {
		return ErrInvalidState
	}
	if err := h.initRcv(conn, segmax, segbmax); err != nil {
		h.delConnRecord(conn)
		return err
	}
	if err := conn.initSBuf(); err != nil {
		h.delConnRecord(conn)
		return err
	}
	h.setState(conn, StateSynRcvd)
	return h.sendSynAck(conn, segmax, segbmax, syndata)
}

// Disconnect starts an orderly close: RST to the peer and a timewait
// delay before the record is destroyed.
func (h *Handle) Disconnect(conn *Conn) error {
	if !h.isConnValid(conn) || conn.state == StateClosed || conn.state == StateCloseWait {
		return ErrInvalidState
	}
	if conn.state == StateOpen {
		h.addTimer(conn, disconnectTimer, disconnectTimerHandler, nil, h.config.TimeWait, disconnectRetry)
		h.setState(conn, StateCloseWait)
		return h.sendCtl(conn, FlagRST|FlagVER, conn.snd.nxt, conn.rcv.cur, conn.rbuf.window)
	}
	h.setState(conn, StateClosed)
	h.addTimer(conn, disconnectTimer, disconnectTimerHandler, nil, 0, disconnectRetry)
	return nil
}

// Send queues a message of up to MaxMessageLen bytes with the given TTL
// in milliseconds (0 = forever). The buffer belongs to the engine until
// the Send callback reports its fate.
func (h *Handle) Send(conn *Conn, buf []byte, ttl uint32) error {
	if !h.isConnValid(conn) || conn.state != StateOpen {
		return ErrInvalidState
	}
	if len(buf) == 0 || len(buf) > MaxMessageLen {
		return ErrInvalidData
	}
	if conn.window == 0 || conn.snd.nxt-conn.snd.una >= uint32(conn.window) {
		return ErrBackpressure
	}
	if conn.snd.nxt-conn.snd.una >= conn.snd.max {
		return ErrBackpressure
	}
	return h.sendData(conn, buf, ttl)
}

// ReleaseRcvBuffer returns a consumed message (the head slot handed to
// the Recv callback) to the receive ring, opening the window. Messages
// must be released in sequence order.
func (h *Handle) ReleaseRcvBuffer(conn *Conn, rcv *RcvBuf) error {
	if !h.isConnValid(conn) {
		return ErrInvalidState
	}
	return h.releaseRcvBuffers(conn, rcv)
}

// Run advances the engine: fires due timers, then drains the socket when
// socketReady. It returns the number of milliseconds until the next
// pending timer (NoTimeout when none); the caller is expected to sleep or
// poll with that bound and call Run again.
func (h *Handle) Run(sock Socket, socketReady bool) (uint32, error) {
	h.checkTimers()

	for socketReady {
		n, raddr, err := sock.RecvFrom(h.rcvScratch)
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			return h.checkTimers(), err
		}
		if n < FixedHdrLen || n >= maxDatagramLen {
			continue
		}
		raw := h.rcvScratch[:n]

		local, foreign, err := protocolDemux(raw)
		if err != nil {
			continue
		}

		if local == 0 {
			// Unsolicited SYN: offer a passive open, or refuse.
			if h.accepting && h.cb.Accept != nil {
				conn := h.newConnRecord(sock, raddr, foreign)
				h.acceptSegment(conn, raw)
			} else {
				h.sendRst(sock, raddr, local, foreign, 0, 0, false)
			}
			continue
		}

		if conn := h.findConn(local, foreign); conn != nil {
			conn.lastSeen = h.timeNow()
			h.receiveSegment(conn, raw)
			continue
		}
		// Half-open connection still waiting to learn the peer's port?
		if conn := h.findConn(local, 0); conn != nil {
			conn.lastSeen = h.timeNow()
			h.receiveSegment(conn, raw)
			continue
		}
		// Ignore anything else.
	}

	return h.checkTimers(), nil
}

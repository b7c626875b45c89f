// Package stream adapts the ARDP protocol engine to connection-oriented
// Read/Write semantics. One Core owns one engine handle and one UDP
// socket and drives them from a single goroutine; all engine access is
// serialized through the core's mutex, which makes the core the I/O
// dispatcher the engine's concurrency contract asks for.
package stream

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/ardp/config"
	"github.com/Clouded-Sabre/ardp/lib"
)

// maxPollInterval bounds how long the driver sleeps, so timers scheduled
// by application calls are picked up promptly even when the engine
// reported a distant deadline.
const maxPollInterval = 500

// CoreConfig configures a stream core.
type CoreConfig struct {
	LocalAddr       string // UDP listen address, e.g. "127.0.0.1:9700"
	SegMax          uint16 // receive ring size advertised to peers
	SegBMax         uint16 // max segment size advertised to peers
	PayloadPoolSize int    // pooled message buffers
	PoolDebug       bool
	Engine          lib.GlobalConfig
}

// DefaultCoreConfig returns a stock configuration listening on laddr.
func DefaultCoreConfig(laddr string) *CoreConfig {
	return &CoreConfig{
		LocalAddr:       laddr,
		SegMax:          32,
		SegBMax:         1472,
		PayloadPoolSize: 256,
		Engine:          lib.DefaultGlobalConfig(),
	}
}

// NewCoreConfig builds a core configuration from the application config.
func NewCoreConfig(appCfg *config.Config, laddr string) *CoreConfig {
	return &CoreConfig{
		LocalAddr:       laddr,
		SegMax:          uint16(appCfg.SegMax),
		SegBMax:         uint16(appCfg.SegBMax),
		PayloadPoolSize: appCfg.PayloadPoolSize,
		PoolDebug:       appCfg.PoolDebug,
		Engine:          appCfg.Engine(),
	}
}

type dialResult struct {
	conn *Conn
	err  error
}

// Core drives one ARDP engine over one UDP socket.
type Core struct {
	cfg    *CoreConfig
	handle *lib.Handle
	sock   *lib.UDPSocket
	pool   *rp.RingPool

	mu          sync.Mutex // serializes all engine access
	conns       map[*lib.Conn]*Conn
	dialWaiters map[*lib.Conn]chan dialResult
	inflight    map[*byte]*rp.Element // write buffers the engine still references
	accepting   bool

	acceptCh    chan *Conn
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewCore opens the socket and starts the driver goroutine.
func NewCore(cfg *CoreConfig) (*Core, error) {
	sock, err := lib.ListenUDP(cfg.LocalAddr)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:         cfg,
		sock:        sock,
		conns:       make(map[*lib.Conn]*Conn),
		dialWaiters: make(map[*lib.Conn]chan dialResult),
		inflight:    make(map[*byte]*rp.Element),
		acceptCh:    make(chan *Conn, 16),
		closeSignal: make(chan struct{}),
	}

	rp.Debug = cfg.PoolDebug
	c.pool = rp.NewRingPool("ARDP: ", cfg.PayloadPoolSize, lib.NewPayload, lib.MaxMessageLen)
	c.pool.Debug = cfg.PoolDebug

	c.handle = lib.NewHandle(cfg.Engine, lib.Callbacks{
		Accept:     c.onAccept,
		Connect:    c.onConnect,
		Disconnect: c.onDisconnect,
		Recv:       c.onRecv,
		Send:       c.onSend,
		SendWindow: c.onSendWindow,
	})

	c.wg.Add(1)
	go c.runLoop()

	log.Println("ARDP stream core started on", sock.LocalAddr())
	return c, nil
}

// LocalAddr returns the bound UDP address.
func (c *Core) LocalAddr() *net.UDPAddr { return c.sock.LocalAddr() }

// Listen arms passive opens and returns the accept queue.
func (c *Core) Listen() *Service {
	c.mu.Lock()
	c.accepting = true
	c.handle.StartPassive()
	c.mu.Unlock()
	return &Service{core: c}
}

// Dial opens a connection to raddr and blocks until the handshake
// resolves one way or the other.
func (c *Core) Dial(raddr string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}

	ch := make(chan dialResult, 1)
	c.mu.Lock()
	ac, err := c.handle.Connect(c.sock, addr, c.cfg.SegMax, c.cfg.SegBMax, nil, nil)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	c.dialWaiters[ac] = ch
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.Engine.ConnectTimeout+1000) * time.Millisecond
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.dialWaiters, ac)
		c.mu.Unlock()
		return nil, lib.ErrTimeout
	case <-c.closeSignal:
		return nil, fmt.Errorf("stream core is closed")
	}
}

// Close stops the driver and tears down every connection.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeSignal)
		c.sock.Close()
	})
	c.wg.Wait()
	c.mu.Lock()
	c.handle.Free()
	c.mu.Unlock()
	return nil
}

// runLoop is the cooperative driver: sleep until the socket is readable
// or the engine's next deadline arrives, then advance the engine.
func (c *Core) runLoop() {
	defer c.wg.Done()
	next := uint32(maxPollInterval)
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}

		timeout := next
		if timeout > maxPollInterval {
			timeout = maxPollInterval
		}
		ready, err := c.sock.WaitReadable(timeout)
		if err != nil {
			select {
			case <-c.closeSignal:
			default:
				log.Println("stream core: poll:", err)
			}
			return
		}

		c.mu.Lock()
		next, err = c.handle.Run(c.sock, ready)
		c.mu.Unlock()
		if err != nil {
			select {
			case <-c.closeSignal:
				return
			default:
				log.Println("stream core: run:", err)
			}
		}
	}
}

// Engine callbacks. All of them run with c.mu held, from the driver
// goroutine or from an API call; none of them may lock or block.

func (c *Core) onAccept(h *lib.Handle, addr *net.UDPAddr, ac *lib.Conn, data []byte, status error) bool {
	if !c.accepting || status != nil {
		return false
	}
	if err := h.Accept(ac, c.cfg.SegMax, c.cfg.SegBMax, nil); err != nil {
		log.Println("stream: accept:", err)
		return false
	}
	return true
}

func (c *Core) onConnect(h *lib.Handle, ac *lib.Conn, passive bool, data []byte, status error) {
	if passive {
		if status != nil {
			return
		}
		sc := newConn(c, ac)
		c.conns[ac] = sc
		select {
		case c.acceptCh <- sc:
		default:
			log.Println("stream: accept queue full, refusing connection")
			delete(c.conns, ac)
			h.Disconnect(ac)
		}
		return
	}

	ch := c.dialWaiters[ac]
	if ch == nil {
		return
	}
	delete(c.dialWaiters, ac)
	if status != nil {
		ch <- dialResult{err: status}
		return
	}
	sc := newConn(c, ac)
	c.conns[ac] = sc
	ch <- dialResult{conn: sc}
}

func (c *Core) onDisconnect(h *lib.Handle, ac *lib.Conn, status error) {
	if ch := c.dialWaiters[ac]; ch != nil {
		delete(c.dialWaiters, ac)
		ch <- dialResult{err: lib.ErrFailure}
	}
	if sc := c.conns[ac]; sc != nil {
		delete(c.conns, ac)
		sc.markClosed()
	}
}

// onRecv copies a complete message out of the engine's receive ring into
// a pooled chunk and queues it for the reader, releasing the ring slots
// immediately. A full reader queue makes the engine back off.
func (c *Core) onRecv(h *lib.Handle, ac *lib.Conn, rcv *lib.RcvBuf, status error) bool {
	sc := c.conns[ac]
	if sc == nil {
		return false
	}

	elem := c.pool.GetElement()
	if elem == nil {
		return false
	}
	payload := elem.Data.(*lib.Payload)
	payload.Reset()

	fragment := rcv
	for i := uint16(0); i < rcv.FragmentCount(); i++ {
		if err := payload.Append(fragment.Payload()); err != nil {
			log.Println("stream: recv:", err)
			c.pool.ReturnElement(elem)
			h.ReleaseRcvBuffer(ac, rcv)
			return true // drop the oversized message, keep the link
		}
		fragment = fragment.Next()
	}

	select {
	case sc.readCh <- elem:
		h.ReleaseRcvBuffer(ac, rcv)
		return true
	default:
		c.pool.ReturnElement(elem)
		return false
	}
}

func (c *Core) onSend(h *lib.Handle, ac *lib.Conn, buf []byte, length int, status error) {
	if len(buf) > 0 {
		if elem, ok := c.inflight[&buf[0]]; ok {
			delete(c.inflight, &buf[0])
			c.pool.ReturnElement(elem)
		}
	}
	if status != nil {
		log.Printf("stream: send of %d bytes failed: %v", length, status)
	}
	if sc := c.conns[ac]; sc != nil {
		sc.signalSend()
	}
}

func (c *Core) onSendWindow(h *lib.Handle, ac *lib.Conn, window uint16, status error) {
	if sc := c.conns[ac]; sc != nil && window > 0 {
		sc.signalSend()
	}
}

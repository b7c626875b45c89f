package stream

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/ardp/lib"
)

// Conn is a stream-flavored view of one ARDP connection. Reads drain a
// queue of pooled message chunks filled by the engine callbacks; writes
// hand pooled copies to the engine and honor its backpressure.
type Conn struct {
	core *Core
	ac   *lib.Conn

	readCh chan *rp.Element
	cur    *rp.Element // chunk currently being consumed by Read
	off    int

	sendSignal chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

func newConn(core *Core, ac *lib.Conn) *Conn {
	return &Conn{
		core:       core,
		ac:         ac,
		readCh:     make(chan *rp.Element, 64),
		sendSignal: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

// RemoteAddr returns the UDP address of the peer.
func (sc *Conn) RemoteAddr() net.Addr { return sc.ac.RemoteAddr() }

// Read returns the next chunk of received bytes. Message boundaries are
// not preserved; a message may be consumed across several reads.
func (sc *Conn) Read(p []byte) (int, error) {
	if sc.cur == nil {
		select {
		case elem, ok := <-sc.readCh:
			if !ok {
				return 0, io.EOF
			}
			sc.cur = elem
			sc.off = 0
		case <-sc.closed:
			// Drain data that arrived before the close.
			select {
			case elem := <-sc.readCh:
				sc.cur = elem
				sc.off = 0
			default:
				return 0, io.EOF
			}
		}
	}

	data := sc.cur.Data.(*lib.Payload).GetSlice()
	n := copy(p, data[sc.off:])
	sc.off += n
	if sc.off >= len(data) {
		sc.core.pool.ReturnElement(sc.cur)
		sc.cur = nil
	}
	return n, nil
}

// Write sends p as one or more messages. It blocks while the engine
// reports backpressure and returns once every message is queued.
func (sc *Conn) Write(p []byte) (int, error) {
	written := 0
	limit := sc.ac.MaxMessageSize()
	if limit <= 0 {
		return 0, lib.ErrInvalidState
	}
	for len(p) > 0 {
		chunk := p
		if len(chunk) > limit {
			chunk = p[:limit]
		}

		elem := sc.core.pool.GetElement()
		if elem == nil {
			return written, lib.ErrFailure
		}
		payload := elem.Data.(*lib.Payload)
		if err := payload.Copy(chunk); err != nil {
			sc.core.pool.ReturnElement(elem)
			return written, err
		}
		buf := payload.GetSlice()

		for {
			select {
			case <-sc.closed:
				sc.core.pool.ReturnElement(elem)
				return written, io.ErrClosedPipe
			default:
			}

			sc.core.mu.Lock()
			err := sc.core.handle.Send(sc.ac, buf, 0)
			if err == nil {
				sc.core.inflight[&buf[0]] = elem
			}
			sc.core.mu.Unlock()

			if err == nil {
				break
			}
			if errors.Is(err, lib.ErrBackpressure) {
				// Wait for acknowledgment progress or a window update.
				select {
				case <-sc.sendSignal:
				case <-time.After(10 * time.Millisecond):
				case <-sc.closed:
					sc.core.pool.ReturnElement(elem)
					return written, io.ErrClosedPipe
				}
				continue
			}
			sc.core.pool.ReturnElement(elem)
			return written, err
		}

		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close starts an orderly disconnect. Reads drain buffered data and then
// report EOF once the engine finishes the teardown.
func (sc *Conn) Close() error {
	sc.core.mu.Lock()
	err := sc.core.handle.Disconnect(sc.ac)
	sc.core.mu.Unlock()
	if errors.Is(err, lib.ErrInvalidState) {
		// Already closing or gone.
		err = nil
	}
	return err
}

func (sc *Conn) markClosed() {
	sc.closeOnce.Do(func() {
		close(sc.closed)
	})
}

func (sc *Conn) signalSend() {
	select {
	case sc.sendSignal <- struct{}{}:
	default:
	}
}

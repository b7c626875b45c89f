package lib

import "net"

// loopSock is an in-memory datagram pair for deterministic engine tests.
// Everything runs on one goroutine, so no locking. Outbound datagrams can
// be dropped through dropFn or refused with would-block via blockSends.
type loopSock struct {
	addr       *net.UDPAddr
	peer       *loopSock
	queue      [][]byte
	dropFn     func(b []byte) bool
	blockSends int
	sent       int
}

func newLoopPair() (*loopSock, *loopSock) {
	a := &loopSock{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9701}}
	b := &loopSock{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9702}}
	a.peer, b.peer = b, a
	return a, b
}

func (s *loopSock) SendTo(b []byte, addr *net.UDPAddr) error {
	if s.blockSends > 0 {
		s.blockSends--
		return ErrWouldBlock
	}
	s.sent++
	if s.dropFn != nil && s.dropFn(b) {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.peer.queue = append(s.peer.queue, cp)
	return nil
}

func (s *loopSock) RecvFrom(b []byte) (int, *net.UDPAddr, error) {
	if len(s.queue) == 0 {
		return 0, nil, ErrWouldBlock
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	n := copy(b, d)
	return n, s.peer.addr, nil
}

func (s *loopSock) WaitReadable(timeoutMS uint32) (bool, error) {
	return len(s.queue) > 0, nil
}

func (s *loopSock) Close() error { return nil }

// isDataSegment reports whether a raw datagram is a non-SYN segment
// carrying payload. Used by drop filters.
func isDataSegment(b []byte) bool {
	if len(b) < FixedHdrLen {
		return false
	}
	var h Header
	if h.Unmarshal(b) != nil {
		return false
	}
	return h.Flags&FlagSYN == 0 && h.DLen > 0
}

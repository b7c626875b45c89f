package lib

import "net"

// Socket is the datagram transport the engine runs over. It must be
// non-blocking: both SendTo and RecvFrom return ErrWouldBlock instead of
// blocking, and WaitReadable is where the driving goroutine sleeps.
type Socket interface {
	// SendTo pushes one datagram at addr. ErrWouldBlock signals a full
	// socket buffer; the engine treats it as a soft failure that
	// accelerates the next retransmit.
	SendTo(b []byte, addr *net.UDPAddr) error
	// RecvFrom pops one datagram. ErrWouldBlock means drained.
	RecvFrom(b []byte) (int, *net.UDPAddr, error)
	// WaitReadable blocks up to timeoutMS milliseconds (NoTimeout =
	// no limit) and reports whether the socket is readable.
	WaitReadable(timeoutMS uint32) (bool, error)
	Close() error
}

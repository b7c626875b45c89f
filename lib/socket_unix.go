//go:build linux || darwin

package lib

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// UDPSocket is a non-blocking IPv4 UDP datagram socket.
type UDPSocket struct {
	fd    int
	laddr *net.UDPAddr
}

// ListenUDP opens a non-blocking UDP socket bound to laddr
// (e.g. "127.0.0.1:0" for an ephemeral port).
func ListenUDP(laddr string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("listen udp: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen udp: set nonblock: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen udp: bind %s: %w", laddr, err)
	}

	// Learn the port actually assigned.
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen udp: getsockname: %w", err)
	}
	local := &net.UDPAddr{IP: addr.IP}
	if sa4, ok := bound.(*unix.SockaddrInet4); ok {
		local.Port = sa4.Port
		local.IP = net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
	}

	return &UDPSocket{fd: fd, laddr: local}, nil
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() *net.UDPAddr { return s.laddr }

// SendTo pushes one datagram. A full socket buffer maps to ErrWouldBlock.
func (s *UDPSocket) SendTo(b []byte, addr *net.UDPAddr) error {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	err := unix.Sendto(s.fd, b, 0, sa)
	if err == unix.EAGAIN || err == unix.EINTR {
		return ErrWouldBlock
	}
	if err != nil {
		return fmt.Errorf("sendto %s: %w", addr, err)
	}
	return nil
}

// RecvFrom pops one datagram; ErrWouldBlock when the socket is drained.
func (s *UDPSocket) RecvFrom(b []byte) (int, *net.UDPAddr, error) {
	n, from, err := unix.Recvfrom(s.fd, b, 0)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil, ErrWouldBlock
	}
	if err != nil {
		return 0, nil, fmt.Errorf("recvfrom: %w", err)
	}
	addr := &net.UDPAddr{}
	if sa4, ok := from.(*unix.SockaddrInet4); ok {
		addr.IP = net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
		addr.Port = sa4.Port
	}
	return n, addr, nil
}

// WaitReadable polls the socket for readability with the given bound.
func (s *UDPSocket) WaitReadable(timeoutMS uint32) (bool, error) {
	timeout := -1
	if timeoutMS != NoTimeout {
		timeout = int(timeoutMS)
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeout)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	return n > 0, nil
}

// Close releases the file descriptor.
func (s *UDPSocket) Close() error {
	return unix.Close(s.fd)
}

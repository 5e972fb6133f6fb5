// Package network wraps the raw socket syscalls the bootstrap and the
// reactor's connect/accept/getsockname paths need, all non-blocking.
package network

import (
	"net"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a non-blocking TCP listener bound to port on all
// interfaces.
func ListenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// BindUDP opens the single non-blocking UDP socket used for DNS, bound to
// an ephemeral port.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	addr := &unix.SockaddrInet4{}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// AcceptNonblocking accepts one connection off a non-blocking listener. A
// spurious wake (no connection actually pending) is reported as fd==0,
// ok==false, err==nil, matching the "may be null" case spec.md §4.2 calls
// out.
func AcceptNonblocking(listenerFD int) (fd int, ok bool, err error) {
	nfd, _, acceptErr := unix.Accept(listenerFD)
	if acceptErr != nil {
		if acceptErr == unix.EAGAIN || acceptErr == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		return 0, false, acceptErr
	}

	if setErr := unix.SetNonblock(nfd, true); setErr != nil {
		unix.Close(nfd)
		return 0, false, setErr
	}

	return nfd, true, nil
}

// DialTCPNonblocking opens a non-blocking TCP socket and starts an
// asynchronous connect to ip:port. inProgress is true when the connect has
// not finished synchronously and the caller must wait for OP_CONNECT.
func DialTCPNonblocking(ip net.IP, port uint16) (fd int, inProgress bool, err error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false, unix.EAFNOSUPPORT
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, false, err
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, false, err
	}

	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], v4)

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}

	unix.Close(fd)
	return 0, false, err
}

// ConnectError returns the pending error on a socket following an
// asynchronous connect, per SO_ERROR. A zero return means the connect
// succeeded.
func ConnectError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

// LocalAddr returns the local IPv4 address and port a connected socket is
// bound to, used to populate the BND fields of a successful CONNECT reply.
func LocalAddr(fd int) (addr [4]byte, port uint16, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return addr, 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return addr, 0, unix.EAFNOSUPPORT
	}
	copy(addr[:], in4.Addr[:])
	return addr, uint16(in4.Port), nil
}

// ShutdownWrite half-closes the write side of fd, announcing EOF to the
// peer while leaving the read side open for draining.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

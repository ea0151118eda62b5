package bluetooth

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RFCOMMChannelMax is the highest RFCOMM server channel.
const RFCOMMChannelMax uint8 = 30

// RFCOMMAddr addresses one endpoint of an RFCOMM connection: a BR/EDR
// device address plus a server channel.
type RFCOMMAddr struct {
	MAC     MAC
	Channel uint8
}

// Network returns the address family, "rfcomm".
func (a RFCOMMAddr) Network() string { return "rfcomm" }

func (a RFCOMMAddr) String() string {
	return fmt.Sprintf("%s:%d", a.MAC.String(), a.Channel)
}

func rfcommSockaddr(addr RFCOMMAddr) *unix.SockaddrRFCOMM {
	return &unix.SockaddrRFCOMM{
		Addr:    addr.MAC,
		Channel: addr.Channel,
	}
}

func rfcommAddrFromSockaddr(sa unix.Sockaddr, channelFallback uint8) RFCOMMAddr {
	rf, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return RFCOMMAddr{Channel: channelFallback}
	}
	return RFCOMMAddr{MAC: rf.Addr, Channel: rf.Channel}
}

// rfcommStream wraps a connected RFCOMM socket. RFCOMM negotiates its frame
// size internally and exposes plain byte-stream semantics, so the stream
// carries no MTU bound.
func rfcommStream(fd int, laddr, raddr RFCOMMAddr) (*Stream, error) {
	return newStream(fd, 0, 0, laddr, raddr)
}

// RFCOMMListener is a bound and listening RFCOMM socket.
type RFCOMMListener struct {
	f    *os.File
	rc   syscall.RawConn
	addr RFCOMMAddr
}

// ListenRFCOMM creates a non-blocking RFCOMM socket, binds it to the given
// local address and enters the listen state. A channel of zero lets the
// kernel pick a free one; the assigned value is visible through Addr.
// Binding a busy channel fails with EADDRINUSE.
func ListenRFCOMM(addr RFCOMMAddr) (*RFCOMMListener, error) {
	fd, err := btSocket(unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrap(err, "bluetooth: rfcomm socket")
	}
	if err := unix.Bind(fd, rfcommSockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bluetooth: bind %s", addr)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bluetooth: listen %s", addr)
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		addr = rfcommAddrFromSockaddr(sa, addr.Channel)
	}
	f := os.NewFile(uintptr(fd), "rfcomm")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RFCOMMListener{f: f, rc: rc, addr: addr}, nil
}

// Accept suspends until a connection is ready and returns the new stream
// together with the peer address. The stream owns its own descriptor,
// independent of the listener.
func (l *RFCOMMListener) Accept() (*Stream, RFCOMMAddr, error) {
	nfd, sa, err := sockAccept(l.rc)
	if err != nil {
		return nil, RFCOMMAddr{}, errors.Wrap(err, "bluetooth: accept")
	}
	peer := rfcommAddrFromSockaddr(sa, 0)
	s, err := rfcommStream(nfd, l.addr, peer)
	if err != nil {
		unix.Close(nfd)
		return nil, RFCOMMAddr{}, err
	}
	return s, peer, nil
}

// Addr returns the bound local address, including a kernel-assigned
// channel.
func (l *RFCOMMListener) Addr() RFCOMMAddr { return l.addr }

// Close closes the listening socket. Blocked Accept calls are unblocked and
// return errors.
func (l *RFCOMMListener) Close() error { return l.f.Close() }

// DialRFCOMM opens a non-blocking RFCOMM connection to the given peer,
// suspending until the socket is connected.
func DialRFCOMM(addr RFCOMMAddr) (*Stream, error) {
	fd, err := btSocket(unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrap(err, "bluetooth: rfcomm socket")
	}
	f := os.NewFile(uintptr(fd), "rfcomm")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := sockConnect(rc, rfcommSockaddr(addr)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "bluetooth: connect %s", addr)
	}
	var laddr RFCOMMAddr
	rc.Control(func(cfd uintptr) {
		if sa, err := unix.Getsockname(int(cfd)); err == nil {
			laddr = rfcommAddrFromSockaddr(sa, 0)
		}
	})
	return &Stream{f: f, rc: rc, laddr: laddr, raddr: addr}, nil
}

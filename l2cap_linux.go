package bluetooth

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// AddressType discriminates the kind of device address carried in a socket
// address. The values match the kernel BDADDR_* constants.
type AddressType uint8

const (
	AddressTypeBREDR    AddressType = unix.BDADDR_BREDR
	AddressTypeLEPublic AddressType = unix.BDADDR_LE_PUBLIC
	AddressTypeLERandom AddressType = unix.BDADDR_LE_RANDOM
)

// PSM (protocol/service multiplexor) ranges. Binding below the dynamic
// range start requires CAP_NET_BIND_SERVICE; the kernel answers EACCES
// otherwise.
const (
	PSMDynStart   uint16 = 0x1001 // BR/EDR dynamic range start
	PSMLEDynStart uint16 = 0x0080 // LE dynamic range start
)

// Fallback when the BT_SNDMTU query is unsupported (pre-4.20 kernels):
// the L2CAP default MTU from the Bluetooth core specification.
const l2capDefaultMTU = 672

// L2CAPAddr addresses one endpoint of an L2CAP connection: a device
// address, its address type, and a PSM.
type L2CAPAddr struct {
	MAC         MAC
	AddressType AddressType
	PSM         uint16
}

// Network returns the address family, "l2cap".
func (a L2CAPAddr) Network() string { return "l2cap" }

func (a L2CAPAddr) String() string {
	return fmt.Sprintf("%s:%#04x", a.MAC.String(), a.PSM)
}

// L2CAPOptions configures the local side of an L2CAP socket before it is
// bound or connected.
type L2CAPOptions struct {
	// RecvMTU is the local receive MTU announced to the peer during
	// connection establishment. Zero keeps the kernel default.
	RecvMTU uint16

	// Security is the required link security level. SecuritySDP (zero)
	// keeps the kernel default.
	Security SecurityLevel
}

func l2capSockaddr(addr L2CAPAddr) *unix.SockaddrL2 {
	return &unix.SockaddrL2{
		PSM:      addr.PSM,
		Addr:     addr.MAC,
		AddrType: uint8(addr.AddressType),
	}
}

func l2capAddrFromSockaddr(sa unix.Sockaddr, psmFallback uint16) L2CAPAddr {
	l2, ok := sa.(*unix.SockaddrL2)
	if !ok {
		return L2CAPAddr{PSM: psmFallback}
	}
	return L2CAPAddr{
		MAC:         l2.Addr,
		AddressType: AddressType(l2.AddrType),
		PSM:         l2.PSM,
	}
}

func l2capSetup(fd int, opts L2CAPOptions) error {
	if opts.Security != SecuritySDP {
		if err := setSecurity(fd, opts.Security); err != nil {
			return errors.Wrap(err, "bluetooth: set security level")
		}
	}
	if opts.RecvMTU != 0 {
		mtu := opts.RecvMTU
		err := unix.SetsockoptString(fd, unix.SOL_BLUETOOTH, btRcvMTU, string([]byte{byte(mtu), byte(mtu >> 8)}))
		if err != nil {
			return errors.Wrap(err, "bluetooth: set receive MTU")
		}
	}
	return nil
}

// l2capStream wraps a connected L2CAP socket. Both MTUs are queried once
// here and fixed for the lifetime of the stream.
func l2capStream(fd int, laddr, raddr L2CAPAddr) (*Stream, error) {
	sendMTU, err := getsockoptUint16(fd, btSndMTU)
	if err != nil {
		sendMTU = l2capDefaultMTU
	}
	recvMTU, recvErr := getsockoptUint16(fd, btRcvMTU)
	s, err := newStream(fd, int(sendMTU), int(recvMTU), laddr, raddr)
	if err != nil {
		return nil, err
	}
	if recvErr != nil {
		s.recvMTUErr = errors.Wrap(recvErr, "bluetooth: receive MTU query")
	}
	return s, nil
}

// l2capStreamFile is l2capStream for a socket already adopted into the
// runtime poller.
func l2capStreamFile(f *os.File, rc syscall.RawConn, laddr, raddr L2CAPAddr) (*Stream, error) {
	var sendMTU, recvMTU uint16
	var sendErr, recvErr error
	cerr := rc.Control(func(fd uintptr) {
		sendMTU, sendErr = getsockoptUint16(int(fd), btSndMTU)
		recvMTU, recvErr = getsockoptUint16(int(fd), btRcvMTU)
	})
	if cerr != nil {
		return nil, cerr
	}
	if sendErr != nil {
		sendMTU = l2capDefaultMTU
	}
	s := &Stream{
		f:       f,
		rc:      rc,
		sendMTU: int(sendMTU),
		recvMTU: int(recvMTU),
		laddr:   laddr,
		raddr:   raddr,
	}
	if recvErr != nil {
		s.recvMTUErr = errors.Wrap(recvErr, "bluetooth: receive MTU query")
	}
	return s, nil
}

// L2CAPListener is a bound and listening L2CAP socket.
type L2CAPListener struct {
	f    *os.File
	rc   syscall.RawConn
	addr L2CAPAddr
}

// ListenL2CAP creates a non-blocking L2CAP socket, binds it to the given
// local address and enters the listen state. A PSM of zero lets the kernel
// pick one from the dynamic range; the assigned value is visible through
// Addr. Binding a privileged PSM without CAP_NET_BIND_SERVICE fails with
// EACCES, binding a busy endpoint with EADDRINUSE.
func ListenL2CAP(addr L2CAPAddr, opts L2CAPOptions) (*L2CAPListener, error) {
	fd, err := btSocket(unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, errors.Wrap(err, "bluetooth: l2cap socket")
	}
	if err := l2capSetup(fd, opts); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, l2capSockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bluetooth: bind %s", addr)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bluetooth: listen %s", addr)
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		addr = l2capAddrFromSockaddr(sa, addr.PSM)
	}
	f := os.NewFile(uintptr(fd), "l2cap")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &L2CAPListener{f: f, rc: rc, addr: addr}, nil
}

// Accept suspends until a connection is ready and returns the new stream
// together with the peer address. The stream owns its own descriptor,
// independent of the listener.
func (l *L2CAPListener) Accept() (*Stream, L2CAPAddr, error) {
	nfd, sa, err := sockAccept(l.rc)
	if err != nil {
		return nil, L2CAPAddr{}, errors.Wrap(err, "bluetooth: accept")
	}
	peer := l2capAddrFromSockaddr(sa, l.addr.PSM)
	s, err := l2capStream(nfd, l.addr, peer)
	if err != nil {
		unix.Close(nfd)
		return nil, L2CAPAddr{}, err
	}
	return s, peer, nil
}

// Addr returns the bound local address, including a kernel-assigned PSM.
func (l *L2CAPListener) Addr() L2CAPAddr { return l.addr }

// Close closes the listening socket. Blocked Accept calls are unblocked and
// return errors.
func (l *L2CAPListener) Close() error { return l.f.Close() }

// DialL2CAP opens a non-blocking L2CAP connection to the given peer,
// suspending until the socket is connected. Connection refused, timeout and
// host-down surface as their distinct system error values.
func DialL2CAP(addr L2CAPAddr, opts L2CAPOptions) (*Stream, error) {
	fd, err := btSocket(unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, errors.Wrap(err, "bluetooth: l2cap socket")
	}
	if err := l2capSetup(fd, opts); err != nil {
		unix.Close(fd)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "l2cap")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := sockConnect(rc, l2capSockaddr(addr)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "bluetooth: connect %s", addr)
	}
	var laddr L2CAPAddr
	rc.Control(func(cfd uintptr) {
		if sa, err := unix.Getsockname(int(cfd)); err == nil {
			laddr = l2capAddrFromSockaddr(sa, 0)
		}
	})
	return l2capStreamFile(f, rc, laddr, addr)
}

package bluetooth

// Raw connection-oriented Bluetooth sockets. The kernel side is reached
// through AF_BLUETOOTH sockets created non-blocking and adopted into the Go
// runtime poller via os.NewFile, so reads, writes, accepts and connects
// suspend only the calling goroutine.

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Option numbers on SOL_BLUETOOTH, from the kernel's include/net/bluetooth/
// bluetooth.h. x/sys/unix exports the protocol and level constants but not
// these.
const (
	btSecurity = 4  // BT_SECURITY
	btSndMTU   = 12 // BT_SNDMTU
	btRcvMTU   = 13 // BT_RCVMTU
	btMode     = 15 // BT_MODE
)

// SecurityLevel is the BT_SECURITY level of a Bluetooth socket.
type SecurityLevel uint8

const (
	SecuritySDP SecurityLevel = iota
	SecurityLow
	SecurityMedium
	SecurityHigh
	SecurityFIPS
)

// FlowControlMode is the L2CAP channel mode of a socket (BT_MODE).
type FlowControlMode uint8

const (
	FlowControlBasic     FlowControlMode = 0x00
	FlowControlERTM      FlowControlMode = 0x01
	FlowControlStreaming FlowControlMode = 0x02
	FlowControlLE        FlowControlMode = 0x03
	FlowControlExtended  FlowControlMode = 0x04
)

// Stream is a connected Bluetooth socket with byte-stream semantics: bytes
// arrive in the order they were sent, reads may return fewer bytes than
// requested, and writes larger than the send MTU are transparently split
// into MTU-sized chunks.
//
// A Stream is also how daemon-acquired characteristic pipes (AcquireWrite,
// AcquireNotify) are surfaced; those carry the MTU negotiated by BlueZ.
type Stream struct {
	f  *os.File
	rc syscall.RawConn

	sendMTU    int
	recvMTU    int
	recvMTUErr error

	laddr net.Addr
	raddr net.Addr

	wmu sync.Mutex

	mu       sync.Mutex
	rdClosed bool
	wrClosed bool
}

func newStream(fd int, sendMTU, recvMTU int, laddr, raddr net.Addr) (*Stream, error) {
	f := os.NewFile(uintptr(fd), "bluetooth")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Stream{
		f:       f,
		rc:      rc,
		sendMTU: sendMTU,
		recvMTU: recvMTU,
		laddr:   laddr,
		raddr:   raddr,
	}, nil
}

// NewStream adopts a connected socket file descriptor, for example one
// handed over by the BlueZ daemon for an acquired characteristic. The
// descriptor must be non-blocking; ownership passes to the Stream.
func NewStream(fd int, sendMTU, recvMTU uint16) (*Stream, error) {
	unix.SetNonblock(fd, true)
	return newStream(fd, int(sendMTU), int(recvMTU), nil, nil)
}

// Read reads up to len(p) bytes into p. Size p to the receive MTU: a packet
// larger than p is truncated on seqpacket-mode (L2CAP) sockets.
func (s *Stream) Read(p []byte) (int, error) {
	return s.f.Read(p)
}

// Write sends p in order, looping until the whole buffer is out. Each
// underlying write syscall carries at most SendMTU bytes.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	total := 0
	for len(p) > 0 {
		n := len(p)
		if s.sendMTU > 0 && n > s.sendMTU {
			n = s.sendMTU
		}
		w, err := s.f.Write(p[:n])
		total += w
		if err != nil {
			return total, err
		}
		p = p[w:]
	}
	return total, nil
}

// SendMTU is the maximum payload of a single outgoing packet. It is fixed
// when the connection is established and never renegotiated. Zero means the
// transport imposes no packet bound (RFCOMM).
func (s *Stream) SendMTU() int {
	return s.sendMTU
}

// RecvMTU is the maximum payload of a single incoming packet. On L2CAP this
// comes from a BT_RCVMTU socket option query which can fail independently of
// the connection state; the query error is reported here.
func (s *Stream) RecvMTU() (int, error) {
	if s.recvMTUErr != nil {
		return 0, s.recvMTUErr
	}
	return s.recvMTU, nil
}

// SecurityLevel queries the BT_SECURITY level of the underlying socket.
func (s *Stream) SecurityLevel() (SecurityLevel, error) {
	v, err := s.sockoptInt(btSecurity)
	if err != nil {
		return 0, err
	}
	// struct bt_security; the level is the first byte, key_size the second.
	return SecurityLevel(v & 0xff), nil
}

// FlowControl queries the BT_MODE channel mode of the underlying socket.
func (s *Stream) FlowControl() (FlowControlMode, error) {
	v, err := s.sockoptInt(btMode)
	if err != nil {
		return 0, err
	}
	return FlowControlMode(v & 0xff), nil
}

func (s *Stream) sockoptInt(opt int) (int, error) {
	var val int
	var operr error
	cerr := s.rc.Control(func(fd uintptr) {
		val, operr = unix.GetsockoptInt(int(fd), unix.SOL_BLUETOOTH, opt)
	})
	if cerr != nil {
		return 0, cerr
	}
	if operr != nil {
		return 0, errors.Wrap(operr, "bluetooth: socket option query")
	}
	return val, nil
}

// LocalAddr returns the local socket address, or nil for adopted
// descriptors whose address is unknown.
func (s *Stream) LocalAddr() net.Addr { return s.laddr }

// RemoteAddr returns the peer socket address, or nil for adopted
// descriptors whose address is unknown.
func (s *Stream) RemoteAddr() net.Addr { return s.raddr }

// Close releases the socket. In-flight reads and writes are unblocked and
// return errors.
func (s *Stream) Close() error {
	return s.f.Close()
}

func (s *Stream) shutdown(how int) error {
	var operr error
	cerr := s.rc.Control(func(fd uintptr) {
		operr = unix.Shutdown(int(fd), how)
	})
	if cerr != nil {
		return cerr
	}
	return operr
}

// Split returns independently operable read and write halves of the stream.
// Closing the write half signals shutdown-of-write to the peer (it observes
// end-of-stream), closing the read half signals shutdown-of-read. The
// socket itself is released once both halves are closed.
func (s *Stream) Split() (*StreamReader, *StreamWriter) {
	return &StreamReader{s: s}, &StreamWriter{s: s}
}

func (s *Stream) halfClosed(read bool) error {
	s.mu.Lock()
	if read {
		s.rdClosed = true
	} else {
		s.wrClosed = true
	}
	done := s.rdClosed && s.wrClosed
	s.mu.Unlock()
	if done {
		return s.Close()
	}
	if read {
		return s.shutdown(unix.SHUT_RD)
	}
	return s.shutdown(unix.SHUT_WR)
}

// StreamReader is the read half of a split Stream.
type StreamReader struct {
	s    *Stream
	once sync.Once
	err  error
}

func (r *StreamReader) Read(p []byte) (int, error) {
	return r.s.Read(p)
}

// RecvMTU reports the receive MTU of the underlying stream.
func (r *StreamReader) RecvMTU() (int, error) {
	return r.s.RecvMTU()
}

// Close shuts down the read direction; the socket closes once the write
// half is gone too.
func (r *StreamReader) Close() error {
	r.once.Do(func() {
		r.err = r.s.halfClosed(true)
	})
	return r.err
}

// StreamWriter is the write half of a split Stream.
type StreamWriter struct {
	s    *Stream
	once sync.Once
	err  error
}

func (w *StreamWriter) Write(p []byte) (int, error) {
	return w.s.Write(p)
}

// SendMTU reports the send MTU of the underlying stream.
func (w *StreamWriter) SendMTU() int {
	return w.s.SendMTU()
}

// Close shuts down the write direction; the socket closes once the read
// half is gone too.
func (w *StreamWriter) Close() error {
	w.once.Do(func() {
		w.err = w.s.halfClosed(false)
	})
	return w.err
}

func btSocket(typ, proto int) (int, error) {
	return unix.Socket(unix.AF_BLUETOOTH, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
}

func setSecurity(fd int, level SecurityLevel) error {
	// struct bt_security { uint8_t level; uint8_t key_size; }
	return unix.SetsockoptString(fd, unix.SOL_BLUETOOTH, btSecurity, string([]byte{byte(level), 0}))
}

// getsockoptUint16 reads a u16 socket option. The kernel copies the two
// value bytes into the zeroed int-sized buffer GetsockoptInt hands it; a
// string-typed read would stop at the first NUL and mangle small values.
func getsockoptUint16(fd, opt int) (uint16, error) {
	v, err := unix.GetsockoptInt(fd, unix.SOL_BLUETOOTH, opt)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// sockConnect drives a non-blocking connect to completion, suspending the
// goroutine until the socket reports writability. Connection-refused,
// timeout and host-down arrive as their distinct errno values.
func sockConnect(rc syscall.RawConn, sa unix.Sockaddr) error {
	var operr error
	werr := rc.Write(func(fd uintptr) bool {
		err := unix.Connect(int(fd), sa)
		switch err {
		case nil, unix.EISCONN:
			operr = nil
			return true
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			return false
		default:
			operr = err
			return true
		}
	})
	if werr != nil {
		return werr
	}
	return operr
}

// sockAccept waits for an inbound connection. Spurious wakeups (EAGAIN
// after readiness) loop back into the wait without surfacing an error.
func sockAccept(rc syscall.RawConn) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	var operr error
	werr := rc.Read(func(fd uintptr) bool {
		for {
			nfd, sa, operr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			switch operr {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return false
			default:
				return true
			}
		}
	})
	if werr != nil {
		return -1, nil, werr
	}
	return nfd, sa, operr
}

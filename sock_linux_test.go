package bluetooth

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// streamPair returns two connected Streams backed by a seqpacket socket
// pair, mimicking what an established L2CAP connection delivers.
func streamPair(t *testing.T, mtu int) (*Stream, *Stream) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a, err := newStream(fds[0], mtu, mtu, nil, nil)
	require.NoError(t, err)
	b, err := newStream(fds[1], mtu, mtu, nil, nil)
	require.NoError(t, err)
	return a, b
}

func TestStreamChunkedWrite(t *testing.T) {
	a, b := streamPair(t, 100)
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 350)
	rand.New(rand.NewSource(7)).Read(payload)

	n, err := a.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	// Each write syscall carries at most one MTU, so the peer sees packet
	// boundaries at 100 bytes.
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 100)
	packets := 0
	for len(got) < len(payload) {
		n, err := b.Read(buf)
		require.NoError(t, err)
		require.LessOrEqual(t, n, 100)
		got = append(got, buf[:n]...)
		packets++
	}
	assert.True(t, bytes.Equal(payload, got))
	assert.Equal(t, 4, packets)
}

func TestStreamUnboundedWrite(t *testing.T) {
	// MTU zero means the transport imposes no packet bound.
	a, b := streamPair(t, 0)
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 4096)
	rand.New(rand.NewSource(8)).Read(payload)
	_, err := a.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 8192)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n, "an unbounded write goes out as one packet")
}

func TestStreamEchoSession(t *testing.T) {
	const mtu = 672
	client, server := streamPair(t, mtu)
	defer client.Close()

	go func() {
		defer server.Close()
		if _, err := server.Write([]byte("hi there")); err != nil {
			return
		}
		buf := make([]byte, mtu)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			if _, err := server.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	greeting := make([]byte, mtu)
	n, err := client.Read(greeting)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(greeting[:n]))

	rng := rand.New(rand.NewSource(42))
	var sent, received int
	buf := make([]byte, mtu)
	for round := 0; round < 15; round++ {
		size := rng.Intn(50000) + 1
		payload := make([]byte, size)
		rng.Read(payload)

		n, err := client.Write(payload)
		require.NoError(t, err)
		sent += n

		got := make([]byte, 0, size)
		for len(got) < size {
			n, err := client.Read(buf)
			require.NoError(t, err)
			got = append(got, buf[:n]...)
		}
		received += len(got)
		require.True(t, bytes.Equal(payload, got), "round %d corrupted", round)
	}
	assert.Equal(t, sent, received)
}

func TestStreamSplit(t *testing.T) {
	a, b := streamPair(t, 128)
	defer b.Close()

	ar, aw := a.Split()

	_, err := aw.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, aw.Close())

	// The peer drains what was sent before the write shutdown, then sees
	// end-of-stream.
	buf := make([]byte, 128)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(buf[:n]))
	_, err = b.Read(buf)
	assert.Equal(t, io.EOF, err)

	// The read direction is still open.
	_, err = b.Write([]byte("reply"))
	require.NoError(t, err)
	n, err = ar.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))

	// Closing the second half releases the socket.
	require.NoError(t, ar.Close())
	_, err = a.Write([]byte("x"))
	assert.Error(t, err)
}

func TestStreamAdoptFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	a, err := NewStream(fds[0], 23, 23)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewStream(fds[1], 23, 23)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 23, a.SendMTU())
	mtu, err := a.RecvMTU()
	require.NoError(t, err)
	assert.Equal(t, 23, mtu)
	assert.Nil(t, a.LocalAddr())
	assert.Nil(t, a.RemoteAddr())

	_, err = a.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 23)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestL2CAPAddrString(t *testing.T) {
	mac, err := ParseMAC("11:22:33:AA:BB:CC")
	require.NoError(t, err)
	addr := L2CAPAddr{MAC: mac, AddressType: AddressTypeLEPublic, PSM: 0x80}
	assert.Equal(t, "l2cap", addr.Network())
	assert.Equal(t, "11:22:33:AA:BB:CC:0x0080", addr.String())
}

func TestRFCOMMAddrString(t *testing.T) {
	mac, err := ParseMAC("11:22:33:AA:BB:CC")
	require.NoError(t, err)
	addr := RFCOMMAddr{MAC: mac, Channel: 3}
	assert.Equal(t, "rfcomm", addr.Network())
	assert.Equal(t, "11:22:33:AA:BB:CC:3", addr.String())
}

func TestBluetoothSockoptNumbers(t *testing.T) {
	// Kernel ABI from include/net/bluetooth/bluetooth.h; x/sys/unix does
	// not export these.
	assert.Equal(t, 4, btSecurity)
	assert.Equal(t, 12, btSndMTU)
	assert.Equal(t, 13, btRcvMTU)
	assert.Equal(t, 15, btMode)
}

func TestL2CAPRecvMTUOptionSmallValue(t *testing.T) {
	fd, err := btSocket(unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		t.Skipf("no usable bluetooth stack: %v", err)
	}
	defer unix.Close(fd)

	// 23 has a NUL high byte; the query must still decode both bytes.
	err = unix.SetsockoptString(fd, unix.SOL_BLUETOOTH, btRcvMTU, string([]byte{23, 0}))
	require.NoError(t, err)
	mtu, err := getsockoptUint16(fd, btRcvMTU)
	require.NoError(t, err)
	assert.Equal(t, uint16(23), mtu)
}

func TestListenL2CAPDoubleBind(t *testing.T) {
	addr := L2CAPAddr{AddressType: AddressTypeLEPublic, PSM: PSMLEDynStart}
	first, err := ListenL2CAP(addr, L2CAPOptions{})
	if err != nil {
		t.Skipf("no usable bluetooth stack: %v", err)
	}
	defer first.Close()
	assert.Equal(t, PSMLEDynStart, first.Addr().PSM)

	_, err = ListenL2CAP(addr, L2CAPOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.EADDRINUSE), "got %v", err)
}

func TestListenRFCOMMDoubleBind(t *testing.T) {
	addr := RFCOMMAddr{Channel: RFCOMMChannelMax}
	first, err := ListenRFCOMM(addr)
	if err != nil {
		t.Skipf("no usable bluetooth stack: %v", err)
	}
	defer first.Close()

	_, err = ListenRFCOMM(addr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.EADDRINUSE), "got %v", err)
}

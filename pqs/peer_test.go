package pqs

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/pqs/pqs/discovery/memory"
	"github.com/TheusHen/pqs/pqs/identity"
	"github.com/TheusHen/pqs/pqs/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("mem conn closed")

// memConn is one end of an in-memory datagram pipe.
type memConn struct {
	in     chan []byte
	peer   *memConn
	addr   net.Addr
	mtu    int
	once   sync.Once
	closed chan struct{}
}

func memPipe(mtu int) (*memConn, *memConn) {
	a := &memConn{in: make(chan []byte, 1024), mtu: mtu, closed: make(chan struct{}),
		addr: &net.UDPAddr{IP: net.IPv6loopback, Port: 1001}}
	b := &memConn{in: make(chan []byte, 1024), mtu: mtu, closed: make(chan struct{}),
		addr: &net.UDPAddr{IP: net.IPv6loopback, Port: 1002}}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) Send(d []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.peer.in <- append([]byte(nil), d...):
		return nil
	}
}

func (c *memConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoteAddr is the address of the other end.
func (c *memConn) RemoteAddr() net.Addr { return c.peer.addr }

func (c *memConn) MTU() int { return c.mtu }

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type inbox struct {
	ch chan []byte
}

func (i *inbox) handler(_ *session.Session, data []byte) {
	i.ch <- append([]byte(nil), data...)
}

func newTestPeer(t *testing.T, opts Options) (*Peer, *inbox) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	box := &inbox{ch: make(chan []byte, 16)}
	if opts.Handler == nil {
		opts.Handler = box.handler
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	if opts.Session == (session.Config{}) {
		opts.Session = session.DefaultConfig()
	}
	opts.Session.Logger = l
	p, err := NewPeer(kp, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, box
}

func recv(t *testing.T, box *inbox) []byte {
	t.Helper()
	select {
	case d := <-box.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data")
		return nil
	}
}

func TestPeerOpenAndExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice, aliceBox := newTestPeer(t, Options{Capabilities: map[string]string{"role": "client"}})
	bob, bobBox := newTestPeer(t, Options{})

	a, b := memPipe(1200)
	go func() { _ = alice.ServeConn(ctx, a) }()
	go func() { _ = bob.ServeConn(ctx, b) }()

	as, err := alice.Open(ctx, a, bob.PublicBlob())
	require.NoError(t, err)
	require.True(t, as.Established())

	require.NoError(t, alice.Send(as, []byte("hello bob")))
	assert.Equal(t, []byte("hello bob"), recv(t, bobBox))

	bs := bob.SessionWith(alice.PeerID())
	require.NotNil(t, bs)
	rp, ok := bs.AppData().(*RemotePeer)
	require.True(t, ok)
	assert.Equal(t, alice.PeerID(), rp.ID)
	assert.Equal(t, "client", rp.Capabilities["role"])

	big := make([]byte, 5000)
	big[4999] = 7
	require.NoError(t, bob.Send(bs, big))
	assert.Equal(t, big, recv(t, aliceBox))

	assert.Equal(t, float64(1), testutil.ToFloat64(alice.m.sessions.WithLabelValues("outbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bob.m.sessions.WithLabelValues("inbound")))
	assert.Equal(t, float64(len("hello bob")), testutil.ToFloat64(bob.m.bytesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(bob.m.active))

	bob.Remove(bs.ID())
	assert.Nil(t, bob.SessionWith(alice.PeerID()))
	assert.Equal(t, float64(0), testutil.ToFloat64(bob.m.active))
	assert.ErrorIs(t, bob.Send(bs, []byte("x")), ErrNoRoute)
}

// slowConn pauses after every send, letting replies overtake the sender.
type slowConn struct {
	Conn
	delay time.Duration
}

func (c *slowConn) Send(d []byte) error {
	err := c.Conn.Send(d)
	time.Sleep(c.delay)
	return err
}

func TestPeerOpenFastCounterOffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := session.DefaultConfig()
	cfg.OfferRetry = time.Minute
	alice, _ := newTestPeer(t, Options{Session: cfg})
	bob, _ := newTestPeer(t, Options{Session: cfg})

	a, b := memPipe(1200)
	slow := &slowConn{Conn: a, delay: 200 * time.Millisecond}
	go func() { _ = alice.ServeConn(ctx, slow) }()
	go func() { _ = bob.ServeConn(ctx, b) }()

	start := time.Now()
	_, err := alice.Open(ctx, slow, bob.PublicBlob())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "handshake waited for an offer resend")
	assert.Zero(t, testutil.ToFloat64(alice.m.drops.WithLabelValues("unknown_session")))
	assert.Eventually(t, func() bool { return len(bob.Sessions()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestPeerHandlerEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var bob *Peer
	bob, _ = newTestPeer(t, Options{Handler: func(s *session.Session, data []byte) {
		_ = bob.Send(s, data)
	}})
	alice, aliceBox := newTestPeer(t, Options{})

	a, b := memPipe(1200)
	go func() { _ = alice.ServeConn(ctx, a) }()
	go func() { _ = bob.ServeConn(ctx, b) }()

	s, err := alice.Open(ctx, a, bob.PublicBlob())
	require.NoError(t, err)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, alice.Send(s, []byte(msg)))
		assert.Equal(t, []byte(msg), recv(t, aliceBox))
	}
}

func TestPeerConnectViaDiscovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := memory.New()
	bob, bobBox := newTestPeer(t, Options{Resolver: dir, Capabilities: map[string]string{"svc": "echo"}})
	require.NoError(t, bob.Announce(netip.MustParseAddrPort("[2001:db8::2]:4433")))

	var dialed string
	alice, _ := newTestPeer(t, Options{
		Resolver: dir,
		Dial: func(ctx context.Context, addr string) (Conn, error) {
			dialed = addr
			a, b := memPipe(1200)
			go func() { _ = bob.ServeConn(ctx, b) }()
			return a, nil
		},
	})

	s, err := alice.Connect(ctx, bob.PeerID())
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::2]:4433", dialed)
	rp := s.AppData().(*RemotePeer)
	assert.Equal(t, "echo", rp.Capabilities["svc"])
	assert.Same(t, s, alice.SessionWith(bob.PeerID()))

	require.NoError(t, alice.Send(s, []byte("via directory")))
	assert.Equal(t, []byte("via directory"), recv(t, bobBox))
}

func TestPeerRekey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := session.DefaultConfig()
	cfg.EnableHybridKEM = false
	cfg.RekeyRateLimit = time.Millisecond
	alice, _ := newTestPeer(t, Options{Session: cfg})
	bob, bobBox := newTestPeer(t, Options{Session: cfg})

	a, b := memPipe(1200)
	go func() { _ = alice.ServeConn(ctx, a) }()
	go func() { _ = bob.ServeConn(ctx, b) }()

	as, err := alice.Open(ctx, a, bob.PublicBlob())
	require.NoError(t, err)
	bs := bob.SessionWith(alice.PeerID())
	require.NotNil(t, bs)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, alice.Rekey(as))
	ratchet := func(s *session.Session) uint64 {
		info, _ := s.SecurityInfo(time.Now().UnixMilli())
		return info.RatchetCount
	}
	assert.Eventually(t, func() bool { return ratchet(as) == 2 && ratchet(bs) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Send(as, []byte("after rekey")))
	assert.Equal(t, []byte("after rekey"), recv(t, bobBox))
}

func TestPeerWrongIdentityTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	alice, _ := newTestPeer(t, Options{})
	bob, _ := newTestPeer(t, Options{})
	carol, _ := newTestPeer(t, Options{})

	a, b := memPipe(1200)
	go func() { _ = alice.ServeConn(ctx, a) }()
	go func() { _ = bob.ServeConn(ctx, b) }()

	_, err := alice.Open(ctx, a, carol.PublicBlob())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, alice.Sessions())
	assert.Empty(t, bob.Sessions())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(bob.m.drops.WithLabelValues("failed_authentication")) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestPeerAdmission(t *testing.T) {
	p, _ := newTestPeer(t, Options{AttemptInterval: time.Hour})

	assert.True(t, p.CheckNewSessionAttempt(nil, "1.2.3.4:5"))
	assert.False(t, p.CheckNewSessionAttempt(nil, "1.2.3.4:5"))
	assert.True(t, p.CheckNewSessionAttempt(nil, "1.2.3.4:6"))

	_, ok := p.AcceptNewSession(nil, "x", p.PublicBlob(), []byte{0xff, 0x00})
	assert.False(t, ok)

	meta, err := encodeMetadata(map[string]string{"a": "b"})
	require.NoError(t, err)
	acc, ok := p.AcceptNewSession(nil, "x", p.PublicBlob(), meta)
	require.True(t, ok)
	assert.True(t, acc.LocalID.Valid())
	assert.Equal(t, "b", acc.AppData.(*RemotePeer).Capabilities["a"])
}

func TestMetadataCodec(t *testing.T) {
	b, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, b)
	caps, err := decodeMetadata(b)
	require.NoError(t, err)
	assert.Empty(t, caps)

	_, err = encodeMetadata(map[string]string{"k": string(make([]byte, 2000))})
	assert.Error(t, err)
}

func TestDropReason(t *testing.T) {
	assert.Equal(t, "failed_authentication", dropReason(session.ErrFailedAuthentication))
	assert.Equal(t, "invalid_packet", dropReason(session.ErrInvalidPacket))
	assert.Equal(t, "other", dropReason(io.EOF))
}

func TestPeerServeRequiresListen(t *testing.T) {
	p, _ := newTestPeer(t, Options{})
	assert.ErrorIs(t, p.Serve(context.Background()), ErrNotListening)
	assert.Empty(t, p.ListenAddr())
}

package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testMTU = 1400

// testApp is a minimal ApplicationLayer holding sessions in a map.
type testApp struct {
	priv *ecdh.PrivateKey
	blob []byte

	mu             sync.Mutex
	sessions       map[protocol.SessionID]*Session
	nextID         protocol.SessionID
	psk            crypto.Secret
	denyAttempts   bool
	rejectSessions bool
	accepted       int
}

func newTestApp(t testing.TB, firstID protocol.SessionID) *testApp {
	priv, err := crypto.GenerateP384(rand.Reader)
	require.NoError(t, err)
	return &testApp{
		priv:     priv,
		blob:     append([]byte{0x01}, priv.PublicKey().Bytes()...),
		sessions: map[protocol.SessionID]*Session{},
		nextID:   firstID,
	}
}

func (a *testApp) LocalStaticKeyPair() *ecdh.PrivateKey { return a.priv }
func (a *testApp) LocalStaticPublicBlob() []byte        { return a.blob }
func (a *testApp) LocalStaticPublicHash() [crypto.HashSize]byte {
	return crypto.SHA384(a.blob)
}

func (a *testApp) ExtractP384Static(blob []byte) (*ecdh.PublicKey, bool) {
	if len(blob) != 1+crypto.P384PublicKeySize || blob[0] != 0x01 {
		return nil, false
	}
	pub, err := crypto.ParseP384Public(blob[1:])
	return pub, err == nil
}

func (a *testApp) LookupSession(id protocol.SessionID) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

func (a *testApp) CheckNewSessionAttempt(*Context, string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.denyAttempts
}

func (a *testApp) AcceptNewSession(_ *Context, _ string, _, _ []byte) (Acceptance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejectSessions {
		return Acceptance{}, false
	}
	id := a.nextID
	a.nextID++
	a.accepted++
	return Acceptance{LocalID: id, PSK: a.psk}, true
}

func (a *testApp) add(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ID()] = s
}

func (a *testApp) remove(id protocol.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
}

func (a *testApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// wire collects datagrams handed to a SendFunc.
type wire struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (w *wire) send(d []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pkts = append(w.pkts, d)
	return nil
}

func (w *wire) take() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.pkts
	w.pkts = nil
	return p
}

type testPeer struct {
	name string
	app  *testApp
	ctx  *Context
	out  *wire
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(hybrid bool) Config {
	cfg := DefaultConfig()
	cfg.EnableHybridKEM = hybrid
	cfg.Logger = quietLogger()
	return cfg
}

func newTestPeer(t testing.TB, name string, firstID protocol.SessionID, cfg Config) *testPeer {
	app := newTestApp(t, firstID)
	ctx, err := NewContext(app, cfg)
	require.NoError(t, err)
	return &testPeer{name: name, app: app, ctx: ctx, out: &wire{}}
}

// deliver feeds datagrams from a peer named from into p and registers new
// sessions the way an application would.
func (p *testPeer) deliver(t testing.TB, from string, pkts [][]byte, now int64) []ReceiveResult {
	t.Helper()
	results := make([]ReceiveResult, 0, len(pkts))
	for _, pkt := range pkts {
		buf := make([]byte, 64*1024)
		res, err := p.ctx.Receive(from, p.out.send, buf, pkt, testMTU, now)
		require.NoError(t, err)
		if res.Kind == ResultOKNewSession {
			p.app.add(res.Session)
		}
		results = append(results, res)
	}
	return results
}

// handshake runs a full offer, counter-offer and NOP exchange.
func handshake(t testing.TB, alice, bob *testPeer, now int64) (*Session, *Session) {
	t.Helper()
	as, err := alice.ctx.StartSession(alice.out.send, 1, bob.app.blob, []byte("alice-meta"), alice.app.psk, nil, testMTU, now)
	require.NoError(t, err)
	alice.app.add(as)

	res := bob.deliver(t, alice.name, alice.out.take(), now)
	last := res[len(res)-1]
	require.Equal(t, ResultOKNewSession, last.Kind)
	bs := last.Session

	res = alice.deliver(t, bob.name, bob.out.take(), now)
	require.Equal(t, ResultOK, res[len(res)-1].Kind)

	res = bob.deliver(t, alice.name, alice.out.take(), now)
	require.Equal(t, ResultOK, res[len(res)-1].Kind)
	return as, bs
}

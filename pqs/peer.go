package pqs

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"maps"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/discovery"
	"github.com/TheusHen/pqs/pqs/identity"
	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/TheusHen/pqs/pqs/session"
	"github.com/TheusHen/pqs/pqs/transport/quic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotListening = errors.New("pqs: peer is not listening")
	ErrNoResolver   = errors.New("pqs: no discovery resolver configured")
	ErrNoRoute      = errors.New("pqs: no connection for session")
	ErrClosed       = errors.New("pqs: peer closed")
)

const (
	maxAttemptEntries = 4096
	openPollInterval  = 20 * time.Millisecond
)

// Conn is a datagram path to one remote address.
// *quic.Conn implements it.
type Conn interface {
	Send(datagram []byte) error
	Receive(ctx context.Context) ([]byte, error)
	RemoteAddr() net.Addr
	MTU() int
	Close() error
}

// Handler receives decrypted application data. It runs on the connection's
// receive loop, so it must not block, and data is only valid for the
// duration of the call: copy it to keep it. Sending from a Handler, as an
// echo does, is fine.
type Handler func(s *session.Session, data []byte)

// Options configure a Peer. The zero value is usable.
type Options struct {
	// Capabilities are advertised to responders in key offer metadata.
	Capabilities map[string]string
	Session      session.Config
	PSK          crypto.Secret
	Resolver     discovery.Resolver
	// Registerer receives the Peer's metrics. A private registry is used
	// when nil.
	Registerer prometheus.Registerer
	// AttemptInterval is the minimum spacing of new-session attempts from
	// one remote address.
	AttemptInterval time.Duration
	// MaxSessions bounds the session table.
	MaxSessions int
	// ServiceInterval is how often session timers are driven.
	ServiceInterval time.Duration
	Handler         Handler
	// Dial opens a path to addr. Defaults to QUIC.
	Dial func(ctx context.Context, addr string) (Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	if o.AttemptInterval == 0 {
		o.AttemptInterval = time.Second
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 65536
	}
	if o.ServiceInterval <= 0 {
		o.ServiceInterval = time.Second
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, addr string) (Conn, error) {
			return quic.Dial(ctx, addr)
		}
	}
	o.Capabilities = maps.Clone(o.Capabilities)
	return o
}

// RemotePeer is attached to every session as its AppData.
type RemotePeer struct {
	ID           identity.PeerID
	Capabilities map[string]string
}

// Peer is a high-level helper that combines identity, the session table,
// admission policy, transport and metrics. It implements
// session.ApplicationLayer.
type Peer struct {
	kp   identity.KeyPair
	blob []byte
	hash [crypto.HashSize]byte
	opts Options
	sctx *session.Context
	log  *logrus.Logger
	m    *metrics

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[protocol.SessionID]*session.Session
	routes   map[protocol.SessionID]Conn
	attempts map[string]int64
	listener *quic.Listener
}

var _ session.ApplicationLayer = (*Peer)(nil)

func NewPeer(kp identity.KeyPair, opts Options) (*Peer, error) {
	opts = opts.withDefaults()
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	blob := kp.PublicBlob()
	p := &Peer{
		kp:       kp,
		blob:     blob,
		hash:     crypto.SHA384(blob),
		opts:     opts,
		m:        m,
		sessions: map[protocol.SessionID]*session.Session{},
		routes:   map[protocol.SessionID]Conn{},
		attempts: map[string]int64{},
	}
	if p.sctx, err = session.NewContext(p, opts.Session); err != nil {
		return nil, err
	}
	p.log = p.sctx.Config().Logger
	p.life, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.serviceLoop()
	return p, nil
}

func (p *Peer) PeerID() identity.PeerID { return identity.PeerID(p.hash) }

func (p *Peer) PublicBlob() []byte { return p.blob }

// ApplicationLayer.

func (p *Peer) LocalStaticKeyPair() *ecdh.PrivateKey { return p.kp.Private }

func (p *Peer) LocalStaticPublicBlob() []byte { return p.blob }

func (p *Peer) LocalStaticPublicHash() [crypto.HashSize]byte { return p.hash }

func (p *Peer) ExtractP384Static(blob []byte) (*ecdh.PublicKey, bool) {
	pub, err := identity.ParsePublicBlob(blob)
	return pub, err == nil
}

func (p *Peer) LookupSession(id protocol.SessionID) *session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[id]
}

// CheckNewSessionAttempt admits one unauthenticated offer per address per
// AttemptInterval while the table has room.
func (p *Peer) CheckNewSessionAttempt(_ *session.Context, remoteAddr string) bool {
	now := time.Now().UnixMilli()
	interval := p.opts.AttemptInterval.Milliseconds()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) >= p.opts.MaxSessions {
		return false
	}
	if last, ok := p.attempts[remoteAddr]; ok && now-last < interval {
		return false
	}
	if len(p.attempts) >= maxAttemptEntries {
		for addr, last := range p.attempts {
			if now-last >= interval {
				delete(p.attempts, addr)
			}
		}
	}
	p.attempts[remoteAddr] = now
	return true
}

func (p *Peer) AcceptNewSession(_ *session.Context, remoteAddr string, remoteStaticBlob, metadata []byte) (session.Acceptance, bool) {
	caps, err := decodeMetadata(metadata)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function":    "AcceptNewSession",
			"remote_addr": remoteAddr,
			"error":       err,
		}).Debug("Rejected offer with malformed metadata")
		return session.Acceptance{}, false
	}
	id, err := p.allocID()
	if err != nil {
		return session.Acceptance{}, false
	}
	return session.Acceptance{
		LocalID: id,
		PSK:     p.opts.PSK,
		AppData: &RemotePeer{ID: identity.PeerIDFromBlob(remoteStaticBlob), Capabilities: caps},
	}, true
}

func (p *Peer) allocID() (protocol.SessionID, error) {
	for {
		id, err := protocol.NewSessionID(rand.Reader)
		if err != nil {
			return 0, err
		}
		if p.LookupSession(id) == nil {
			return id, nil
		}
	}
}

func (p *Peer) register(s *session.Session, conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID()] = s
	p.routes[s.ID()] = conn
	p.m.active.Set(float64(len(p.sessions)))
}

// Remove drops a session and wipes its keys.
func (p *Peer) Remove(id protocol.SessionID) {
	p.mu.Lock()
	s := p.sessions[id]
	delete(p.sessions, id)
	delete(p.routes, id)
	p.m.active.Set(float64(len(p.sessions)))
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Sessions returns a snapshot of the session table.
func (p *Peer) Sessions() []*session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// SessionWith returns an established session with id, if any.
func (p *Peer) SessionWith(id identity.PeerID) *session.Session {
	for _, s := range p.Sessions() {
		if rp, ok := s.AppData().(*RemotePeer); ok && rp.ID == id && s.Established() {
			return s
		}
	}
	return nil
}

func (p *Peer) route(id protocol.SessionID) Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.routes[id]
}

// Send seals data for s and sends it on the path s was established over.
func (p *Peer) Send(s *session.Session, data []byte) error {
	conn := p.route(s.ID())
	if conn == nil {
		return ErrNoRoute
	}
	if err := s.Send(conn.Send, conn.MTU(), data); err != nil {
		return err
	}
	p.m.bytesSent.Add(float64(len(data)))
	return nil
}

// Rekey starts a new handshake for s. The result shows up in
// s.SecurityInfo once the peer answers.
func (p *Peer) Rekey(s *session.Session) error {
	conn := p.route(s.ID())
	if conn == nil {
		return ErrNoRoute
	}
	return s.Rekey(conn.Send, conn.MTU(), time.Now().UnixMilli())
}

// ServeConn reads datagrams from conn until ctx ends or conn fails.
func (p *Peer) ServeConn(ctx context.Context, conn Conn) error {
	addr := conn.RemoteAddr().String()
	buf := make([]byte, p.sctx.Config().MaxPacketSize)
	for {
		d, err := conn.Receive(ctx)
		if err != nil {
			p.dropRoutes(conn)
			return err
		}
		p.handle(addr, conn, buf, d)
	}
}

func (p *Peer) handle(addr string, conn Conn, buf, d []byte) {
	res, err := p.sctx.Receive(addr, conn.Send, buf, d, conn.MTU(), time.Now().UnixMilli())
	if err != nil {
		p.m.dropped(err)
		return
	}
	p.m.packets.WithLabelValues(res.Kind.String()).Inc()
	switch res.Kind {
	case session.ResultOKNewSession:
		p.register(res.Session, conn)
		p.m.sessions.WithLabelValues("inbound").Inc()
		fields := logrus.Fields{
			"function":    "handle",
			"remote_addr": addr,
			"session_id":  res.Session.ID().String(),
		}
		if rp, ok := res.Session.AppData().(*RemotePeer); ok {
			fields["peer_id"] = rp.ID.Short()
		}
		p.log.WithFields(fields).Info("Accepted session")
	case session.ResultOKData:
		p.m.bytesReceived.Add(float64(len(res.Data)))
		if h := p.opts.Handler; h != nil {
			h(res.Session, res.Data)
		}
	}
}

// dropRoutes forgets sessions whose only path was conn.
func (p *Peer) dropRoutes(conn Conn) {
	var gone []protocol.SessionID
	p.mu.RLock()
	for id, c := range p.routes {
		if c == conn {
			gone = append(gone, id)
		}
	}
	p.mu.RUnlock()
	for _, id := range gone {
		p.Remove(id)
	}
}

// Open starts a session to remoteBlob over conn and waits until it is
// established. ServeConn must be running on conn.
func (p *Peer) Open(ctx context.Context, conn Conn, remoteBlob []byte) (*session.Session, error) {
	return p.open(ctx, conn, remoteBlob, nil)
}

func (p *Peer) open(ctx context.Context, conn Conn, remoteBlob []byte, caps map[string]string) (*session.Session, error) {
	meta, err := encodeMetadata(p.opts.Capabilities)
	if err != nil {
		return nil, err
	}
	id, err := p.allocID()
	if err != nil {
		return nil, err
	}
	if caps == nil {
		caps = map[string]string{}
	}
	rp := &RemotePeer{ID: identity.PeerIDFromBlob(remoteBlob), Capabilities: caps}
	s, err := p.sctx.NewSession(id, remoteBlob, meta, p.opts.PSK, rp, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	// The counter-offer may beat SendOffer's return, so the session has to
	// be findable first.
	p.register(s, conn)
	if err := s.SendOffer(conn.Send, conn.MTU(), time.Now().UnixMilli()); err != nil {
		p.Remove(s.ID())
		return nil, err
	}

	tick := time.NewTicker(openPollInterval)
	defer tick.Stop()
	for !s.Established() {
		select {
		case <-ctx.Done():
			p.Remove(s.ID())
			return nil, ctx.Err()
		case <-p.life.Done():
			return nil, ErrClosed
		case <-tick.C:
			if _, err := s.Service(conn.Send, conn.MTU(), time.Now().UnixMilli()); err != nil {
				p.Remove(s.ID())
				return nil, err
			}
		}
	}
	p.m.sessions.WithLabelValues("outbound").Inc()
	p.log.WithFields(logrus.Fields{
		"function":   "Open",
		"session_id": s.ID().String(),
		"peer_id":    rp.ID.Short(),
	}).Info("Opened session")
	return s, nil
}

// Dial connects to addr and opens a session with the identity in
// remoteBlob.
func (p *Peer) Dial(ctx context.Context, addr string, remoteBlob []byte) (*session.Session, error) {
	return p.dial(ctx, addr, remoteBlob, nil)
}

func (p *Peer) dial(ctx context.Context, addr string, remoteBlob []byte, caps map[string]string) (*session.Session, error) {
	conn, err := p.opts.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.ServeConn(p.life, conn)
	}()
	s, err := p.open(ctx, conn, remoteBlob, caps)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Connect looks id up in the resolver and dials it.
func (p *Peer) Connect(ctx context.Context, id identity.PeerID) (*session.Session, error) {
	if p.opts.Resolver == nil {
		return nil, ErrNoResolver
	}
	info, err := p.opts.Resolver.Lookup(id)
	if err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return p.dial(ctx, info.AddrPort().String(), info.StaticPublicBlob, info.Capabilities)
}

// Announce publishes this peer at ap.
func (p *Peer) Announce(ap netip.AddrPort) error {
	if p.opts.Resolver == nil {
		return ErrNoResolver
	}
	return p.opts.Resolver.Announce(discovery.AddrInfo{
		PeerID:           p.PeerID(),
		Addr:             ap.Addr(),
		Port:             ap.Port(),
		StaticPublicBlob: p.blob,
		Capabilities:     p.opts.Capabilities,
	})
}

func (p *Peer) Listen(addr string) error {
	ln, err := quic.Listen(addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()
	return nil
}

func (p *Peer) ListenAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.AddrString()
}

// Serve accepts QUIC connections and serves each until ctx ends.
func (p *Peer) Serve(ctx context.Context) error {
	p.mu.RLock()
	ln := p.listener
	p.mu.RUnlock()
	if ln == nil {
		return ErrNotListening
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.life, cancel)
	defer stop()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer conn.Close()
			_ = p.ServeConn(ctx, conn)
		}()
	}
}

// service drives every session's timers once.
func (p *Peer) service(now int64) {
	for _, s := range p.Sessions() {
		conn := p.route(s.ID())
		if conn == nil {
			continue
		}
		if _, err := s.Service(conn.Send, conn.MTU(), now); err != nil {
			p.log.WithFields(logrus.Fields{
				"function":   "service",
				"session_id": s.ID().String(),
				"error":      err,
			}).Warn("Session service failed")
		}
	}
}

func (p *Peer) serviceLoop() {
	defer p.wg.Done()
	tick := time.NewTicker(p.opts.ServiceInterval)
	defer tick.Stop()
	for {
		select {
		case <-p.life.Done():
			return
		case now := <-tick.C:
			p.service(now.UnixMilli())
		}
	}
}

// Close stops the listener and background work and wipes every session.
func (p *Peer) Close() error {
	p.cancel()
	p.mu.Lock()
	ln := p.listener
	p.listener = nil
	p.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, s := range p.Sessions() {
		p.Remove(s.ID())
	}
	p.wg.Wait()
	return err
}

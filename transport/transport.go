// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport exchanges signed peer messages among the fixed peer set
// of a mixnet over websocket connections.
//
// Every pair of peers shares a single connection, dialed by the peer of
// lower rank and kept up by a connection manager that redials lost
// connections with backoff.  Both ends open the connection with a signed
// hello binding it to the rank of the remote peer.  Messages arriving on a
// connection must have been sent by the peer it is bound to; relaying is not
// supported.
//
// Send and Broadcast are best effort.  Messages are queued to the writer of
// each connection and a failure to reach one peer does not affect the others.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/connmgr/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"
	"github.com/jrick/bitset"
	"golang.org/x/sync/errgroup"
)

const (
	// PeerPath is the HTTP path peers connect to.
	PeerPath = "/peer"

	handshakeTimeout     = 10 * time.Second
	maxClockSkew         = 2 * time.Minute
	writeTimeout         = 10 * time.Second
	pingInterval         = 30 * time.Second
	pongWait             = 2 * pingInterval
	sendQueueSize        = 256
	defaultRetryDuration = 5 * time.Second
)

// Peer is a member of the mixnet.
type Peer struct {
	Rank   uint32
	Addr   string
	PubKey *secp256k1.PublicKey
}

// Config configures a Transport.
type Config struct {
	// Mixnet is the identifier of the mixnet.
	Mixnet string

	// Self is the rank of the local peer and Key its identity key.
	Self uint32
	Key  *secp256k1.PrivateKey

	// Peers are all members of the mixnet, indexed by rank.
	Peers []Peer

	// Listeners accept inbound connections from peers of lower rank.
	Listeners []net.Listener

	// ServerTLS, when set, serves inbound connections over TLS.
	ServerTLS *tls.Config

	// ClientTLS, when set, dials peers over TLS.
	ClientTLS *tls.Config

	// Dial connects to a peer address.  It defaults to a plain TCP dialer
	// and may be a proxy dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// RetryDuration is the base delay before redialing a lost peer.
	RetryDuration time.Duration

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// Receive is called with every message read from a peer connection.
	// It is called from the reader goroutine of the connection and must
	// not block for long.
	Receive func(rank uint32, e *mixing.Envelope)
}

// Transport maintains the connections to every other mixnet peer.
type Transport struct {
	cfg      Config
	seq      atomic.Uint64
	connMgr  *connmgr.ConnManager
	accepted *connListener
	upgrader websocket.Upgrader

	// ctx is the lifecycle context passed to Run.
	ctx context.Context

	mtx   sync.RWMutex
	links map[uint32]*link
	reqs  map[*connmgr.ConnReq]uint32
}

// peerAddr is the net.Addr of a configured peer address, which may be a
// host name.
type peerAddr string

func (a peerAddr) Network() string { return "tcp" }
func (a peerAddr) String() string  { return string(a) }

// New returns a transport for the described mixnet.  It does not connect to
// any peer until Run is called.
func New(cfg *Config) (*Transport, error) {
	if cfg.Key == nil {
		return nil, mixing.MakeError(mixing.ErrFatalConfig,
			"transport: no identity key")
	}
	if int(cfg.Self) >= len(cfg.Peers) {
		return nil, mixing.MakeError(mixing.ErrFatalConfig,
			fmt.Sprintf("transport: rank %d is not a mixnet member", cfg.Self))
	}
	for i, p := range cfg.Peers {
		if p.Rank != uint32(i) || p.PubKey == nil {
			return nil, mixing.MakeError(mixing.ErrFatalConfig,
				fmt.Sprintf("transport: bad peer entry %d", i))
		}
	}
	if !cfg.Key.PubKey().IsEqual(cfg.Peers[cfg.Self].PubKey) {
		return nil, mixing.MakeError(mixing.ErrFatalConfig,
			"transport: identity key does not match the mixnet entry")
	}
	if cfg.Receive == nil {
		return nil, mixing.MakeError(mixing.ErrFatalConfig,
			"transport: no receive handler")
	}

	t := &Transport{
		cfg:   *cfg,
		links: make(map[uint32]*link),
		reqs:  make(map[*connmgr.ConnReq]uint32),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				// Peers are never browsers.
				return len(r.Header["Origin"]) == 0
			},
		},
	}
	if t.cfg.Dial == nil {
		var d net.Dialer
		t.cfg.Dial = d.DialContext
	}
	if t.cfg.RetryDuration <= 0 {
		t.cfg.RetryDuration = defaultRetryDuration
	}
	// Sequence numbers stay monotonic across restarts.
	t.seq.Store(uint64(time.Now().UnixNano()))

	var addr net.Addr = peerAddr(cfg.Peers[cfg.Self].Addr)
	if len(cfg.Listeners) > 0 {
		addr = cfg.Listeners[0].Addr()
	}
	t.accepted = newConnListener(addr)

	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:       cfg.Listeners,
		OnAccept:        t.accepted.deliver,
		RetryDuration:   t.cfg.RetryDuration,
		Dial:            t.cfg.Dial,
		Timeout:         cfg.DialTimeout,
		OnConnection:    t.outboundConnected,
		OnDisconnection: t.outboundDisconnected,
	})
	if err != nil {
		return nil, mixing.Errorf(mixing.ErrFatalConfig, "transport: %w", err)
	}
	t.connMgr = cmgr
	return t, nil
}

// Run listens for and dials peer connections until the context is
// cancelled.
func (t *Transport) Run(ctx context.Context) error {
	t.ctx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc(PeerPath, t.servePeer)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: handshakeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	var l net.Listener = t.accepted
	if t.cfg.ServerTLS != nil {
		l = tls.NewListener(l, t.cfg.ServerTLS)
	}

	var g errgroup.Group
	g.Go(func() error {
		t.connMgr.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.Close()
		t.accepted.Close()
		t.closeLinks()
		return nil
	})

	t.mtx.Lock()
	for _, p := range t.cfg.Peers[t.cfg.Self+1:] {
		req := &connmgr.ConnReq{Addr: peerAddr(p.Addr), Permanent: true}
		t.reqs[req] = p.Rank
		go t.connMgr.Connect(ctx, req)
	}
	t.mtx.Unlock()

	return g.Wait()
}

// outboundConnected upgrades a dialed connection and performs the
// handshake.
func (t *Transport) outboundConnected(req *connmgr.ConnReq, conn net.Conn) {
	t.mtx.RLock()
	rank, ok := t.reqs[req]
	t.mtx.RUnlock()
	if !ok {
		conn.Close()
		return
	}

	scheme := "ws"
	if t.cfg.ClientTLS != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: req.Addr.String(), Path: PeerPath}
	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
		TLSClientConfig:  t.cfg.ClientTLS,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(t.ctx, u.String(), nil)
	if err != nil {
		log.Debugf("Websocket upgrade to peer %d (%v) failed: %v", rank,
			req.Addr, err)
		conn.Close()
		t.connMgr.Disconnect(req.ID())
		return
	}
	l, err := t.handshake(ws, rank, true)
	if err != nil {
		log.Warnf("Handshake with peer %d (%v) failed: %v", rank, req.Addr, err)
		ws.Close()
		t.connMgr.Disconnect(req.ID())
		return
	}
	l.onClose = func() { t.connMgr.Disconnect(req.ID()) }
	t.addLink(l)
}

func (t *Transport) outboundDisconnected(req *connmgr.ConnReq) {
	t.mtx.RLock()
	rank := t.reqs[req]
	t.mtx.RUnlock()
	log.Debugf("Lost connection to peer %d (%v)", rank, req.Addr)
}

// servePeer upgrades an inbound connection and performs the handshake.
func (t *Transport) servePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade from %v failed: %v", r.RemoteAddr, err)
		return
	}
	l, err := t.handshake(ws, 0, false)
	if err != nil {
		log.Warnf("Handshake with %v failed: %v", r.RemoteAddr, err)
		ws.Close()
		return
	}
	t.addLink(l)
}

// handshake exchanges hello messages on a new connection.  For outbound
// connections the remote peer must prove to be the dialed rank; inbound
// connections are only accepted from peers of lower rank.
func (t *Transport) handshake(ws *websocket.Conn, rank uint32, outbound bool) (*link, error) {
	ws.SetReadLimit(mixing.MaxMessageSize)

	hello, err := t.Seal([32]byte{}, mixing.PhaseInitial, nil, &mixing.Hello{
		Version: mixing.ProtocolVersion,
		Rank:    t.cfg.Self,
		Time:    time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	b, err := hello.Encode()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(handshakeTimeout)
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return nil, mixing.Errorf(mixing.ErrNetwork, "send hello: %w", err)
	}
	ws.SetReadDeadline(deadline)
	typ, b, err := ws.ReadMessage()
	if err != nil {
		return nil, mixing.Errorf(mixing.ErrNetwork, "read hello: %w", err)
	}
	if typ != websocket.BinaryMessage {
		return nil, mixing.MakeError(mixing.ErrMalformedMessage,
			"hello is not a binary message")
	}
	e, err := mixing.DecodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	sender, err := t.checkHello(e, time.Now())
	if err != nil {
		return nil, err
	}
	switch {
	case outbound && sender != rank:
		return nil, mixing.MakeError(mixing.ErrMalformedMessage,
			fmt.Sprintf("dialed peer %d answered as peer %d", rank, sender))
	case !outbound && sender > t.cfg.Self:
		return nil, mixing.MakeError(mixing.ErrMalformedMessage,
			fmt.Sprintf("peer %d must be dialed, not accepted", sender))
	}
	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})
	return newLink(t, sender, ws), nil
}

// checkHello verifies a hello message and returns the rank of its sender.
func (t *Transport) checkHello(e *mixing.Envelope, now time.Time) (uint32, error) {
	bad := func(desc string) (uint32, error) {
		return 0, mixing.MakeError(mixing.ErrMalformedMessage, "hello: "+desc)
	}
	if e.Kind != mixing.KindHello {
		return bad(fmt.Sprintf("first message is %v", e.Kind))
	}
	if e.Mixnet != t.cfg.Mixnet {
		return bad(fmt.Sprintf("mixnet %q", e.Mixnet))
	}
	if int(e.Sender) >= len(t.cfg.Peers) || e.Sender == t.cfg.Self {
		return bad(fmt.Sprintf("sender rank %d", e.Sender))
	}
	if !mixing.VerifyEnvelope(e, t.cfg.Peers[e.Sender].PubKey) {
		return bad(fmt.Sprintf("invalid signature by peer %d", e.Sender))
	}
	msg, err := e.Message()
	if err != nil {
		return 0, err
	}
	h := msg.(*mixing.Hello)
	if h.Rank != e.Sender {
		return bad(fmt.Sprintf("rank %d sent by peer %d", h.Rank, e.Sender))
	}
	if h.Version != mixing.ProtocolVersion {
		return bad(fmt.Sprintf("unsupported protocol version %d", h.Version))
	}
	skew := now.Sub(time.Unix(h.Time, 0))
	if skew > maxClockSkew || skew < -maxClockSkew {
		return bad(fmt.Sprintf("clock of peer %d is off by %v", e.Sender, skew))
	}
	return e.Sender, nil
}

// addLink registers an authenticated connection, replacing an older
// connection to the same peer.
func (t *Transport) addLink(l *link) {
	t.mtx.Lock()
	old := t.links[l.rank]
	t.links[l.rank] = l
	t.mtx.Unlock()

	if old != nil {
		old.detach()
		old.close()
	}
	log.Infof("Connected to peer %d (%v)", l.rank, l.ws.RemoteAddr())
	l.start()
}

func (t *Transport) removeLink(l *link) {
	t.mtx.Lock()
	if t.links[l.rank] == l {
		delete(t.links, l.rank)
	}
	t.mtx.Unlock()
}

func (t *Transport) closeLinks() {
	t.mtx.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mtx.Unlock()

	for _, l := range links {
		l.detach()
		l.close()
	}
}

// Disconnect closes the connection to a peer.  Connections dialed by the
// local peer are redialed after the retry duration.
func (t *Transport) Disconnect(rank uint32) {
	t.mtx.RLock()
	l := t.links[rank]
	t.mtx.RUnlock()
	if l != nil {
		log.Infof("Disconnecting peer %d", rank)
		l.close()
	}
}

// Connected returns the set of peer ranks with an established connection.
// The local rank is always set.
func (t *Transport) Connected() bitset.Bytes {
	set := bitset.NewBytes(len(t.cfg.Peers))
	set.Set(int(t.cfg.Self))
	t.mtx.RLock()
	for rank := range t.links {
		set.Set(int(rank))
	}
	t.mtx.RUnlock()
	return set
}

// Self returns the rank of the local peer.
func (t *Transport) Self() uint32 {
	return t.cfg.Self
}

// Seal creates a signed message from the local peer with the next sequence
// number.
func (t *Transport) Seal(sid [32]byte, phase mixing.Phase, to *uint32, msg mixing.Message) (*mixing.Envelope, error) {
	e, err := mixing.NewEnvelope(t.cfg.Mixnet, sid, phase, t.cfg.Self, to,
		t.seq.Add(1), msg)
	if err != nil {
		return nil, err
	}
	if err := mixing.SignEnvelope(e, t.cfg.Key); err != nil {
		return nil, err
	}
	return e, nil
}

// Send queues a message to one peer.
func (t *Transport) Send(ctx context.Context, rank uint32, e *mixing.Envelope) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	return t.send(ctx, rank, b)
}

func (t *Transport) send(ctx context.Context, rank uint32, b []byte) error {
	if rank == t.cfg.Self {
		return fmt.Errorf("transport: send to self")
	}
	t.mtx.RLock()
	l := t.links[rank]
	t.mtx.RUnlock()
	if l == nil {
		return mixing.MakeError(mixing.ErrNetwork,
			fmt.Sprintf("peer %d is not connected", rank))
	}
	return l.queue(ctx, b)
}

// Broadcast queues a message to every other peer.  The returned error joins
// the failures to reach individual peers; peers without failures received
// the message regardless.
func (t *Transport) Broadcast(ctx context.Context, e *mixing.Envelope) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for i := range t.cfg.Peers {
		rank := uint32(i)
		if rank == t.cfg.Self {
			continue
		}
		g.Go(func() error {
			if err := t.send(ctx, rank, b); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

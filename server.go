// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/coinparty/cpd/internal/archive"
	"github.com/coinparty/cpd/internal/userapi"
	"github.com/coinparty/cpd/ledger"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/session"
	"github.com/coinparty/cpd/mixnet"
	"github.com/coinparty/cpd/transport"
	"github.com/decred/dcrd/certgen"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/errgroup"
)

// simpleAddr implements the net.Addr interface with two struct fields.
type simpleAddr struct {
	net, addr string
}

// String returns the address.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
func (a simpleAddr) Network() string {
	return a.net
}

// server is a mixnet peer.  It ties the transport to the message pool the
// sessions read from, and serves users.
type server struct {
	mixnet   *mixnet.Mixnet
	self     uint32
	pool     *mixpool.Pool
	trans    *transport.Transport
	ledger   *ledger.Adapter
	archive  *archive.Archive
	sessions *session.Manager
	userAPI  *userapi.Server

	userListeners  []net.Listener
	ledgerShutdown func()
}

// receive is called by the transport with every message read from a peer.
// Peers sending messages that fail the pool rules for reasons other than
// timing are disconnected.
func (s *server) receive(rank uint32, e *mixing.Envelope) {
	_, err := s.pool.AcceptMessage(e)
	if err == nil {
		return
	}
	if mixpool.IsBannable(err) {
		srvrLog.Warnf("Disconnecting peer %d: %v", rank, err)
		s.trans.Disconnect(rank)
		return
	}
	srvrLog.Debugf("Rejected %v message from peer %d: %v", e.Kind, rank, err)
}

// Run starts the transport, the session manager and the user API and blocks
// until the context is cancelled or one of them fails.
func (s *server) Run(ctx context.Context) {
	srvrLog.Trace("Starting server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.trans.Run(gctx)
	})
	g.Go(func() error {
		err := s.sessions.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return s.userAPI.Serve(gctx, s.userListeners)
	})
	if err := g.Wait(); err != nil {
		srvrLog.Errorf("Server failed: %v", err)
		requestShutdown()
	}

	srvrLog.Warnf("Server shutting down")
	s.ledgerShutdown()
	if err := s.archive.Close(); err != nil {
		srvrLog.Errorf("Unable to close the session archive: %v", err)
	}
	srvrLog.Trace("Server stopped")
}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP.  It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*" && runtime.GOOS == "plan9") {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		zoneIndex := strings.LastIndex(host, "%")
		if zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}
		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	return netAddrs, nil
}

// listen opens a listener for every address.  Addresses that can't be
// listened on are skipped, but at least one listener must open.
func listen(addrs []string, tlsConfig *tls.Config, what string) ([]net.Listener, error) {
	netAddrs, err := parseListeners(addrs)
	if err != nil {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		var l net.Listener
		if tlsConfig != nil {
			l, err = tls.Listen(addr.Network(), addr.String(), tlsConfig)
		} else {
			l, err = net.Listen(addr.Network(), addr.String())
		}
		if err != nil {
			srvrLog.Warnf("Can't listen for %s on %s: %v", what, addr, err)
			continue
		}
		listeners = append(listeners, l)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("no valid %s listen address", what)
	}
	return listeners, nil
}

func closeListeners(listeners []net.Listener) {
	for _, l := range listeners {
		l.Close()
	}
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string, curveName string) error {
	srvrLog.Infof("Generating TLS certificates...")

	curve, err := tlsCurve(curveName)
	if err != nil {
		return err
	}
	org := "cpd autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(curve, org, validUntil,
		altDNSNames)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	srvrLog.Infof("Done generating TLS certificates")
	return nil
}

// peerTLSConfigs returns the TLS configurations of inbound and outbound peer
// connections.  The key pair is generated when missing.  Outbound connections
// present the same certificate and trust the certificates listed in the
// membership file, or the system roots when none are listed.
func peerTLSConfigs(cfg *config, mn *mixnet.Mixnet) (*tls.Config, *tls.Config, error) {
	keyExists := fileExists(cfg.PeerKey)
	certExists := fileExists(cfg.PeerCert)
	if len(cfg.AltDNSNames) != 0 && (keyExists || certExists) {
		srvrLog.Warnf("Additional DNS names are NOT included in the "+
			"existing certificate %q", cfg.PeerCert)
	}
	if !keyExists && !certExists {
		err := genCertPair(cfg.PeerCert, cfg.PeerKey, cfg.AltDNSNames,
			cfg.TLSCurve)
		if err != nil {
			return nil, nil, err
		}
	}
	cert, err := tls.LoadX509KeyPair(cfg.PeerCert, cfg.PeerKey)
	if err != nil {
		return nil, nil, err
	}
	roots, err := mn.CertPool()
	if err != nil {
		return nil, nil, err
	}
	srv := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	cli := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}
	return srv, cli, nil
}

// dcrdCertificates reads the certificate of the dcrd RPC server.
func dcrdCertificates(cfg *config) ([]byte, error) {
	if cfg.NoDcrdTLS {
		return nil, nil
	}
	certs, err := os.ReadFile(cfg.DcrdRPCCert)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certs) {
		return nil, fmt.Errorf("no certificates found in %q", cfg.DcrdRPCCert)
	}
	return certs, nil
}

// newServer returns a new mixnet peer of mn using the identity key.  Run
// begins connecting to the other peers.
func newServer(ctx context.Context, cfg *config, mn *mixnet.Mixnet, key *secp256k1.PrivateKey) (_ *server, err error) {
	self, ok := mn.Rank(key.PubKey())
	if !ok {
		return nil, mixing.MakeError(mixing.ErrFatalConfig,
			fmt.Sprintf("identity key %x is not a member of mixnet %q",
				key.PubKey().SerializeCompressed(), mn.ID))
	}
	srvrLog.Infof("Peer %d of %d in mixnet %q (tolerating %d faulty)",
		self, mn.N(), mn.ID, mn.Threshold())

	s := &server{
		mixnet: mn,
		self:   self,
		pool: mixpool.NewPool(&mixpool.Config{
			Mixnet: mn.ID,
			Self:   self,
			Keys:   mn.Keys(),
		}),
	}

	var serverTLS, clientTLS *tls.Config
	if !cfg.NoPeerTLS {
		serverTLS, clientTLS, err = peerTLSConfigs(cfg, mn)
		if err != nil {
			return nil, err
		}
	}

	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	// The transport wraps its listeners in TLS itself.
	peerListeners, err := listen(cfg.Listeners, nil, "peers")
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, func() { closeListeners(peerListeners) })
	s.trans, err = transport.New(&transport.Config{
		Mixnet:      mn.ID,
		Self:        self,
		Key:         key,
		Peers:       mn.Peers,
		Listeners:   peerListeners,
		ServerTLS:   serverTLS,
		ClientTLS:   clientTLS,
		Dial:        cfg.dial,
		DialTimeout: cfg.DialTimeout,
		Receive:     s.receive,
	})
	if err != nil {
		return nil, err
	}

	certs, err := dcrdCertificates(cfg)
	if err != nil {
		return nil, mixing.Errorf(mixing.ErrFatalConfig,
			"dcrd RPC certificate: %w", err)
	}
	s.ledger, s.ledgerShutdown, err = ledger.Dial(&ledger.RPCConfig{
		Host:       cfg.DcrdRPCServer,
		User:       cfg.DcrdRPCUser,
		Pass:       cfg.DcrdRPCPass,
		DisableTLS: cfg.NoDcrdTLS,
		Proxy:      cfg.Proxy,
		ProxyUser:  cfg.ProxyUser,
		ProxyPass:  cfg.ProxyPass,
	}, certs, ledger.Config{
		Params:           cfg.params.Params,
		MinConfirmations: cfg.MinConfirmations,
		MaxRetries:       5,
	})
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, s.ledgerShutdown)
	tip, err := s.ledger.Tip(ctx)
	if err != nil {
		srvrLog.Warnf("dcrd at %s is unreachable: %v", cfg.DcrdRPCServer, err)
	} else {
		srvrLog.Infof("dcrd at %s is at height %d", cfg.DcrdRPCServer, tip)
	}

	s.archive, err = archive.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, func() { s.archive.Close() })

	s.sessions, err = session.NewManager(&session.Config{
		Mixnet:       mn.ID,
		Peers:        mn.N(),
		Pool:         s.pool,
		Net:          s.trans,
		Ledger:       s.ledger,
		Archive:      s.archive,
		Timeouts:     cfg.timeouts(),
		MinUsers:     cfg.MinUsers,
		MaxUsers:     cfg.MaxUsers,
		MixValue:     cfg.mixValue,
		FeeRate:      cfg.feeRate,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	var userTLS *tls.Config
	if cfg.UserTLS {
		userTLS = serverTLS
	}
	s.userListeners, err = listen(cfg.UserListeners, userTLS, "users")
	if err != nil {
		return nil, err
	}
	s.userAPI = userapi.New(s.sessions)
	return s, nil
}

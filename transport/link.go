// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/gorilla/websocket"
)

// link is an authenticated connection to one peer.
type link struct {
	t     *Transport
	rank  uint32
	ws    *websocket.Conn
	send  chan []byte
	quit  chan struct{}
	since time.Time

	mu        sync.Mutex
	onClose   func()
	closeOnce sync.Once
}

func newLink(t *Transport, rank uint32, ws *websocket.Conn) *link {
	return &link{
		t:     t,
		rank:  rank,
		ws:    ws,
		send:  make(chan []byte, sendQueueSize),
		quit:  make(chan struct{}),
		since: time.Now(),
	}
}

func (l *link) start() {
	go l.readLoop()
	go l.writeLoop()
}

// detach removes the close callback of a link that is being replaced.
func (l *link) detach() {
	l.mu.Lock()
	l.onClose = nil
	l.mu.Unlock()
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.ws.Close()
		l.t.removeLink(l)

		l.mu.Lock()
		onClose := l.onClose
		l.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
}

// queue hands an encoded message to the writer of the link.
func (l *link) queue(ctx context.Context, b []byte) error {
	select {
	case l.send <- b:
		return nil
	case <-l.quit:
		return mixing.MakeError(mixing.ErrNetwork,
			fmt.Sprintf("connection to peer %d closed", l.rank))
	case <-ctx.Done():
		return mixing.Errorf(mixing.ErrNetwork, "send to peer %d: %w",
			l.rank, ctx.Err())
	}
}

func (l *link) readLoop() {
	defer l.close()

	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, b, err := l.ws.ReadMessage()
		if err != nil {
			select {
			case <-l.quit:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) &&
					!isClosedErr(err) {
					log.Debugf("Read from peer %d: %v", l.rank, err)
				}
			}
			return
		}
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		e, err := mixing.DecodeEnvelope(b)
		if err != nil {
			log.Debugf("Dropping malformed message from peer %d: %v",
				l.rank, err)
			continue
		}
		if e.Sender != l.rank {
			log.Warnf("Peer %d relayed a message of peer %d", l.rank,
				e.Sender)
			return
		}
		l.t.cfg.Receive(l.rank, e)
	}
}

func (l *link) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-l.send:
			l.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := l.ws.WriteMessage(websocket.BinaryMessage, b)
			if err != nil {
				log.Debugf("Write to peer %d: %v", l.rank, err)
				l.close()
				return
			}
		case <-ticker.C:
			err := l.ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeTimeout))
			if err != nil {
				l.close()
				return
			}
		case <-l.quit:
			return
		}
	}
}

func isClosedErr(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, net.ErrClosed) || errors.As(err, &opErr)
}

// connListener is a net.Listener fed with the connections accepted by the
// connection manager.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	quit  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		quit:  make(chan struct{}),
	}
}

func (l *connListener) deliver(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.quit:
		c.Close()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.quit:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.quit) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

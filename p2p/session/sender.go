package session

import (
	"context"
	"fmt"
	"net"

	"cosmossdk.io/log"

	"github.com/paw-chain/gossipd/p2p/reputation"
)

// Sender implements transport.Sender over the connections this Manager has
// already bootstrapped: it writes length-prefixed envelope bytes straight to
// the peer's net.Conn, with no framing of its own beyond what the caller
// already produced (gossip.EncodeEnvelope already self-frames).
type Sender struct {
	mgr *Manager
}

func NewSender(mgr *Manager) *Sender { return &Sender{mgr: mgr} }

func (s *Sender) SendTo(peer reputation.PeerID, data []byte) error {
	c, ok := s.mgr.Conn(string(peer))
	if !ok {
		return fmt.Errorf("session: no connection to peer %s", peer)
	}
	_, err := c.conn.Write(data)
	return err
}

// Listener accepts inbound connections, performs the bootstrap handshake,
// and then hands the connection off to onConn for as long as it stays
// open — one goroutine per peer, mirroring the teacher's per-connection
// read loop in its gossip protocol handler.
type Listener struct {
	mgr      *Manager
	listener net.Listener
	log      log.Logger
}

func NewListener(mgr *Manager, logger log.Logger) *Listener {
	return &Listener{mgr: mgr, log: logger}
}

// Serve listens on addr and runs until ctx is cancelled. onConn is invoked
// once per bootstrapped connection with its peer ID; the caller is expected
// to read framed envelopes off conn and feed them to the gossip engine.
func (l *Listener) Serve(ctx context.Context, addr string, onConn func(peerID string, conn net.Conn)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session: listen %s: %w", addr, err)
	}
	l.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Error("accept failed", "err", err)
			continue
		}
		go func() {
			c, err := l.mgr.Accept(nc)
			if err != nil {
				l.log.Debug("inbound handshake failed", "err", err)
				nc.Close()
				return
			}
			onConn(c.PeerID, nc)
		}()
	}
}

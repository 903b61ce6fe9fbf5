package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/paw-chain/gossipd/p2p/reputation"
)

// Conn is a live session with one peer: the handshake has completed and
// framed messages can be written/read. Adapted from the teacher's
// PeerConnection, trimmed to what a bootstrap session needs (no per-peer
// send queue here — the gossip Transport layer owns its own fanout).
type Conn struct {
	PeerID   string
	Addr     string
	Outbound bool
	conn     net.Conn
}

func (c *Conn) Close() error { return c.conn.Close() }

// NetConn exposes the underlying connection so a caller can read
// post-handshake traffic (gossip envelopes) directly off it.
func (c *Conn) NetConn() net.Conn { return c.conn }

// Manager performs the handshake/peer-discovery bootstrap for new
// connections and feeds discovered peers into the reputation manager so
// the gossip Transport's selection has someone to rank.
type Manager struct {
	nodeID       string
	listenAddr   string
	capabilities []string

	rep *reputation.Manager
	log log.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewManager(nodeID, listenAddr string, capabilities []string, rep *reputation.Manager, logger log.Logger) *Manager {
	return &Manager{
		nodeID:       nodeID,
		listenAddr:   listenAddr,
		capabilities: capabilities,
		rep:          rep,
		log:          logger,
		conns:        make(map[string]*Conn),
	}
}

// Dial opens an outbound connection to addr and performs the handshake.
func (m *Manager) Dial(addr string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}
	c, err := m.handshake(nc, addr, true)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept performs the responder side of a handshake on an already-accepted
// inbound connection.
func (m *Manager) Accept(nc net.Conn) (*Conn, error) {
	return m.handshake(nc, nc.RemoteAddr().String(), false)
}

func (m *Manager) handshake(nc net.Conn, addr string, outbound bool) (*Conn, error) {
	if outbound {
		hs := &HandshakeMessage{
			ProtocolVersion: CurrentProtocolVersion,
			NodeID:          m.nodeID,
			ListenAddr:      m.listenAddr,
			Capabilities:    m.capabilities,
		}
		if err := WriteMessage(nc, hs); err != nil {
			return nil, fmt.Errorf("session: send handshake: %w", err)
		}
		ackMsg, err := ReadMessage(nc)
		if err != nil {
			return nil, fmt.Errorf("session: read handshake ack: %w", err)
		}
		ack, ok := ackMsg.(*HandshakeAckMessage)
		if !ok {
			return nil, fmt.Errorf("session: expected HandshakeAck, got %s", ackMsg.Type())
		}
		if !ack.Accepted {
			return nil, fmt.Errorf("session: handshake rejected: %s", ack.Reason)
		}
		return m.register(nc, ack.NodeID, addr, true), nil
	}

	peerMsg, err := ReadMessage(nc)
	if err != nil {
		return nil, fmt.Errorf("session: read handshake: %w", err)
	}
	hs, ok := peerMsg.(*HandshakeMessage)
	if !ok {
		return nil, fmt.Errorf("session: expected Handshake, got %s", peerMsg.Type())
	}
	ack := &HandshakeAckMessage{Accepted: true, NodeID: m.nodeID}
	if err := WriteMessage(nc, ack); err != nil {
		return nil, fmt.Errorf("session: send handshake ack: %w", err)
	}
	return m.register(nc, hs.NodeID, addr, false), nil
}

func (m *Manager) register(nc net.Conn, peerID, addr string, outbound bool) *Conn {
	c := &Conn{PeerID: peerID, Addr: addr, Outbound: outbound, conn: nc}
	m.mu.Lock()
	m.conns[peerID] = c
	m.mu.Unlock()

	if err := m.rep.RecordEvent(reputation.PeerEvent{
		PeerID:    reputation.PeerID(peerID),
		EventType: reputation.EventTypeConnected,
		Timestamp: time.Now(),
	}); err != nil {
		m.log.Debug("failed to record connect event", "peer", peerID, "err", err)
	}
	return c
}

// RequestPeers asks c's remote side for its known peers and feeds the
// response's addresses into the reputation manager as new peers, each
// recorded with one connect event, so the node's fanout can grow beyond its
// seed list. Peers the manager already knows are skipped.
func (m *Manager) RequestPeers(c *Conn) error {
	if err := WriteMessage(c.conn, &PeerRequestMessage{}); err != nil {
		return fmt.Errorf("session: send peer request: %w", err)
	}
	respMsg, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("session: read peer response: %w", err)
	}
	list, ok := respMsg.(*PeerListMessage)
	if !ok {
		return fmt.Errorf("session: expected PeerResponse, got %s", respMsg.Type())
	}
	for _, p := range list.Peers {
		if p.ID == m.nodeID {
			continue
		}
		if known, err := m.rep.GetReputation(reputation.PeerID(p.ID)); err == nil && known != nil {
			continue
		}
		ok, reason := m.rep.ShouldAcceptPeer(reputation.PeerID(p.ID), p.Addr)
		if !ok {
			m.log.Debug("discovered peer rejected", "peer", p.ID, "reason", reason)
			continue
		}
		if err := m.rep.RecordEvent(reputation.PeerEvent{
			PeerID:    reputation.PeerID(p.ID),
			EventType: reputation.EventTypeConnected,
			Timestamp: time.Now(),
		}); err != nil {
			m.log.Debug("failed to register discovered peer", "peer", p.ID, "err", err)
		}
	}
	return nil
}

// ServePeerRequest answers an inbound PeerRequestMessage with our current
// top peers, excluding the requester.
func (m *Manager) ServePeerRequest(c *Conn) error {
	top := m.rep.GetTopPeers(50, 0)
	resp := &PeerListMessage{}
	for _, p := range top {
		if string(p.PeerID) == c.PeerID {
			continue
		}
		resp.Peers = append(resp.Peers, PeerAddress{ID: string(p.PeerID), Addr: p.Address})
	}
	return WriteMessage(c.conn, resp)
}

func (m *Manager) Conn(peerID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[peerID]
	return c, ok
}

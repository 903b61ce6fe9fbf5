// Package transport implements gossip.Transport[reputation.PeerID, ...] by
// combining the reputation manager's peer-quality ranking (the same
// bubble-sort-by-score and round-robin-by-country selection this tree's
// protocol package used for block/tx fanout) with a pluggable Sender that
// actually puts bytes on a connection.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
	"golang.org/x/time/rate"

	"github.com/paw-chain/gossipd/p2p/gossip"
	"github.com/paw-chain/gossipd/p2p/reputation"
)

// recordSendOutcome feeds a send's success/failure back into the reputation
// manager, the same feedback loop the teacher drove from observed block/vote
// traffic; here the signal is simply whether bytes reached the peer.
func recordSendOutcome(rep *reputation.Manager, peer reputation.PeerID, err error) {
	evType := reputation.EventTypeItemPropagated
	if err != nil {
		evType = reputation.EventTypeSendFailed
	}
	if rerr := rep.RecordEvent(reputation.PeerEvent{PeerID: peer, EventType: evType, Timestamp: time.Now()}); rerr != nil {
		// Reputation bookkeeping is best-effort; losing a score update is
		// never worth failing the send it was derived from.
		_ = rerr
	}
}

// peerLimiter hands out one token-bucket limiter per peer, lazily, the same
// shape as the indexer API's per-client RateLimiter: a map guarded by its
// own mutex rather than one global limiter.
type peerLimiter struct {
	mu       sync.Mutex
	limiters map[reputation.PeerID]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newPeerLimiter(r rate.Limit, burst int) *peerLimiter {
	return &peerLimiter{limiters: make(map[reputation.PeerID]*rate.Limiter), r: r, burst: burst}
}

func (p *peerLimiter) allow(peer reputation.PeerID) bool {
	if p.r <= 0 {
		return true
	}
	p.mu.Lock()
	l, ok := p.limiters[peer]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[peer] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// Sender abstracts the one operation a Transport needs from the network
// layer: deliver an already-framed message to a specific peer. Swapped out
// in tests for an in-memory fake; production wiring plugs in whatever
// connection pool the node uses (TCP, QUIC, ...).
type Sender interface {
	SendTo(peer reputation.PeerID, data []byte) error
}

// Config tunes peer selection.
type Config struct {
	// MinReputation excludes peers scoring below this from gossip fanout.
	MinReputation float64
	// Diverse selects peers round-robin by network_info.country instead of
	// strictly by score, trading a little propagation speed for resilience
	// against one region's peers all failing together.
	Diverse bool
	// PerPeerRate bounds how many messages per second we will send to any
	// one peer; zero disables the limit.
	PerPeerRate  rate.Limit
	PerPeerBurst int
}

func DefaultConfig() Config {
	return Config{MinReputation: 0, Diverse: true, PerPeerRate: 50, PerPeerBurst: 100}
}

// Manager is a gossip.Transport[Id, reputation.PeerID, Item] that selects
// peers via reputation and hands framed bytes to Sender.
type Manager[Id comparable, Item any] struct {
	cfg   Config
	rep   *reputation.Manager
	send  Sender
	codec gossip.Codec[Id, Item]
	log   log.Logger
	limit *peerLimiter
}

func NewManager[Id comparable, Item any](cfg Config, rep *reputation.Manager, sender Sender, codec gossip.Codec[Id, Item], logger log.Logger) *Manager[Id, Item] {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager[Id, Item]{
		cfg:   cfg,
		rep:   rep,
		send:  sender,
		codec: codec,
		log:   logger,
		limit: newPeerLimiter(cfg.PerPeerRate, cfg.PerPeerBurst),
	}
}

// Send delivers msg to peer directly, satisfying gossip.Transport. Used for
// GetRequest/GetResponse, where the target is already known and reputation
// selection does not apply.
func (m *Manager[Id, Item]) Send(peer reputation.PeerID, msg gossip.Envelope[Id, Item]) {
	if !m.limit.allow(peer) {
		m.log.Debug("dropping send, peer rate limit exceeded", "peer", peer)
		return
	}
	data, err := gossip.EncodeEnvelope(m.codec, msg)
	if err != nil {
		m.log.Error("encode envelope failed", "peer", peer, "err", err)
		return
	}
	err = m.send.SendTo(peer, data)
	if err != nil {
		m.log.Error("send failed", "peer", peer, "err", err)
	}
	recordSendOutcome(m.rep, peer, err)
}

// Gossip picks up to count peers not in exclude, by reputation, and sends
// msg to each, satisfying gossip.Transport. Returns the set actually sent
// to; a send failure drops that peer from the result but does not abort
// the round for the others.
func (m *Manager[Id, Item]) Gossip(ctx context.Context, msg gossip.Envelope[Id, Item], count int, exclude map[reputation.PeerID]struct{}) (map[reputation.PeerID]struct{}, error) {
	if count <= 0 {
		return nil, nil
	}

	candidates := m.selectCandidates(count, exclude)
	if len(candidates) == 0 {
		return nil, nil
	}

	data, err := gossip.EncodeEnvelope(m.codec, msg)
	if err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[reputation.PeerID]struct{}, len(candidates))
	)
	for _, peer := range candidates {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.limit.allow(peer) {
				m.log.Debug("dropping gossip, peer rate limit exceeded", "peer", peer)
				return
			}
			err := m.send.SendTo(peer, data)
			recordSendOutcome(m.rep, peer, err)
			if err != nil {
				m.log.Debug("gossip send failed", "peer", peer, "err", err)
				return
			}
			mu.Lock()
			out[peer] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return out, nil
}

// selectCandidates asks the reputation manager for up to 3x count (plus
// len(exclude)) eligible peers, skips those in exclude, and trims to count
// before any send. A peer whose send later fails or is rate-limited is not
// replaced by another candidate in that round.
func (m *Manager[Id, Item]) selectCandidates(count int, exclude map[reputation.PeerID]struct{}) []reputation.PeerID {
	overfetch := count * 3
	if overfetch < count {
		overfetch = count
	}

	var ranked []*reputation.PeerReputation
	if m.cfg.Diverse {
		ranked = m.rep.GetDiversePeers(overfetch+len(exclude), m.cfg.MinReputation)
	} else {
		ranked = m.rep.GetTopPeers(overfetch+len(exclude), m.cfg.MinReputation)
	}

	peers := make([]reputation.PeerID, 0, count)
	for _, r := range ranked {
		if _, excluded := exclude[r.PeerID]; excluded {
			continue
		}
		peers = append(peers, r.PeerID)
		if len(peers) == count {
			break
		}
	}
	return peers
}

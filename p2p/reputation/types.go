package reputation

import (
	"net"
	"time"
)

// PeerID identifies a peer for reputation purposes. It is the same string
// form the session and transport layers use to address a connection.
type PeerID string

// EventType enumerates the peer-observable events the gossip stack actually
// produces: connection lifecycle (session/manager.go) and gossip send
// outcomes (transport/transport.go's recordSendOutcome). There is no
// message-validity or item-propagation-speed signal in this domain — the
// wire codec rejects a corrupt envelope before it ever reaches RecordEvent
// (see gossip.ReadEnvelope's checksum check), so there is nothing for a
// "valid/invalid message" event to report.
type EventType int

const (
	// EventTypeConnected fires once per accepted/dialed session, and once
	// for each new peer learned from a peer list (session.Manager.RequestPeers).
	EventTypeConnected EventType = iota
	// EventTypeDisconnected marks the end of a session. The scorer folds it
	// into uptime and disconnect ratio; no session code records it.
	EventTypeDisconnected
	// EventTypeItemPropagated fires when a gossip/GetResponse send to this
	// peer succeeded.
	EventTypeItemPropagated
	// EventTypeSendFailed fires when a send to this peer returned an error.
	EventTypeSendFailed
)

func (e EventType) String() string {
	switch e {
	case EventTypeConnected:
		return "connected"
	case EventTypeDisconnected:
		return "disconnected"
	case EventTypeItemPropagated:
		return "item_propagated"
	case EventTypeSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// PeerEvent is a single observation about a peer, fed to Manager.RecordEvent.
type PeerEvent struct {
	PeerID    PeerID
	EventType EventType
	Timestamp time.Time
}

// PeerMetrics accumulates the raw counters the Scorer reduces to a score.
// Every field here is driven by an EventType above; nothing is tracked that
// nothing feeds.
type PeerMetrics struct {
	ConnectionCount    int64
	DisconnectionCount int64
	TotalUptime        time.Duration
	LastUptimeUpdate   time.Time

	ItemsSent               int64 `json:"items_sent"`
	SendFailures            int64 `json:"send_failures"`
	ConsecutiveSendFailures int64 `json:"consecutive_send_failures"`
}

// NetworkInfo is the subset of a peer's network identity peer selection
// actually consults: subnet limiting (ShouldAcceptPeer) and country-based
// diversity (GetDiversePeers).
type NetworkInfo struct {
	IPAddress string `json:"ip_address"`
	Subnet    string `json:"subnet"`
	Country   string `json:"country"`
}

// BanType distinguishes a temporary cooldown from a permanent exclusion.
type BanType int

const (
	BanTypeNone BanType = iota
	BanTypeTemporary
	BanTypePermanent
)

func (b BanType) String() string {
	switch b {
	case BanTypeTemporary:
		return "temporary"
	case BanTypePermanent:
		return "permanent"
	default:
		return "none"
	}
}

// BanInfo records a peer's current ban/whitelist state.
type BanInfo struct {
	IsBanned      bool
	BanType       BanType
	BannedAt      time.Time
	BanReason     string
	BanExpires    time.Time
	BanCount      int
	IsWhitelisted bool
}

// TrustLevel buckets a score into a human-readable tier, mainly for
// diagnostics (GetStatistics' trust distribution) rather than decision-making —
// decisions are made on the float score and ban state directly.
type TrustLevel int

const (
	TrustLevelUnknown TrustLevel = iota
	TrustLevelUntrusted
	TrustLevelLow
	TrustLevelMedium
	TrustLevelHigh
	TrustLevelWhitelisted
)

func (t TrustLevel) String() string {
	switch t {
	case TrustLevelUntrusted:
		return "untrusted"
	case TrustLevelLow:
		return "low"
	case TrustLevelMedium:
		return "medium"
	case TrustLevelHigh:
		return "high"
	case TrustLevelWhitelisted:
		return "whitelisted"
	default:
		return "unknown"
	}
}

// CalculateTrustLevel buckets score into a TrustLevel. A whitelisted peer is
// always TrustLevelWhitelisted regardless of score.
func CalculateTrustLevel(score float64, whitelisted bool) TrustLevel {
	if whitelisted {
		return TrustLevelWhitelisted
	}
	switch {
	case score < 0:
		return TrustLevelUnknown
	case score < 20:
		return TrustLevelUntrusted
	case score < 40:
		return TrustLevelLow
	case score < 75:
		return TrustLevelMedium
	default:
		return TrustLevelHigh
	}
}

// PeerReputation is a peer's complete reputation record, the unit Storage
// persists and Scorer scores.
type PeerReputation struct {
	PeerID      PeerID
	Address     string
	Score       float64
	FirstSeen   time.Time
	LastSeen    time.Time
	TrustLevel  TrustLevel
	Metrics     PeerMetrics
	BanStatus   BanInfo
	NetworkInfo NetworkInfo
}

// ScoreWeights weights the factors CalculateScore combines. Unlike the
// weighted-sum-of-five-signals model this is derived from, there are only
// two positive signals in the gossip domain (connection stability and
// gossip-send success) plus a penalty term.
type ScoreWeights struct {
	ConnectionWeight  float64
	PropagationWeight float64
	ViolationPenalty  float64
}

// DefaultScoreWeights returns the default weighting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		ConnectionWeight:  0.45,
		PropagationWeight: 0.45,
		ViolationPenalty:  0.10,
	}
}

// ParseSubnet extracts the /24 (IPv4) or /48 (IPv6) subnet from an address,
// accepting either a bare IP or a host:port pair as session addresses and
// ShouldAcceptPeer's callers both pass. Returns "" if addr contains no
// parseable IP.
func ParseSubnet(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

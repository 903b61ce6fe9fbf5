package reputation

import (
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ReputationTestSuite exercises the Manager/Scorer surface the gossip
// transport and session layers actually call.
type ReputationTestSuite struct {
	suite.Suite
	storage Storage
	manager *Manager
	scorer  *Scorer
	logger  log.Logger
}

func (s *ReputationTestSuite) SetupTest() {
	s.logger = log.NewNopLogger()
	s.storage = NewMemoryStorage()

	config := DefaultManagerConfig()
	config.ScoreDecayInterval = 100 * time.Millisecond // fast for testing

	var err error
	s.manager, err = NewManager(s.storage, config, s.logger)
	s.Require().NoError(err)

	s.scorer = NewScorer(DefaultScoreWeights(), DefaultScoringConfig())
}

func (s *ReputationTestSuite) TearDownTest() {
	if s.manager != nil {
		_ = s.manager.Close()
	}
}

func TestReputationTestSuite(t *testing.T) {
	suite.Run(t, new(ReputationTestSuite))
}

// TestScoringAlgorithm checks CalculateScore's two signals in isolation.
func (s *ReputationTestSuite) TestScoringAlgorithm() {
	t := s.T()

	rep := &PeerReputation{
		PeerID:    "peer1",
		FirstSeen: time.Now(),
		LastSeen:  time.Now(),
		Metrics:   PeerMetrics{},
	}

	score := s.scorer.CalculateScore(rep)
	require.InDelta(t, 50.0, score, 5.0, "new peer should have near-neutral score")

	// A peer with strong uptime and a clean send record should score well
	// above a brand-new peer.
	rep.FirstSeen = time.Now().Add(-2 * time.Hour)
	rep.Metrics.TotalUptime = 2 * time.Hour
	rep.Metrics.ConnectionCount = 1
	rep.Metrics.ItemsSent = 100
	established := s.scorer.CalculateScore(rep)
	require.Greater(t, established, score)

	// Consecutive send failures should pull the score down.
	rep.Metrics.ConsecutiveSendFailures = 5
	penalized := s.scorer.CalculateScore(rep)
	require.Less(t, penalized, established)
}

// TestPropagationScoreBands checks the non-linear send-success banding.
func (s *ReputationTestSuite) TestPropagationScoreBands() {
	t := s.T()

	highRatio := &PeerReputation{Metrics: PeerMetrics{ItemsSent: 99, SendFailures: 1}}
	midRatio := &PeerReputation{Metrics: PeerMetrics{ItemsSent: 80, SendFailures: 20}}
	lowRatio := &PeerReputation{Metrics: PeerMetrics{ItemsSent: 10, SendFailures: 90}}

	high := s.scorer.calculatePropagationScore(highRatio)
	mid := s.scorer.calculatePropagationScore(midRatio)
	low := s.scorer.calculatePropagationScore(lowRatio)

	require.Greater(t, high, mid)
	require.Greater(t, mid, low)
}

// TestApplyEventUpdatesMetrics checks each EventType's effect on PeerMetrics.
func (s *ReputationTestSuite) TestApplyEventUpdatesMetrics() {
	t := s.T()
	rep := &PeerReputation{PeerID: "peer1"}

	s.scorer.ApplyEvent(rep, PeerEvent{PeerID: "peer1", EventType: EventTypeConnected, Timestamp: time.Now()})
	require.EqualValues(t, 1, rep.Metrics.ConnectionCount)
	require.False(t, rep.FirstSeen.IsZero())

	s.scorer.ApplyEvent(rep, PeerEvent{PeerID: "peer1", EventType: EventTypeItemPropagated, Timestamp: time.Now()})
	require.EqualValues(t, 1, rep.Metrics.ItemsSent)

	s.scorer.ApplyEvent(rep, PeerEvent{PeerID: "peer1", EventType: EventTypeSendFailed, Timestamp: time.Now()})
	require.EqualValues(t, 1, rep.Metrics.SendFailures)
	require.EqualValues(t, 1, rep.Metrics.ConsecutiveSendFailures)

	// A subsequent success resets the consecutive-failure streak.
	s.scorer.ApplyEvent(rep, PeerEvent{PeerID: "peer1", EventType: EventTypeItemPropagated, Timestamp: time.Now()})
	require.EqualValues(t, 0, rep.Metrics.ConsecutiveSendFailures)

	s.scorer.ApplyEvent(rep, PeerEvent{PeerID: "peer1", EventType: EventTypeDisconnected, Timestamp: time.Now()})
	require.EqualValues(t, 1, rep.Metrics.DisconnectionCount)
}

// TestShouldBan checks the two ban triggers: a send-failure streak and a low
// absolute score.
func (s *ReputationTestSuite) TestShouldBan() {
	t := s.T()

	streak := &PeerReputation{Metrics: PeerMetrics{ConsecutiveSendFailures: 5}}
	ban, banType, reason := s.scorer.ShouldBan(streak)
	require.True(t, ban)
	require.Equal(t, BanTypeTemporary, banType)
	require.NotEmpty(t, reason)

	lowScore := &PeerReputation{Score: 10}
	ban, _, _ = s.scorer.ShouldBan(lowScore)
	require.True(t, ban)

	healthy := &PeerReputation{Score: 80}
	ban, _, _ = s.scorer.ShouldBan(healthy)
	require.False(t, ban)
}

// TestRecordEventPersistsAndBans exercises Manager.RecordEvent end to end,
// including the auto-ban path transport.go's recordSendOutcome relies on.
func (s *ReputationTestSuite) TestRecordEventPersistsAndBans() {
	t := s.T()
	peer := PeerID("peer-a")

	for i := 0; i < 6; i++ {
		err := s.manager.RecordEvent(PeerEvent{PeerID: peer, EventType: EventTypeSendFailed, Timestamp: time.Now()})
		require.NoError(t, err)
	}

	rep, err := s.manager.GetReputation(peer)
	require.NoError(t, err)
	require.NotNil(t, rep)
	require.True(t, rep.BanStatus.IsBanned)
	require.Equal(t, BanTypeTemporary, rep.BanStatus.BanType)

	allowed, reason := s.manager.ShouldAcceptPeer(peer, "10.0.0.1:26656")
	require.False(t, allowed)
	require.Contains(t, reason, "banned")
}

// TestShouldAcceptPeerSubnetLimit checks ShouldAcceptPeer's subnet cap.
func (s *ReputationTestSuite) TestShouldAcceptPeerSubnetLimit() {
	t := s.T()

	config := DefaultManagerConfig()
	config.MaxPeersPerSubnet = 2
	mgr, err := NewManager(NewMemoryStorage(), config, s.logger)
	require.NoError(t, err)
	defer mgr.Close()

	for i, addr := range []string{"10.0.0.1:26656", "10.0.0.2:26656"} {
		peer := PeerID(addr)
		require.NoError(t, mgr.RecordEvent(PeerEvent{PeerID: peer, EventType: EventTypeConnected, Timestamp: time.Now()}))
		rep, err := mgr.GetReputation(peer)
		require.NoError(t, err)
		rep.NetworkInfo.Subnet = ParseSubnet(addr)
		require.NoError(t, mgr.storage.Save(rep))
		mgr.peersMu.Lock()
		mgr.peers[peer] = rep
		mgr.peersMu.Unlock()
		mgr.updateStats(rep)
		_ = i
	}

	allowed, reason := mgr.ShouldAcceptPeer("10.0.0.3", "10.0.0.3:26656")
	require.False(t, allowed)
	require.Contains(t, reason, "subnet")
}

// TestWhitelistBypassesBan checks that whitelisting overrides ban checks in
// ShouldAcceptPeer.
func (s *ReputationTestSuite) TestWhitelistBypassesBan() {
	t := s.T()
	peer := PeerID("peer-b")

	require.NoError(t, s.manager.BanPeer(peer, 0, "manual ban"))
	allowed, _ := s.manager.ShouldAcceptPeer(peer, "10.0.0.9:26656")
	require.False(t, allowed)

	s.manager.AddToWhitelist(peer)
	allowed, _ = s.manager.ShouldAcceptPeer(peer, "10.0.0.9:26656")
	require.True(t, allowed)

	s.manager.RemoveFromWhitelist(peer)
}

// TestGetTopPeersOrdersByScore checks GetTopPeers returns peers in
// descending score order.
func (s *ReputationTestSuite) TestGetTopPeersOrdersByScore() {
	t := s.T()

	for i, n := range []int{10, 20} {
		peer := PeerID(string(rune('a' + i)))
		for j := 0; j < n; j++ {
			require.NoError(t, s.manager.RecordEvent(PeerEvent{PeerID: peer, EventType: EventTypeItemPropagated, Timestamp: time.Now()}))
		}
	}

	top := s.manager.GetTopPeers(2, 0)
	require.Len(t, top, 2)
	require.GreaterOrEqual(t, top[0].Score, top[1].Score)
}

// TestParseSubnet checks the bare-IPv4, host:port and unparseable cases.
func TestParseSubnet(t *testing.T) {
	require.Equal(t, "192.168.1.0/24", ParseSubnet("192.168.1.254"))
	require.Equal(t, "192.168.1.0/24", ParseSubnet("192.168.1.254:26656"))
	require.Equal(t, "", ParseSubnet("not-an-ip:26656"))
}

// TestCalculateTrustLevel checks the score-to-tier buckets and the
// whitelist override.
func TestCalculateTrustLevel(t *testing.T) {
	require.Equal(t, TrustLevelUntrusted, CalculateTrustLevel(10, false))
	require.Equal(t, TrustLevelLow, CalculateTrustLevel(30, false))
	require.Equal(t, TrustLevelMedium, CalculateTrustLevel(50, false))
	require.Equal(t, TrustLevelHigh, CalculateTrustLevel(90, false))
	require.Equal(t, TrustLevelWhitelisted, CalculateTrustLevel(0, true))
}

// TestFileStorageRoundTrip checks FileStorage save/load/delete against a
// temp directory.
func TestFileStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(FileStorageConfig{DataDir: dir, CacheSize: 1, FlushInterval: time.Hour, EnableCache: false}, log.NewNopLogger())
	require.NoError(t, err)
	defer fs.Close()

	rep := &PeerReputation{PeerID: "peer-x", Score: 42}
	require.NoError(t, fs.Save(rep))

	loaded, err := fs.Load("peer-x")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, 42.0, loaded.Score)

	require.NoError(t, fs.Delete("peer-x"))
	loaded, err = fs.Load("peer-x")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

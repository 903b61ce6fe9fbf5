package reputation

import (
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
)

// Manager tracks peer reputation and makes accept/ban/ranking decisions for
// the gossip transport and session layers.
type Manager struct {
	storage Storage
	scorer  *Scorer
	config  ManagerConfig
	logger  log.Logger

	peers   map[PeerID]*PeerReputation
	peersMu sync.RWMutex

	subnetStats map[string]*SubnetStats
	statsMu     sync.RWMutex

	whitelist map[PeerID]bool
	blacklist map[PeerID]bool
	listsMu   sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup

	metrics *Metrics

	// Optional IP-to-country resolver for NetworkInfo.Country, consulted
	// only when config.EnableGeoLookup is set.
	geo GeoLookup
}

// SubnetStats tracks how many peers a /24 or /48 subnet currently holds,
// enforced by ShouldAcceptPeer's subnet limit.
type SubnetStats struct {
	Subnet      string
	PeerCount   int
	BannedCount int
	AvgScore    float64
	LastUpdated time.Time
}

// SetGeoLookup attaches a country resolver used for newly seen peers.
// Peers already recorded before this call keep whatever NetworkInfo they
// have; this is meant to be called once at startup.
func (m *Manager) SetGeoLookup(g GeoLookup) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	m.geo = g
}

// ManagerConfig configures the reputation manager.
type ManagerConfig struct {
	ScoreWeights  ScoreWeights
	ScoringConfig ScoringConfig

	MaxPeersPerSubnet int

	EnableAutoBan   bool
	TempBanDuration time.Duration
	MaxTempBans     int // Convert to permanent after this many temp bans

	CleanupInterval    time.Duration
	CleanupAge         time.Duration
	ScoreDecayInterval time.Duration

	EnableGeoLookup bool
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ScoreWeights:  DefaultScoreWeights(),
		ScoringConfig: DefaultScoringConfig(),

		MaxPeersPerSubnet: 10,

		EnableAutoBan:   true,
		TempBanDuration: 24 * time.Hour,
		MaxTempBans:     3,

		CleanupInterval:    24 * time.Hour,
		CleanupAge:         30 * 24 * time.Hour,
		ScoreDecayInterval: 1 * time.Hour,

		EnableGeoLookup: false,
	}
}

// NewManager creates a new reputation manager.
func NewManager(storage Storage, config ManagerConfig, logger log.Logger) (*Manager, error) {
	m := &Manager{
		storage:     storage,
		scorer:      NewScorer(config.ScoreWeights, config.ScoringConfig),
		config:      config,
		logger:      logger,
		peers:       make(map[PeerID]*PeerReputation),
		subnetStats: make(map[string]*SubnetStats),
		whitelist:   make(map[PeerID]bool),
		blacklist:   make(map[PeerID]bool),
		stopChan:    make(chan struct{}),
	}
	m.metrics = NewMetrics("gossipd", m.peerCount)

	if err := m.loadState(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	m.startBackgroundTasks()

	logger.Info("reputation manager started", "peers", len(m.peers))
	return m, nil
}

func (m *Manager) peerCount() float64 {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	return float64(len(m.peers))
}

// RecordEvent records a peer event and updates its reputation.
func (m *Manager) RecordEvent(event PeerEvent) error {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	rep, exists := m.peers[event.PeerID]
	if !exists {
		rep = m.createNewPeer(event.PeerID, "")
	}

	m.scorer.ApplyEvent(rep, event)

	// A peer under an active ban is not banned again: every ban counts
	// toward MaxTempBans, so re-banning on each later event would escalate
	// a single failure streak to a permanent ban.
	alreadyBanned := rep.BanStatus.IsBanned &&
		(rep.BanStatus.BanType == BanTypePermanent || time.Now().Before(rep.BanStatus.BanExpires))
	if m.config.EnableAutoBan && !rep.BanStatus.IsWhitelisted && !alreadyBanned {
		shouldBan, banType, reason := m.scorer.ShouldBan(rep)
		if shouldBan {
			m.banPeer(rep, banType, reason)
		}
	}

	m.updateStats(rep)

	if err := m.storage.Save(rep); err != nil {
		m.logger.Error("failed to save peer reputation", "peer_id", event.PeerID, "error", err)
		return err
	}

	m.metrics.RecordEvent(event.EventType)
	return nil
}

// GetReputation returns reputation for a peer.
func (m *Manager) GetReputation(peerID PeerID) (*PeerReputation, error) {
	m.peersMu.RLock()
	rep, exists := m.peers[peerID]
	m.peersMu.RUnlock()

	if exists {
		repCopy := *rep
		return &repCopy, nil
	}

	rep, err := m.storage.Load(peerID)
	if err != nil {
		return nil, err
	}

	if rep != nil {
		m.peersMu.Lock()
		m.peers[peerID] = rep
		m.peersMu.Unlock()
	}

	return rep, nil
}

// ShouldAcceptPeer determines if a new peer connection should be accepted.
func (m *Manager) ShouldAcceptPeer(peerID PeerID, address string) (bool, string) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	m.listsMu.RLock()
	if m.blacklist[peerID] {
		m.listsMu.RUnlock()
		return false, "peer is blacklisted"
	}
	isWhitelisted := m.whitelist[peerID]
	m.listsMu.RUnlock()

	if isWhitelisted {
		return true, ""
	}

	rep, exists := m.peers[peerID]
	if exists {
		if rep.BanStatus.IsBanned {
			if rep.BanStatus.BanType == BanTypePermanent {
				return false, "peer is permanently banned"
			}
			if time.Now().Before(rep.BanStatus.BanExpires) {
				return false, fmt.Sprintf("peer is temporarily banned until %s", rep.BanStatus.BanExpires)
			}
			rep.BanStatus.IsBanned = false
		}

		if rep.Score < 30.0 {
			return false, "peer reputation too low"
		}
	}

	subnet := ParseSubnet(address)
	if subnet == "" {
		return false, "invalid peer address"
	}

	m.statsMu.RLock()
	if stats, ok := m.subnetStats[subnet]; ok {
		if stats.PeerCount >= m.config.MaxPeersPerSubnet {
			m.statsMu.RUnlock()
			return false, fmt.Sprintf("subnet %s has too many peers (%d)", subnet, stats.PeerCount)
		}
	}
	m.statsMu.RUnlock()

	return true, ""
}

// GetTopPeers returns the N highest-reputation peers with at least minScore.
func (m *Manager) GetTopPeers(n int, minScore float64) []*PeerReputation {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	candidates := make([]*PeerReputation, 0, len(m.peers))
	for _, rep := range m.peers {
		if rep.Score >= minScore && !rep.BanStatus.IsBanned {
			repCopy := *rep
			candidates = append(candidates, &repCopy)
		}
	}

	for i := 0; i < len(candidates)-1; i++ {
		for j := 0; j < len(candidates)-i-1; j++ {
			if candidates[j].Score < candidates[j+1].Score {
				candidates[j], candidates[j+1] = candidates[j+1], candidates[j]
			}
		}
	}

	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// GetDiversePeers returns up to n peers, round-robining across countries so
// a single country's peers can't crowd out propagation diversity.
func (m *Manager) GetDiversePeers(n int, minScore float64) []*PeerReputation {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	byCountry := make(map[string][]*PeerReputation)
	for _, rep := range m.peers {
		if rep.Score >= minScore && !rep.BanStatus.IsBanned {
			country := rep.NetworkInfo.Country
			if country == "" {
				country = "unknown"
			}
			byCountry[country] = append(byCountry[country], rep)
		}
	}

	result := make([]*PeerReputation, 0, n)
	countries := make([]string, 0, len(byCountry))
	for country := range byCountry {
		countries = append(countries, country)
	}

	idx := 0
	for len(result) < n && len(byCountry) > 0 {
		country := countries[idx%len(countries)]
		peers := byCountry[country]

		if len(peers) > 0 {
			best := peers[0]
			for _, p := range peers {
				if p.Score > best.Score {
					best = p
				}
			}

			repCopy := *best
			result = append(result, &repCopy)

			newPeers := make([]*PeerReputation, 0, len(peers)-1)
			for _, p := range peers {
				if p.PeerID != best.PeerID {
					newPeers = append(newPeers, p)
				}
			}

			if len(newPeers) > 0 {
				byCountry[country] = newPeers
			} else {
				delete(byCountry, country)
				newCountries := make([]string, 0, len(countries)-1)
				for _, c := range countries {
					if c != country {
						newCountries = append(newCountries, c)
					}
				}
				countries = newCountries
			}
		}

		idx++
	}

	return result
}

// BanPeer manually bans a peer. duration == 0 bans permanently.
func (m *Manager) BanPeer(peerID PeerID, duration time.Duration, reason string) error {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	rep, exists := m.peers[peerID]
	if !exists {
		rep = m.createNewPeer(peerID, "")
	}

	banType := BanTypeTemporary
	if duration == 0 {
		banType = BanTypePermanent
	}

	m.banPeer(rep, banType, reason)

	if banType == BanTypeTemporary {
		rep.BanStatus.BanExpires = time.Now().Add(duration)
	}

	return m.storage.Save(rep)
}

// UnbanPeer manually unbans a peer.
func (m *Manager) UnbanPeer(peerID PeerID) error {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	rep, exists := m.peers[peerID]
	if !exists {
		return fmt.Errorf("peer not found")
	}

	rep.BanStatus.IsBanned = false
	rep.BanStatus.BanType = BanTypeNone
	rep.BanStatus.BanExpires = time.Time{}

	return m.storage.Save(rep)
}

// AddToWhitelist adds a peer to the whitelist.
func (m *Manager) AddToWhitelist(peerID PeerID) {
	m.listsMu.Lock()
	defer m.listsMu.Unlock()

	m.whitelist[peerID] = true

	m.peersMu.Lock()
	if rep, exists := m.peers[peerID]; exists {
		rep.BanStatus.IsWhitelisted = true
		rep.TrustLevel = TrustLevelWhitelisted
	}
	m.peersMu.Unlock()
}

// RemoveFromWhitelist removes a peer from the whitelist.
func (m *Manager) RemoveFromWhitelist(peerID PeerID) {
	m.listsMu.Lock()
	defer m.listsMu.Unlock()

	delete(m.whitelist, peerID)

	m.peersMu.Lock()
	if rep, exists := m.peers[peerID]; exists {
		rep.BanStatus.IsWhitelisted = false
		rep.TrustLevel = CalculateTrustLevel(rep.Score, false)
	}
	m.peersMu.Unlock()
}

// GetStatistics returns current aggregate statistics.
func (m *Manager) GetStatistics() Statistics {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	stats := Statistics{
		TotalPeers:        len(m.peers),
		WhitelistedPeers:  len(m.whitelist),
		ScoreDistribution: make(map[string]int),
		TrustDistribution: make(map[string]int),
	}

	totalScore := 0.0
	for _, rep := range m.peers {
		totalScore += rep.Score

		if rep.BanStatus.IsBanned {
			stats.BannedPeers++
		}

		switch {
		case rep.Score < 20:
			stats.ScoreDistribution["0-20"]++
		case rep.Score < 40:
			stats.ScoreDistribution["20-40"]++
		case rep.Score < 60:
			stats.ScoreDistribution["40-60"]++
		case rep.Score < 80:
			stats.ScoreDistribution["60-80"]++
		default:
			stats.ScoreDistribution["80-100"]++
		}

		stats.TrustDistribution[rep.TrustLevel.String()]++
	}

	if len(m.peers) > 0 {
		stats.AvgScore = totalScore / float64(len(m.peers))
	}

	return stats
}

// Close shuts down the manager's background tasks and storage.
func (m *Manager) Close() error {
	m.logger.Info("shutting down reputation manager")

	close(m.stopChan)
	m.wg.Wait()

	if err := m.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	return nil
}

// Internal methods

func (m *Manager) createNewPeer(peerID PeerID, address string) *PeerReputation {
	now := time.Now()

	rep := &PeerReputation{
		PeerID:     peerID,
		Address:    address,
		Score:      m.config.ScoringConfig.NewPeerStartScore,
		FirstSeen:  now,
		LastSeen:   now,
		TrustLevel: TrustLevelUnknown,
		Metrics:    PeerMetrics{},
		BanStatus:  BanInfo{},
		NetworkInfo: NetworkInfo{
			IPAddress: address,
			Subnet:    ParseSubnet(address),
		},
	}

	if m.config.EnableGeoLookup && m.geo != nil && address != "" {
		if country, err := m.geo.Country(address); err == nil {
			rep.NetworkInfo.Country = country
		} else {
			m.logger.Debug("geoip lookup failed", "peer_id", peerID, "err", err)
		}
	}

	m.peers[peerID] = rep
	return rep
}

func (m *Manager) banPeer(rep *PeerReputation, banType BanType, reason string) {
	now := time.Now()

	rep.BanStatus.IsBanned = true
	rep.BanStatus.BanType = banType
	rep.BanStatus.BannedAt = now
	rep.BanStatus.BanReason = reason
	rep.BanStatus.BanCount++

	if banType == BanTypeTemporary {
		duration := m.scorer.GetBanDuration(rep)
		rep.BanStatus.BanExpires = now.Add(duration)

		if rep.BanStatus.BanCount >= m.config.MaxTempBans {
			rep.BanStatus.BanType = BanTypePermanent
			rep.BanStatus.BanExpires = time.Time{}
		}
	}

	m.logger.Info("peer banned",
		"peer_id", rep.PeerID,
		"ban_type", banType.String(),
		"reason", reason,
		"expires", rep.BanStatus.BanExpires,
	)

	m.metrics.RecordBan(banType)
}

// updateStats recalculates subnet-level aggregates for rep's subnet. Caller
// must hold m.peersMu (at least for read); updateStats takes statsMu itself.
func (m *Manager) updateStats(rep *PeerReputation) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	subnet := rep.NetworkInfo.Subnet
	if subnet == "" {
		return
	}

	stats, exists := m.subnetStats[subnet]
	if !exists {
		stats = &SubnetStats{Subnet: subnet}
		m.subnetStats[subnet] = stats
	}

	stats.PeerCount = 0
	stats.BannedCount = 0
	totalScore := 0.0

	for _, p := range m.peers {
		if p.NetworkInfo.Subnet == subnet {
			stats.PeerCount++
			totalScore += p.Score
			if p.BanStatus.IsBanned {
				stats.BannedCount++
			}
		}
	}

	if stats.PeerCount > 0 {
		stats.AvgScore = totalScore / float64(stats.PeerCount)
	}
	stats.LastUpdated = time.Now()
}

func (m *Manager) loadState() error {
	peers, err := m.storage.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load peers: %w", err)
	}

	m.peersMu.Lock()
	m.peers = peers
	m.peersMu.Unlock()

	m.peersMu.RLock()
	for _, rep := range m.peers {
		m.updateStats(rep)

		if rep.BanStatus.IsWhitelisted {
			m.listsMu.Lock()
			m.whitelist[rep.PeerID] = true
			m.listsMu.Unlock()
		}
	}
	m.peersMu.RUnlock()

	return nil
}

func (m *Manager) startBackgroundTasks() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				olderThan := time.Now().Add(-m.config.CleanupAge)
				if err := m.storage.Cleanup(olderThan); err != nil {
					m.logger.Error("cleanup failed", "error", err)
				}
			case <-m.stopChan:
				return
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.ScoreDecayInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.applyScoreDecay()
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Manager) applyScoreDecay() {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	for _, rep := range m.peers {
		newScore := m.scorer.CalculateScore(rep)
		if newScore != rep.Score {
			rep.Score = newScore
			rep.TrustLevel = CalculateTrustLevel(newScore, rep.BanStatus.IsWhitelisted)
		}
	}
}

// Statistics holds reputation manager aggregate statistics.
type Statistics struct {
	TotalPeers        int
	BannedPeers       int
	WhitelistedPeers  int
	AvgScore          float64
	ScoreDistribution map[string]int
	TrustDistribution map[string]int
}

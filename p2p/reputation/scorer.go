package reputation

import (
	"math"
	"time"
)

// ScoringConfig tunes CalculateScore's thresholds and penalties.
type ScoringConfig struct {
	// ScoreDecayPeriod/ScoreDecayFactor age out peers that have gone quiet:
	// once a peer has been silent for ScoreDecayPeriod, the score is
	// multiplied by ScoreDecayFactor raised to the number of periods of
	// silence (fractions included, so at least one), floored at 10%.
	ScoreDecayPeriod time.Duration
	ScoreDecayFactor float64

	// MinUptimeForGoodScore is the uptime a peer needs before connection
	// stability is scored favorably rather than neutrally.
	MinUptimeForGoodScore time.Duration

	// ConsecutiveFailureBanThreshold is how many gossip sends in a row may
	// fail before ShouldBan recommends a temporary ban.
	ConsecutiveFailureBanThreshold int64
	// SendFailurePenalty is the score deduction per consecutive send
	// failure, before weighting.
	SendFailurePenalty float64

	MaxScore          float64
	MinScore          float64
	NewPeerStartScore float64
}

// DefaultScoringConfig returns the default scoring configuration.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ScoreDecayPeriod: 24 * time.Hour,
		ScoreDecayFactor: 0.95,

		MinUptimeForGoodScore: 1 * time.Hour,

		ConsecutiveFailureBanThreshold: 5,
		SendFailurePenalty:             8.0,

		MaxScore:          100.0,
		MinScore:          0.0,
		NewPeerStartScore: 50.0,
	}
}

// Scorer reduces a PeerReputation's accumulated metrics to a single score
// used for ranking and ban decisions.
type Scorer struct {
	weights ScoreWeights
	config  ScoringConfig
}

// NewScorer constructs a Scorer.
func NewScorer(weights ScoreWeights, config ScoringConfig) *Scorer {
	return &Scorer{weights: weights, config: config}
}

// CalculateScore computes the composite reputation score for a peer from two
// signals — connection stability and gossip-send success — minus a penalty
// for consecutive send failures, then applies age decay for peers that have
// gone quiet.
func (s *Scorer) CalculateScore(rep *PeerReputation) float64 {
	score := s.calculateConnectionScore(rep)*s.weights.ConnectionWeight +
		s.calculatePropagationScore(rep)*s.weights.PropagationWeight

	score -= s.calculateViolationPenalty(rep)
	score *= s.calculateAgeDecay(rep)

	return math.Max(s.config.MinScore, math.Min(s.config.MaxScore, score))
}

// calculateConnectionScore scores how stable a peer's sessions have been:
// fraction of elapsed time spent connected, penalized by how often it
// disconnects relative to how often it connects.
func (s *Scorer) calculateConnectionScore(rep *PeerReputation) float64 {
	if rep.Metrics.ConnectionCount == 0 {
		return s.config.NewPeerStartScore
	}

	elapsed := time.Since(rep.FirstSeen)
	if elapsed <= 0 {
		return s.config.NewPeerStartScore
	}
	uptimeRatio := math.Min(1.0, float64(rep.Metrics.TotalUptime)/float64(elapsed))

	stability := 1.0
	if rep.Metrics.DisconnectionCount > 0 {
		disconnectRatio := float64(rep.Metrics.DisconnectionCount) / float64(rep.Metrics.ConnectionCount)
		stability = math.Max(0.0, 1.0-disconnectRatio*0.5)
	}

	score := (uptimeRatio*0.6 + stability*0.4) * 100
	if rep.Metrics.TotalUptime >= s.config.MinUptimeForGoodScore {
		score *= 1.1
	}
	return math.Min(100.0, score)
}

// calculatePropagationScore scores the fraction of gossip sends to this
// peer that succeeded, non-linearly so a handful of failures out of many
// sends barely moves the score but a peer that mostly fails to receive
// gossip scores poorly.
func (s *Scorer) calculatePropagationScore(rep *PeerReputation) float64 {
	total := rep.Metrics.ItemsSent + rep.Metrics.SendFailures
	if total == 0 {
		return s.config.NewPeerStartScore
	}

	ratio := float64(rep.Metrics.ItemsSent) / float64(total)
	switch {
	case ratio >= 0.95:
		return 80.0 + (ratio-0.95)/0.05*20.0
	case ratio >= 0.75:
		return 40.0 + (ratio-0.75)/0.20*40.0
	default:
		return ratio * 50.0
	}
}

// calculateViolationPenalty penalizes an unweighted send-failure streak;
// a streak resets to zero the moment a send to that peer succeeds
// (Scorer.ApplyEvent), so only a peer currently unreachable accrues it.
func (s *Scorer) calculateViolationPenalty(rep *PeerReputation) float64 {
	penalty := float64(rep.Metrics.ConsecutiveSendFailures) * s.config.SendFailurePenalty
	return penalty * s.weights.ViolationPenalty
}

// calculateAgeDecay discounts the score of a peer not seen in a while, down
// to a floor of 10% of the computed score so a long-silent peer still ranks
// below an active one rather than vanishing outright.
func (s *Scorer) calculateAgeDecay(rep *PeerReputation) float64 {
	quiet := time.Since(rep.LastSeen)
	if quiet < s.config.ScoreDecayPeriod {
		return 1.0
	}
	periods := float64(quiet) / float64(s.config.ScoreDecayPeriod)
	return math.Max(0.1, math.Pow(s.config.ScoreDecayFactor, periods))
}

// ApplyEvent folds event into rep's metrics and recomputes its score.
func (s *Scorer) ApplyEvent(rep *PeerReputation, event PeerEvent) {
	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	switch event.EventType {
	case EventTypeConnected:
		rep.Metrics.ConnectionCount++
		rep.Metrics.LastUptimeUpdate = now
		if rep.FirstSeen.IsZero() {
			rep.FirstSeen = now
		}

	case EventTypeDisconnected:
		rep.Metrics.DisconnectionCount++
		if !rep.Metrics.LastUptimeUpdate.IsZero() {
			rep.Metrics.TotalUptime += now.Sub(rep.Metrics.LastUptimeUpdate)
		}

	case EventTypeItemPropagated:
		rep.Metrics.ItemsSent++
		rep.Metrics.ConsecutiveSendFailures = 0

	case EventTypeSendFailed:
		rep.Metrics.SendFailures++
		rep.Metrics.ConsecutiveSendFailures++
	}
	rep.LastSeen = now

	rep.Score = s.CalculateScore(rep)
	rep.TrustLevel = CalculateTrustLevel(rep.Score, rep.BanStatus.IsWhitelisted)
}

// ShouldBan reports whether rep's current state warrants a ban. Unlike the
// multi-category violation model this replaces, there is exactly one
// misbehavior signal in this domain — failing to receive gossip sends — so
// a repeated-failure streak is temporary (the peer may come back online)
// while a persistently low score is also temporary: nothing here is
// evidence of deliberate malice, only unreachability, so ShouldBan never
// returns BanTypePermanent. The manager turns a temporary ban permanent once
// the peer's ban count reaches ManagerConfig.MaxTempBans.
func (s *Scorer) ShouldBan(rep *PeerReputation) (shouldBan bool, banType BanType, reason string) {
	if rep.Metrics.ConsecutiveSendFailures >= s.config.ConsecutiveFailureBanThreshold {
		return true, BanTypeTemporary, "peer unreachable across repeated gossip sends"
	}
	if rep.Score < 20.0 {
		return true, BanTypeTemporary, "reputation score below threshold"
	}
	return false, BanTypeNone, ""
}

// GetBanDuration returns the temporary ban duration for rep, doubling per
// prior ban and capping at 7 days.
func (s *Scorer) GetBanDuration(rep *PeerReputation) time.Duration {
	const base = 1 * time.Hour
	const max = 7 * 24 * time.Hour

	duration := time.Duration(float64(base) * math.Pow(2, float64(rep.BanStatus.BanCount)))
	if duration > max {
		duration = max
	}
	return duration
}

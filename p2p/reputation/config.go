package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level, JSON-serializable reputation configuration
// loaded/saved alongside the node's other config files.
type Config struct {
	Enabled bool `json:"enabled"`

	Storage StorageConfig     `json:"storage"`
	Scoring ScoringConfigJSON `json:"scoring"`
	Manager ManagerConfigJSON `json:"manager"`

	// Whitelist of peer IDs never banned.
	Whitelist []string `json:"whitelist"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Type          string        `json:"type"` // "file" or "memory"
	DataDir       string        `json:"data_dir"`
	CacheSize     int           `json:"cache_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	EnableCache   bool          `json:"enable_cache"`
}

// ScoringConfigJSON is the JSON-serializable mirror of ScoreWeights and
// ScoringConfig, split the way the teacher split weights from thresholds.
type ScoringConfigJSON struct {
	ConnectionWeight  float64 `json:"connection_weight"`
	PropagationWeight float64 `json:"propagation_weight"`
	ViolationPenalty  float64 `json:"violation_penalty"`

	ScoreDecayPeriod      time.Duration `json:"score_decay_period"`
	ScoreDecayFactor      float64       `json:"score_decay_factor"`
	MinUptimeForGoodScore time.Duration `json:"min_uptime_for_good_score"`

	ConsecutiveFailureBanThreshold int64   `json:"consecutive_failure_ban_threshold"`
	SendFailurePenalty             float64 `json:"send_failure_penalty"`

	MaxScore          float64 `json:"max_score"`
	MinScore          float64 `json:"min_score"`
	NewPeerStartScore float64 `json:"new_peer_start_score"`
}

// ManagerConfigJSON is the JSON-serializable mirror of ManagerConfig.
type ManagerConfigJSON struct {
	MaxPeersPerSubnet int `json:"max_peers_per_subnet"`

	EnableAutoBan   bool          `json:"enable_auto_ban"`
	TempBanDuration time.Duration `json:"temp_ban_duration"`
	MaxTempBans     int           `json:"max_temp_bans"`

	CleanupInterval    time.Duration `json:"cleanup_interval"`
	CleanupAge         time.Duration `json:"cleanup_age"`
	ScoreDecayInterval time.Duration `json:"score_decay_interval"`

	EnableGeoLookup bool `json:"enable_geo_lookup"`
}

// DefaultConfig returns the default configuration, rooting file storage
// under homeDir.
func DefaultConfig(homeDir string) Config {
	return Config{
		Enabled: true,

		Storage: StorageConfig{
			Type:          "file",
			DataDir:       filepath.Join(homeDir, "data", "p2p", "reputation"),
			CacheSize:     1000,
			FlushInterval: 30 * time.Second,
			EnableCache:   true,
		},

		Scoring: ScoringConfigJSON{
			ConnectionWeight:  0.45,
			PropagationWeight: 0.45,
			ViolationPenalty:  0.10,

			ScoreDecayPeriod:      24 * time.Hour,
			ScoreDecayFactor:      0.95,
			MinUptimeForGoodScore: 1 * time.Hour,

			ConsecutiveFailureBanThreshold: 5,
			SendFailurePenalty:             8.0,

			MaxScore:          100.0,
			MinScore:          0.0,
			NewPeerStartScore: 50.0,
		},

		Manager: ManagerConfigJSON{
			MaxPeersPerSubnet: 10,

			EnableAutoBan:   true,
			TempBanDuration: 24 * time.Hour,
			MaxTempBans:     3,

			CleanupInterval:    24 * time.Hour,
			CleanupAge:         30 * 24 * time.Hour,
			ScoreDecayInterval: 1 * time.Hour,

			EnableGeoLookup: false,
		},

		Whitelist: []string{},
	}
}

// LoadConfig loads configuration from filePath.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) // #nosec G304 - configuration path supplied by operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// SaveConfig writes config to filePath, creating its directory if needed.
func SaveConfig(config *Config, filePath string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ToScoringConfig converts the JSON thresholds to ScoringConfig.
func (c *ScoringConfigJSON) ToScoringConfig() ScoringConfig {
	return ScoringConfig{
		ScoreDecayPeriod:               c.ScoreDecayPeriod,
		ScoreDecayFactor:               c.ScoreDecayFactor,
		MinUptimeForGoodScore:          c.MinUptimeForGoodScore,
		ConsecutiveFailureBanThreshold: c.ConsecutiveFailureBanThreshold,
		SendFailurePenalty:             c.SendFailurePenalty,
		MaxScore:                       c.MaxScore,
		MinScore:                       c.MinScore,
		NewPeerStartScore:              c.NewPeerStartScore,
	}
}

// ToScoreWeights converts the JSON weights to ScoreWeights.
func (c *ScoringConfigJSON) ToScoreWeights() ScoreWeights {
	return ScoreWeights{
		ConnectionWeight:  c.ConnectionWeight,
		PropagationWeight: c.PropagationWeight,
		ViolationPenalty:  c.ViolationPenalty,
	}
}

// ToManagerConfig converts the JSON manager config to ManagerConfig, folding
// in the already-converted scoring config and weights.
func (c *ManagerConfigJSON) ToManagerConfig(scoringConfig ScoringConfig, scoreWeights ScoreWeights) ManagerConfig {
	return ManagerConfig{
		ScoreWeights:       scoreWeights,
		ScoringConfig:      scoringConfig,
		MaxPeersPerSubnet:  c.MaxPeersPerSubnet,
		EnableAutoBan:      c.EnableAutoBan,
		TempBanDuration:    c.TempBanDuration,
		MaxTempBans:        c.MaxTempBans,
		CleanupInterval:    c.CleanupInterval,
		CleanupAge:         c.CleanupAge,
		ScoreDecayInterval: c.ScoreDecayInterval,
		EnableGeoLookup:    c.EnableGeoLookup,
	}
}

// Validate sanity-checks config.
func (c *Config) Validate() error {
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("cache size must be >= 0")
	}
	if c.Scoring.MaxScore <= c.Scoring.MinScore {
		return fmt.Errorf("max score must be greater than min score")
	}
	if c.Scoring.NewPeerStartScore < c.Scoring.MinScore || c.Scoring.NewPeerStartScore > c.Scoring.MaxScore {
		return fmt.Errorf("new peer start score must be between min and max score")
	}
	if c.Scoring.ScoreDecayFactor < 0 || c.Scoring.ScoreDecayFactor > 1 {
		return fmt.Errorf("score decay factor must be between 0 and 1")
	}
	if c.Manager.MaxPeersPerSubnet < 1 {
		return fmt.Errorf("max peers per subnet must be >= 1")
	}
	return nil
}

package main

import (
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the node's runtime configuration, populated from flags/env/file
// by viper per the key layout below. Every field has a DefaultConfig
// fallback so a bare `gossipd start` with no config file still runs.
type Config struct {
	HomeDir string

	NodeID     string
	ListenAddr string
	SeedPeers  []string
	DiagPort   int

	InfectionTarget        int
	SaturationLimitPercent int

	MinReputation        float64
	DiversePeerSelection bool

	EnableGeoLookup bool
	GeoDBPath       string

	TelemetryEnabled    bool
	JaegerEndpoint      string
	TelemetrySampleRate float64
	Environment         string

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns the configuration gossipd falls back to for any key
// absent from flags/env/file.
func DefaultConfig(homeDir string) Config {
	return Config{
		HomeDir:    homeDir,
		NodeID:     uuid.NewString(),
		ListenAddr: ":26700",
		DiagPort:   26800,

		InfectionTarget:        3,
		SaturationLimitPercent: 80,

		MinReputation:        0,
		DiversePeerSelection: true,

		EnableGeoLookup: false,

		TelemetryEnabled:    false,
		TelemetrySampleRate: 0.1,
		Environment:         "development",

		LogLevel:  "info",
		LogFormat: "plain",
	}
}

// bindConfigDefaults registers every recognized key with viper so env vars
// (GOSSIPD_*) and an optional config file can override them; unset keys
// fall back to the literal in d.
func bindConfigDefaults(v *viper.Viper, d Config) {
	v.SetDefault("node.id", d.NodeID)
	v.SetDefault("node.listen_addr", d.ListenAddr)
	v.SetDefault("node.seed_peers", d.SeedPeers)
	v.SetDefault("node.diag_port", d.DiagPort)

	v.SetDefault("gossip.infection_target", d.InfectionTarget)
	v.SetDefault("gossip.saturation_limit_percent", d.SaturationLimitPercent)

	v.SetDefault("transport.min_reputation", d.MinReputation)
	v.SetDefault("transport.diverse", d.DiversePeerSelection)

	v.SetDefault("reputation.enable_geo_lookup", d.EnableGeoLookup)
	v.SetDefault("reputation.geo_db_path", d.GeoDBPath)

	v.SetDefault("telemetry.enabled", d.TelemetryEnabled)
	v.SetDefault("telemetry.jaeger_endpoint", d.JaegerEndpoint)
	v.SetDefault("telemetry.sample_rate", d.TelemetrySampleRate)
	v.SetDefault("telemetry.environment", d.Environment)

	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)
}

func configFromViper(v *viper.Viper, homeDir string) Config {
	return Config{
		HomeDir:    homeDir,
		NodeID:     v.GetString("node.id"),
		ListenAddr: v.GetString("node.listen_addr"),
		SeedPeers:  v.GetStringSlice("node.seed_peers"),
		DiagPort:   v.GetInt("node.diag_port"),

		InfectionTarget:        v.GetInt("gossip.infection_target"),
		SaturationLimitPercent: v.GetInt("gossip.saturation_limit_percent"),

		MinReputation:        v.GetFloat64("transport.min_reputation"),
		DiversePeerSelection: v.GetBool("transport.diverse"),

		EnableGeoLookup: v.GetBool("reputation.enable_geo_lookup"),
		GeoDBPath:       v.GetString("reputation.geo_db_path"),

		TelemetryEnabled:    v.GetBool("telemetry.enabled"),
		JaegerEndpoint:      v.GetString("telemetry.jaeger_endpoint"),
		TelemetrySampleRate: v.GetFloat64("telemetry.sample_rate"),
		Environment:         v.GetString("telemetry.environment"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
}

package gossip

import "time"

// Config configures the epidemic gossip engine. Zero-value fields are
// replaced with their DefaultConfig counterpart by NewEngine.
type Config struct {
	// InfectionTarget is how many confirmed-infected peers stop forwarding
	// for an item. Typical: 3.
	InfectionTarget int

	// SaturationLimitPercent is accepted and defaulted, but neither the
	// Table nor the Engine reads it: an item is saturated only once
	// InfectionTarget peers are confirmed infected, whatever share of known
	// peers has been contacted.
	SaturationLimitPercent int

	// GossipRequestTimeout bounds how long a peer has to answer a Gossip
	// announcement before we treat it as unresponsive.
	GossipRequestTimeout time.Duration

	// GetRemainderTimeout bounds how long a holder has to deliver the full
	// item after a GetRequest before we fail over to the next holder.
	GetRemainderTimeout time.Duration

	// FinishedEntryDuration is how long a saturated entry lingers so that
	// late Gossip arrivals are answered without restarting forwarding.
	FinishedEntryDuration time.Duration

	// MaxItems bounds the number of tracked entries. Oldest-by-first-seen
	// entries are evicted first once the bound is reached.
	MaxItems int
}

// DefaultConfig returns the configuration the engine falls back to for any
// unset field.
func DefaultConfig() Config {
	return Config{
		InfectionTarget:        3,
		SaturationLimitPercent: 80,
		GossipRequestTimeout:   5 * time.Second,
		GetRemainderTimeout:    10 * time.Second,
		FinishedEntryDuration:  2 * time.Minute,
		MaxItems:               10_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InfectionTarget <= 0 {
		c.InfectionTarget = d.InfectionTarget
	}
	if c.SaturationLimitPercent <= 0 {
		c.SaturationLimitPercent = d.SaturationLimitPercent
	}
	if c.GossipRequestTimeout <= 0 {
		c.GossipRequestTimeout = d.GossipRequestTimeout
	}
	if c.GetRemainderTimeout <= 0 {
		c.GetRemainderTimeout = d.GetRemainderTimeout
	}
	if c.FinishedEntryDuration <= 0 {
		c.FinishedEntryDuration = d.FinishedEntryDuration
	}
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	return c
}

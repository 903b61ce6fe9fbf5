package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"cosmossdk.io/log"

	"github.com/paw-chain/gossipd/p2p/gossip"
	"github.com/paw-chain/gossipd/p2p/holder"
	"github.com/paw-chain/gossipd/p2p/reputation"
	"github.com/paw-chain/gossipd/p2p/session"
	"github.com/paw-chain/gossipd/p2p/telemetry"
	"github.com/paw-chain/gossipd/p2p/transport"
)

// itemIdentifier derives a content-addressed Id for raw []byte items: the
// hex SHA-256 digest, so two nodes that receive the same bytes agree on the
// id without a side channel.
type itemIdentifier struct{}

func (itemIdentifier) ID(item []byte) string {
	sum := sha256.Sum256(item)
	return hex.EncodeToString(sum[:])
}

// node bundles the wired-together gossip engine and its collaborators for
// one running process: the storage, transport, and session layers the
// engine is generic over, instantiated concretely for Id=string (content
// hash), PeerId=reputation.PeerID, Item=[]byte.
type node struct {
	cfg Config

	rep      *reputation.Manager
	sessions *session.Manager
	trans    *transport.Manager[string, []byte]
	hold     *holder.Manager[string, reputation.PeerID, []byte]
	engine   *gossip.Engine[string, reputation.PeerID, []byte]
	tracer   *telemetry.Provider
	diag     *diagServer

	logger log.Logger
}

func newNode(cfg Config, logger log.Logger) (*node, error) {
	repCfg := reputation.DefaultConfig(cfg.HomeDir)
	repCfg.Manager.EnableGeoLookup = cfg.EnableGeoLookup

	storage, err := reputation.NewFileStorage(reputation.DefaultFileStorageConfig(cfg.HomeDir), logger)
	if err != nil {
		return nil, fmt.Errorf("gossipd: reputation storage: %w", err)
	}
	scoringCfg := repCfg.Scoring.ToScoringConfig()
	weights := repCfg.Scoring.ToScoreWeights()
	managerCfg := repCfg.Manager.ToManagerConfig(scoringCfg, weights)
	rep, err := reputation.NewManager(storage, managerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("gossipd: reputation manager: %w", err)
	}

	if cfg.EnableGeoLookup && cfg.GeoDBPath != "" {
		geo, err := reputation.NewMaxMindGeoLookup(cfg.GeoDBPath)
		if err != nil {
			return nil, fmt.Errorf("gossipd: geoip: %w", err)
		}
		rep.SetGeoLookup(geo)
	}

	sessions := session.NewManager(cfg.NodeID, cfg.ListenAddr, []string{"gossip/1"}, rep, logger)
	sender := session.NewSender(sessions)

	transCfg := transport.DefaultConfig()
	transCfg.MinReputation = cfg.MinReputation
	transCfg.Diverse = cfg.DiversePeerSelection
	trans := transport.NewManager[string, []byte](transCfg, rep, sender, gossip.BytesCodec{}, logger)

	hold, err := holder.NewManager[string, reputation.PeerID, []byte](
		holder.DefaultConfig(cfg.HomeDir), gossip.BytesCodec{}, itemIdentifier{}, logger)
	if err != nil {
		return nil, fmt.Errorf("gossipd: holder: %w", err)
	}

	var tracer *telemetry.Provider
	tracer, err = telemetry.NewProvider(telemetry.Config{
		Enabled:           cfg.TelemetryEnabled,
		JaegerEndpoint:    cfg.JaegerEndpoint,
		SampleRate:        cfg.TelemetrySampleRate,
		Environment:       cfg.Environment,
		PrometheusEnabled: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gossipd: telemetry: %w", err)
	}

	engine := gossip.NewEngine[string, reputation.PeerID, []byte](
		gossip.Config{
			InfectionTarget:        cfg.InfectionTarget,
			SaturationLimitPercent: cfg.SaturationLimitPercent,
		},
		hold, trans, itemIdentifier{}, nil, nil, logger, nil,
	)
	engine.SetTracer(tracer)

	diag := newDiagServer(diagAddr(cfg.DiagPort), rep, logger)

	return &node{
		cfg:      cfg,
		rep:      rep,
		sessions: sessions,
		trans:    trans,
		hold:     hold,
		engine:   engine,
		tracer:   tracer,
		diag:     diag,
		logger:   logger,
	}, nil
}

// Run starts the engine, diagnostics server, and inbound listener, and
// blocks until ctx is cancelled.
func (n *node) Run(ctx context.Context) error {
	go n.engine.Run(ctx)
	n.diag.Start()

	listener := session.NewListener(n.sessions, n.logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- listener.Serve(ctx, n.cfg.ListenAddr, n.handleConn)
	}()

	for _, seed := range n.cfg.SeedPeers {
		go n.dialSeed(ctx, seed)
	}

	select {
	case <-ctx.Done():
		n.engine.Stop()
		return n.diag.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func (n *node) dialSeed(ctx context.Context, addr string) {
	c, err := n.sessions.Dial(addr)
	if err != nil {
		n.logger.Error("seed dial failed", "addr", addr, "err", err)
		return
	}
	if err := n.sessions.RequestPeers(c); err != nil {
		n.logger.Debug("peer request to seed failed", "addr", addr, "err", err)
	}
	n.handleConn(c.PeerID, c.NetConn())
}

// handleConn reads framed gossip envelopes off conn until it closes or ctx
// ends, feeding each to the engine. Used for both the inbound (accept) and
// outbound (seed-dial) sides of a bootstrapped session.
func (n *node) handleConn(peerID string, conn net.Conn) {
	if conn == nil {
		return
	}
	defer conn.Close()
	for {
		env, err := gossip.ReadEnvelope[string, []byte](conn, gossip.BytesCodec{})
		if err != nil {
			n.logger.Debug("connection closed", "peer", peerID, "err", err)
			return
		}
		n.engine.MessageReceived(reputation.PeerID(peerID), env)
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"cosmossdk.io/log"

	"github.com/paw-chain/gossipd/p2p/reputation"
)

// diagServer is the node's diagnostics HTTP surface: Prometheus scrape
// endpoint, a liveness probe, and a read-only peer reputation listing.
// Adapted from this tree's indexer API server (gin + the Prometheus default
// registry), trimmed to what a gossip-only node needs.
type diagServer struct {
	srv *http.Server
	log log.Logger
}

func newDiagServer(addr string, rep *reputation.Manager, logger log.Logger) *diagServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/peers", func(c *gin.Context) {
		top := rep.GetTopPeers(100, 0)
		out := make([]gin.H, 0, len(top))
		for _, p := range top {
			out = append(out, gin.H{
				"peer_id": p.PeerID,
				"score":   p.Score,
				"country": p.NetworkInfo.Country,
			})
		}
		c.JSON(http.StatusOK, gin.H{"peers": out})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	return &diagServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger,
	}
}

func (d *diagServer) Start() {
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("diagnostics server exited", "err", err)
		}
	}()
}

func (d *diagServer) Shutdown(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}

func diagAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

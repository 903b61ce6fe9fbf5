package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the gossip node",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, homeDir, err := loadViper(cmd)
			if err != nil {
				return err
			}
			if seeds, _ := cmd.Flags().GetStringSlice("seeds"); len(seeds) > 0 {
				v.Set("node.seed_peers", seeds)
			}
			cfg := configFromViper(v, homeDir)
			logger := newLogger(cfg)

			n, err := newNode(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("starting gossip node", "id", cfg.NodeID, "listen_addr", cfg.ListenAddr, "diag_addr", diagAddr(cfg.DiagPort))
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringSlice("seeds", nil, "comma-separated list of seed peer addresses")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, homeDir, err := loadViper(cmd)
			if err != nil {
				return err
			}
			cfg := configFromViper(v, homeDir)
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/burggraf/mw/config"
	"github.com/burggraf/mw/logging"
	"github.com/burggraf/mw/mesh"
	"github.com/burggraf/mw/peer"
)

var (
	configPath string
	roleFlag   string
	nameFlag   string
)

func main() {
	root := &cobra.Command{
		Use:   "mw",
		Short: "LAN session mesh for lyrics and slide control",
		Long: "mw discovers peers on the local network, elects a leader to host\n" +
			"the signaling hub, and keeps controllers directly connected to\n" +
			"every display.",
		RunE: run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (TOML)")
	root.Flags().StringVarP(&roleFlag, "role", "r", "", "peer role: controller or display (env MW_ROLE)")
	root.Flags().StringVarP(&nameFlag, "name", "n", "", "human-readable display name (env MW_NAME)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if roleFlag != "" {
		cfg.Role = roleFlag
	} else if env := os.Getenv("MW_ROLE"); env != "" && cfg.Role == "" {
		cfg.Role = env
	}
	if nameFlag != "" {
		cfg.DisplayName = nameFlag
	} else if env := os.Getenv("MW_NAME"); env != "" && cfg.DisplayName == "" {
		cfg.DisplayName = env
	}
	if cfg.DisplayName == "" {
		hostname, _ := os.Hostname()
		cfg.DisplayName = hostname
	}
	if cfg.Role == "" {
		return fmt.Errorf("no role configured: pass --role, set MW_ROLE, or set role in the config file")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := mesh.New(cfg, logger)
	id, err := coordinator.StartPeer(ctx, peer.Role(cfg.Role), cfg.DisplayName)
	if err != nil {
		return fmt.Errorf("start peer: %w", err)
	}
	logger.Info("peer running", zap.String("peer_id", id.String()))

	go consumeEvents(coordinator, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	coordinator.Stop()
	return nil
}

func consumeEvents(coordinator *mesh.Coordinator, logger *zap.Logger) {
	for ev := range coordinator.Events() {
		switch ev.Type {
		case mesh.EventLeaderChanged:
			logger.Info("leader changed",
				zap.String("leader_id", ev.LeaderID),
				zap.Bool("am_i_leader", ev.AmILeader))
		case mesh.EventPeerListChanged:
			logger.Info("peer list changed", zap.Int("peers", len(ev.Peers)))
		case mesh.EventDataReceived:
			logger.Info("message received",
				zap.String("from", ev.FromPeerID),
				zap.String("message", ev.Message))
		}
	}
}

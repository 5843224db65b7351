// Command crawld runs the Sybil DHT crawler: it joins Mainline DHT only
// far enough to harvest announce_peer traffic, fetches the info dict for
// every infohash it sees for the first time, and persists the result.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhtcrawler/crawld/internal/clog"
	"github.com/dhtcrawler/crawld/internal/config"
	"github.com/dhtcrawler/crawld/internal/coordinator"
	"github.com/dhtcrawler/crawld/internal/fetcher"
	"github.com/dhtcrawler/crawld/internal/store"
	"github.com/dhtcrawler/crawld/internal/sybil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "crawld",
		Short: "Harvest BitTorrent metadata by sniffing Mainline DHT announce_peer traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (optional; env CRAWLD_* and defaults otherwise)")
	return cmd
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := clog.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	st, err := store.Open(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.DatabaseFile, err)
	}
	defer st.Close()

	node, err := sybil.New(sybil.Config{
		Addr:             cfg.NodeAddr,
		MaxNeighbours:    cfg.MaxNeighbours,
		TickPeriod:       cfg.TickPeriod,
		BootstrapRouters: cfg.BootstrapRouters,
	}, log)
	if err != nil {
		return fmt.Errorf("building sybil node: %w", err)
	}

	peerID, err := fetcher.RandomPeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		MaxActivePeers: config.MaxActivePeersPerInfoHash,
		FetcherConfig: fetcher.Config{
			MaxMetadataSize: cfg.MaxMetadataSize,
			Timeout:         cfg.FetchTimeout,
			PeerID:          peerID,
		},
	}, log, st, nil)
	if err != nil {
		return fmt.Errorf("building coordinator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("starting sybil node: %w", err)
	}
	log.Infof("crawld listening on %v", node.LocalAddr())

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(ctx, node.Announcements())
	}()

	// A fatal node error (the UDP socket is gone) is distinct from an
	// ordinary SIGINT/SIGTERM shutdown: it means the crawler can no
	// longer make progress, so cancel the coordinator and exit nonzero
	// rather than hanging on a dead announce stream.
	var nodeErr error
	select {
	case <-coordDone:
	case nodeErr = <-node.Err():
		log.Errorf("crawld: sybil node failed, shutting down: %v", nodeErr)
		cancel()
		<-coordDone
	}

	node.Shutdown()
	if nodeErr != nil {
		return fmt.Errorf("sybil node failed: %w", nodeErr)
	}
	log.Infof("crawld shut down cleanly")
	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshpoint/internal/config"
	"meshpoint/internal/geo"
	"meshpoint/internal/registry"
	"meshpoint/internal/server"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	store, err := registry.NewStore(registry.StoreOptions{
		LocalPeerID:          cfg.LocalPeerID,
		Version:              cfg.Version,
		MinCompatibleVersion: cfg.MinCompatibleVersion,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		StaleMultiplier:      cfg.StaleMultiplier,
		OfflineMultiplier:    cfg.OfflineMultiplier,

		ConnectivityPassRatio: cfg.ConnectivityPassRatio,
		CrdtMinNodes:          cfg.CrdtMinNodes,
		Quality: registry.QualityThresholds{
			Excellent: cfg.QualityExcellent,
			Good:      cfg.QualityGood,
			Fair:      cfg.QualityFair,
		},
		GossipBounds: registry.GossipBounds{
			ActiveViewMin: cfg.ActiveViewMin,
			ActiveViewMax: cfg.ActiveViewMax,
		},

		FrameCapacity:  cfg.FrameRingCapacity,
		EventQueueSize: cfg.EventQueueSize,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create store")
	}

	// Reload persisted state so peer history survives restarts
	persist := registry.NewPersistence(cfg.SnapshotPath)
	if data, err := persist.Load(); err != nil {
		logrus.WithError(err).Warn("Could not load snapshot; starting empty")
	} else if data != nil {
		store.RestoreSnapshot(*data)
	}

	geoProvider := buildGeoProvider(cfg)

	srv := server.New(cfg, store, geoProvider)
	if err := srv.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}

	go runTimers(ctx, cfg, store, srv, persist)

	// Wait for shutdown signal
	<-sigChan
	logrus.Info("Shutting down...")
	cancel()

	store.SaveTo(persist)
	store.Close()
	if err := srv.Stop(); err != nil {
		logrus.WithError(err).Error("Error during shutdown")
	}
}

// runTimers drives the periodic work: the liveness sweep, the live stats
// broadcast, the metrics refresh, and the persistence snapshot. Each tick
// is an idempotent re-evaluation, so a delayed or skipped tick is
// harmless.
func runTimers(ctx context.Context, cfg *config.Config, store *registry.Store, srv *server.Server, persist *registry.Persistence) {
	sweep := time.NewTicker(cfg.SweepInterval)
	stats := time.NewTicker(cfg.StatsInterval)
	snapshot := time.NewTicker(cfg.SnapshotInterval)
	defer sweep.Stop()
	defer stats.Stop()
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			store.SweepExpired()
		case <-stats.C:
			store.PublishStats()
			srv.UpdateMetrics()
		case <-snapshot.C:
			store.SaveTo(persist)
		}
	}
}

// buildGeoProvider assembles the static range table with an LRU cache in
// front. Ranges come from MESHPOINT_GEO_RANGES as
// "cidr=CC:lat:lon" entries separated by semicolons; no table means no
// lookup.
func buildGeoProvider(cfg *config.Config) geo.Provider {
	entries := geo.ParseRanges(os.Getenv(config.DefaultEnvPrefix + "GEO_RANGES"))
	if len(entries) == 0 {
		return nil
	}

	static, err := geo.NewStaticProvider(entries)
	if err != nil {
		logrus.WithError(err).Warn("Invalid geo range table; geo lookup disabled")
		return nil
	}

	cached, err := geo.NewCachedProvider(static, cfg.GeoCacheSize)
	if err != nil {
		logrus.WithError(err).Warn("Geo cache unavailable; using uncached lookups")
		return static
	}
	return cached
}

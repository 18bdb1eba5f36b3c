package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dimesh-project/dim/pkg/api"
	"github.com/dimesh-project/dim/pkg/config"
	"github.com/dimesh-project/dim/pkg/daemon"
	"github.com/dimesh-project/dim/pkg/daemon/agent"
	"github.com/dimesh-project/dim/pkg/daemon/modelcache"
	"github.com/dimesh-project/dim/pkg/daemon/resource"
	"github.com/dimesh-project/dim/pkg/database"
	"github.com/dimesh-project/dim/pkg/objectstore"
	"github.com/dimesh-project/dim/pkg/orchestrator/registry"
	"github.com/dimesh-project/dim/pkg/p2p"
	"github.com/dimesh-project/dim/pkg/types"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dim-daemon",
		Short: "Distributed Inference Mesh node daemon",
		Long:  "Runs the per-node daemon: model cache, job queue, resource manager, and agent supervisor, exposed over the daemon RPC surface.",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("dim-daemon: %v", err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon RPC server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.LoadConfig()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	dbManager, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbManager.Close()

	store := objectstore.New(dbManager.DB, dbManager.Redis, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p2pHost, err := p2p.NewHost(ctx, &cfg.P2P)
	if err != nil {
		return fmt.Errorf("start p2p host: %w", err)
	}
	defer p2pHost.Close()

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	fetcher := modelcache.NewStoreFetcher(store)
	cache := modelcache.New(cfg.CacheDir, cfg.MaxCacheGB, fetcher)

	prewarmer := modelcache.NewPrewarmer(cfg.Prewarming, cache, logger)
	go prewarmer.Run(ctx)

	sampler := resource.NewHostSampler()
	resources := resource.New(cfg.Resource, sampler)

	agents := agent.New(cfg.AgentBinary)

	d := daemon.New(daemon.Config{MaxQueueSize: cfg.MaxQueueSize}, cache, agents, resources, prewarmer, logger)
	d.Start()
	defer d.Stop()

	server := api.NewDaemonServer(d, cfg.NodeID, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	go publishHeartbeats(ctx, store, cfg.NodeID, p2pHost, resources, cache, cfg.HeartbeatInterval, logger)

	go func() {
		logger.Info("daemon RPC server listening", "addr", cfg.ListenAddr, "node_id", cfg.NodeID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	prewarmer.Stop()
	cancel()

	logger.Info("shutdown complete")
	return nil
}

// daemonNodeType identifies every node this binary runs as, in the
// node_type field nodes report on every heartbeat.
const daemonNodeType = "daemon"

// publishHeartbeats periodically announces this node's liveness and
// current resource/capability snapshot on the shared heartbeat topic the
// orchestrator's registry ingests. The registry merges this against
// whatever it already knows about the node (see registry.IngestHeartbeat)
// so a heartbeat is additive, never a full identity overwrite.
func publishHeartbeats(ctx context.Context, store *objectstore.Store, nodeID string, host *p2p.Host, resources *resource.Manager, cache *modelcache.Cache, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	addresses := host.Addresses()
	address := ""
	if len(addresses) > 0 {
		address = addresses[0]
	}

	publish := func() {
		resStatus, err := resources.GetStatus()
		if err != nil {
			logger.Warn("sample resource status for heartbeat", "error", err)
		}

		cached := cache.GetCachedModels()
		modelIDs := make([]string, len(cached))
		for i, m := range cached {
			modelIDs[i] = m.ModelID
		}

		info := types.NodeInfo{
			NodeID:            nodeID,
			Address:           address,
			Status:            types.NodeActive,
			NodeType:          daemonNodeType,
			CachedModels:      modelIDs,
			CPUAvailable:      100 - resStatus.CPUPercent,
			MemoryAvailableGB: resStatus.MemoryAvailableGB,
			GPUAvailable:      false, // no GPU sampler wired; see resource.Manager
			ActiveJobs:        resStatus.ActiveJobs,
			LastSeen:          time.Now(),
		}
		data, err := json.Marshal(info)
		if err != nil {
			logger.Warn("encode heartbeat", "error", err)
			return
		}
		if err := store.Publish(ctx, registry.HeartbeatTopic, data); err != nil {
			logger.Warn("publish heartbeat", "error", err)
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

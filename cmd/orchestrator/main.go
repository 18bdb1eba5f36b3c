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

	"github.com/dimesh-project/dim/internal/config"
	"github.com/dimesh-project/dim/pkg/api"
	"github.com/dimesh-project/dim/pkg/auth"
	"github.com/dimesh-project/dim/pkg/database"
	"github.com/dimesh-project/dim/pkg/objectstore"
	"github.com/dimesh-project/dim/pkg/orchestrator"
	"github.com/dimesh-project/dim/pkg/orchestrator/coordinator"
	"github.com/dimesh-project/dim/pkg/orchestrator/registry"
	"github.com/dimesh-project/dim/pkg/transport"
	"github.com/dimesh-project/dim/pkg/types"
)

var (
	cfgFile        string
	orchestratorID string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dim-orchestrator",
		Short: "Distributed Inference Mesh orchestrator",
		Long:  "Accepts jobs over the orchestrator RPC surface, selects nodes, dispatches pattern engines, and coordinates with peer orchestrators.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (unused; configuration is environment-driven, see internal/config)")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("dim-orchestrator: %v", err)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator RPC server",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&orchestratorID, "orchestrator-id", "", "stable id for this replica, used in peer coordination (default: random uuid)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.LoadConfig()
	if orchestratorID == "" {
		orchestratorID = uuid.NewString()
	}

	dbManager, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbManager.Close()

	store := objectstore.New(dbManager.DB, dbManager.Redis, logger)

	nodeRegistry := registry.New(registry.Config{
		CacheTTL:       cfg.Registry.CacheTTL,
		HeartbeatTTL:   cfg.Registry.HeartbeatTTL,
		RepublishEvery: cfg.Registry.RepublishEvery,
	}, store, logger)

	jwtService, err := auth.NewJWTService(&cfg.JWT)
	if err != nil {
		return fmt.Errorf("init jwt service: %w", err)
	}
	rbac := auth.NewRBAC()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := coordinator.New(coordinator.Config{
		OrchestratorID:    orchestratorID,
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
		PeerTTL:           3 * cfg.Coordination.HeartbeatInterval,
		LoadThreshold:     cfg.Coordination.ReassignLoadThresh,
	}, store, logger, nil)

	pool := transport.NewPool()
	nodeClient := api.NewNodeClient(nodeRegistry, pool)

	orch := orchestrator.New(orchestrator.Config{MinReputation: cfg.Selector.MinReputation}, store, nodeRegistry, nodeClient, coord, logger)

	// orch and coord are circularly dependent (coord needs a handler that
	// calls back into orch; orch needs a live coord to submit through), so
	// the handler is installed after both are constructed.
	coord.SetOnAssignment(func(ctx context.Context, a coordinator.Assignment) error {
		return orch.AcceptAssignment(ctx, a.Spec)
	})

	hub := api.NewJobEventHub(store, orchestrator.JobUpdateTopic, logger)
	go hub.Run(ctx)

	server := api.NewOrchestratorServer(cfg, orch, dbManager.Users, dbManager, jwtService, rbac, hub, logger)

	httpServer := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: server.Handler(),
	}

	go sweepStaleNodes(ctx, nodeRegistry, logger)
	go ingestHeartbeats(ctx, store, nodeRegistry, logger)
	go func() {
		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("coordinator run failed", "error", err)
		}
	}()
	go reportLoad(ctx, coord, orch, cfg.Coordination.Capacity, cfg.Coordination.HeartbeatInterval)

	go func() {
		logger.Info("orchestrator RPC server listening", "addr", cfg.API.ListenAddr, "orchestrator_id", orchestratorID, "tls", cfg.API.TLSEnabled)
		var err error
		if cfg.API.TLSEnabled {
			err = httpServer.ListenAndServeTLS(cfg.API.CertFile, cfg.API.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
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
	hub.Stop()
	orch.Wait()
	cancel()

	logger.Info("shutdown complete")
	return nil
}

// sweepStaleNodes periodically marks nodes that stopped heartbeating as
// inactive, independent of heartbeat ingestion.
func sweepStaleNodes(ctx context.Context, nodes *registry.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nodes.SweepStale(ctx); err != nil {
				logger.Warn("sweep stale nodes", "error", err)
			}
		}
	}
}

// reportLoad periodically tells the coordinator how busy this replica is,
// so peers deciding whether to reassign work here have a fresh number to
// compare against their own LoadThreshold.
func reportLoad(ctx context.Context, coord *coordinator.Coordinator, orch *orchestrator.Orchestrator, capacity int, heartbeatInterval time.Duration) {
	ticker := time.NewTicker(heartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coord.ReportLoad(orch.ActiveJobCount(), capacity)
		}
	}
}

// ingestHeartbeats subscribes to the node heartbeat topic and feeds each
// received NodeInfo into the registry's in-memory roster.
func ingestHeartbeats(ctx context.Context, store *objectstore.Store, nodes *registry.Registry, logger *slog.Logger) {
	ch, unsubscribe, err := store.Subscribe(ctx, registry.HeartbeatTopic)
	if err != nil {
		logger.Error("subscribe heartbeat topic", "error", err)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var info types.NodeInfo
			if err := json.Unmarshal(msg.Payload, &info); err != nil {
				logger.Warn("decode heartbeat", "error", err)
				continue
			}
			if err := nodes.IngestHeartbeat(ctx, info); err != nil {
				logger.Warn("ingest heartbeat", "error", err)
			}
		}
	}
}

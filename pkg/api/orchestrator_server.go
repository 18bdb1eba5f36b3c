package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dimesh-project/dim/internal/config"
	"github.com/dimesh-project/dim/pkg/auth"
	"github.com/dimesh-project/dim/pkg/database"
	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/orchestrator"
	"github.com/dimesh-project/dim/pkg/ratelimit"
	"github.com/dimesh-project/dim/pkg/types"
)

// JobSubmitter is the subset of *orchestrator.Orchestrator the RPC server
// depends on, narrowed so handlers are testable against a fake.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, spec types.JobSpec) (types.JobStatus, error)
	GetJobStatus(ctx context.Context, jobID string) (types.JobStatus, error)
	GetJobResult(ctx context.Context, jobID string) (types.Result, error)
	CancelJob(ctx context.Context, jobID, userID string) error
	ListJobs() []types.JobStatus
}

// UserStore is the subset of *database.UserRepository the auth handlers
// need, narrowed so they're testable against a fake.
type UserStore interface {
	Create(ctx context.Context, user *database.User, password string) error
	Authenticate(ctx context.Context, username, password string) (*database.User, error)
}

// HealthChecker is the subset of *database.Manager the /health endpoint
// needs.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// OrchestratorServer exposes §6's orchestrator RPC surface over
// JSON-over-HTTP (gin), plus the JWT-backed auth endpoints and the
// job-update WebSocket stream.
type OrchestratorServer struct {
	cfg    *config.Config
	orch   JobSubmitter
	users  UserStore
	health HealthChecker
	jwt    *auth.JWTService
	rbac   *auth.RBAC
	hub    *JobEventHub
	logger *slog.Logger

	router *gin.Engine
}

func NewOrchestratorServer(cfg *config.Config, orch JobSubmitter, users UserStore, health HealthChecker, jwt *auth.JWTService, rbac *auth.RBAC, hub *JobEventHub, logger *slog.Logger) *OrchestratorServer {
	s := &OrchestratorServer{cfg: cfg, orch: orch, users: users, health: health, jwt: jwt, rbac: rbac, hub: hub, logger: logger}
	s.router = s.buildRouter()
	return s
}

func (s *OrchestratorServer) Handler() http.Handler { return s.router }

func (s *OrchestratorServer) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), loggingMiddleware(s.logger), corsMiddleware(s.cfg.API.Cors.AllowedOrigins), securityHeadersMiddleware())

	limiter := ratelimit.New(ratelimit.Config{RefillPerSecond: s.cfg.RateLimit.RefillPerSecond, Burst: s.cfg.RateLimit.Burst})
	authMW := auth.NewAuthMiddleware(s.jwt, s.rbac)

	r.GET("/health", s.handleHealth)
	if s.hub != nil {
		r.GET("/ws", s.hub.ServeWS)
	}

	authGroup := r.Group("/api/v1/auth")
	{
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
	}

	jobs := r.Group("/api/v1/jobs")
	jobs.Use(requireJSON(), rateLimitMiddleware(limiter))
	{
		jobs.POST("", authMW.RequirePermission(auth.PermissionJobSubmit), s.handleSubmitJob)
		jobs.GET("", authMW.RequirePermission(auth.PermissionJobRead), s.handleListJobs)
		jobs.GET("/:id", authMW.RequirePermission(auth.PermissionJobRead), s.handleGetJobStatus)
		jobs.GET("/:id/result", authMW.RequirePermission(auth.PermissionJobRead), s.handleGetJobResult)
		jobs.DELETE("/:id", authMW.RequirePermission(auth.PermissionJobCancel), s.handleCancelJob)
	}

	return r
}

// submitOrchestratorJobRequest mirrors §6's orchestrator SubmitJob field set.
type submitOrchestratorJobRequest struct {
	Pattern    types.Pattern   `json:"pattern"`
	ConfigJSON types.JobConfig `json:"config_json"`
	Priority   types.Priority  `json:"priority"`
	MaxCost    float64         `json:"max_cost"`
}

type submitOrchestratorJobResponse struct {
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	EstimatedCost float64 `json:"estimated_cost"`
	Error         string  `json:"error,omitempty"`
}

func (s *OrchestratorServer) handleSubmitJob(c *gin.Context) {
	claims, _ := GetClaims(c)

	var req submitOrchestratorJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.checkJobQuota(claims.UserID); err != nil {
		writeDimerr(c, err)
		return
	}

	spec := types.JobSpec{
		UserID:   claims.UserID,
		Pattern:  req.Pattern,
		Priority: req.Priority,
		Config:   req.ConfigJSON,
		MaxCost:  req.MaxCost,
	}

	status, err := s.orch.SubmitJob(c.Request.Context(), spec)
	if err != nil {
		writeDimerr(c, err)
		return
	}

	c.JSON(http.StatusAccepted, submitOrchestratorJobResponse{
		JobID:         status.JobID,
		Status:        string(status.State),
		EstimatedCost: status.EstimatedCost,
	})
}

// checkJobQuota enforces the caller's role-based concurrent-job ceiling
// (auth.Role.MaxConcurrentJobs) against their currently non-terminal jobs.
func (s *OrchestratorServer) checkJobQuota(userID string) error {
	limit, unlimited, err := s.rbac.MaxConcurrentJobs(userID)
	if err != nil || unlimited || limit <= 0 {
		return nil
	}

	active := 0
	for _, j := range s.orch.ListJobs() {
		if j.UserID == userID && !types.IsTerminal(j.State) {
			active++
		}
	}
	if active >= limit {
		return dimerr.New(dimerr.RateLimitExceeded, fmt.Sprintf("concurrent job limit reached (%d)", limit))
	}
	return nil
}

func (s *OrchestratorServer) handleGetJobStatus(c *gin.Context) {
	status, err := s.orch.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type jobResultResponse struct {
	ResultJSON map[string]any `json:"result_json"`
	Metadata   resultMetadata `json:"metadata"`
}

type resultMetadata struct {
	NodesUsed   []string `json:"nodes_used"`
	CompletedAt string   `json:"completed_at"`
}

func (s *OrchestratorServer) handleGetJobResult(c *gin.Context) {
	jobID := c.Param("id")
	result, err := s.orch.GetJobResult(c.Request.Context(), jobID)
	if err != nil {
		writeDimerr(c, err)
		return
	}
	status, err := s.orch.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		writeDimerr(c, err)
		return
	}

	c.JSON(http.StatusOK, jobResultResponse{
		ResultJSON: result.Output,
		Metadata: resultMetadata{
			NodesUsed:   result.NodesUsed,
			CompletedAt: status.CompletedAt.Format(time.RFC3339),
		},
	})
}

func (s *OrchestratorServer) handleCancelJob(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	userID := claims.UserID
	if claims.IsAdmin() {
		userID = "" // admins may cancel any job, not just their own
	}

	if err := s.orch.CancelJob(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "job cancelled"})
}

func (s *OrchestratorServer) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	statusFilter := c.Query("status_filter")

	all := s.orch.ListJobs()
	filtered := make([]types.JobStatus, 0, len(all))
	for _, j := range all {
		if statusFilter != "" && string(j.State) != statusFilter {
			continue
		}
		filtered = append(filtered, j)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   filtered[offset:end],
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *OrchestratorServer) handleHealth(c *gin.Context) {
	health := s.health.Health(c.Request.Context())
	status := http.StatusOK
	if health.Overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// writeDimerr maps a dimerr.Kind to its HTTP status and writes the body.
func writeDimerr(c *gin.Context, err error) {
	kind := dimerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case dimerr.InvalidSpec:
		status = http.StatusBadRequest
	case dimerr.InsufficientResources, dimerr.QueueFull, dimerr.RateLimitExceeded:
		status = http.StatusTooManyRequests
	case dimerr.ModelUnavailable, dimerr.RPCUnavailable:
		status = http.StatusServiceUnavailable
	case dimerr.Timeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// GetClaims is a thin package-local wrapper over auth.GetCurrentClaims,
// kept here so middleware.go doesn't need to import auth directly.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	return auth.GetCurrentClaims(c)
}

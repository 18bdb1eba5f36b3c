package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dimesh-project/dim/pkg/daemon"
	"github.com/dimesh-project/dim/pkg/types"
)

// DaemonRunner is the subset of *daemon.Daemon the RPC server depends on.
type DaemonRunner interface {
	SubmitJob(spec types.JobSpec) (types.JobStatus, error)
	GetJobStatus(jobID string) (types.JobStatus, error)
	GetJobResult(jobID string) (types.Result, error)
	CancelJob(jobID string) error
	GetHealth() (daemon.Health, error)
	GetStats() (daemon.Stats, error)
}

// DaemonServer exposes §6's daemon RPC surface. There is no auth layer
// here: the daemon RPC surface carries no user_id parameter, meaning it's
// trusted to be reachable only from orchestrators on the internal
// network, not directly by end users.
type DaemonServer struct {
	daemon DaemonRunner
	nodeID string
	logger *slog.Logger

	router *gin.Engine
}

func NewDaemonServer(d DaemonRunner, nodeID string, logger *slog.Logger) *DaemonServer {
	s := &DaemonServer{daemon: d, nodeID: nodeID, logger: logger}
	s.router = s.buildRouter()
	return s
}

func (s *DaemonServer) Handler() http.Handler { return s.router }

func (s *DaemonServer) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), loggingMiddleware(s.logger), securityHeadersMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)

	jobs := r.Group("/api/v1/jobs")
	jobs.Use(requireJSON())
	{
		jobs.POST("", s.handleSubmitJob)
		jobs.GET("/:id", s.handleGetJobStatus)
		jobs.GET("/:id/result", s.handleGetJobResult)
		jobs.DELETE("/:id", s.handleCancelJob)
	}

	return r
}

// submitDaemonJobRequest mirrors §6's daemon SubmitJob field set.
type submitDaemonJobRequest struct {
	JobID         string         `json:"job_id"`
	UserID        string         `json:"user_id"`
	Pattern       types.Pattern  `json:"pattern"`
	Priority      types.Priority `json:"priority"`
	Config        types.JobConfig `json:"config"`
	Timeout       time.Duration  `json:"timeout"`
}

func (s *DaemonServer) handleSubmitJob(c *gin.Context) {
	var req submitDaemonJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec := types.JobSpec{
		JobID:    req.JobID,
		UserID:   req.UserID,
		Pattern:  req.Pattern,
		Priority: req.Priority,
		Config:   req.Config,
		Timeout:  req.Timeout,
	}

	status, err := s.daemon.SubmitJob(spec)
	if err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

func (s *DaemonServer) handleGetJobStatus(c *gin.Context) {
	status, err := s.daemon.GetJobStatus(c.Param("id"))
	if err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *DaemonServer) handleGetJobResult(c *gin.Context) {
	result, err := s.daemon.GetJobResult(c.Param("id"))
	if err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *DaemonServer) handleCancelJob(c *gin.Context) {
	if err := s.daemon.CancelJob(c.Param("id")); err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "job cancelled"})
}

func (s *DaemonServer) handleHealth(c *gin.Context) {
	health, err := s.daemon.GetHealth()
	if err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"node_id": s.nodeID,
		"health":  health,
	})
}

func (s *DaemonServer) handleStats(c *gin.Context) {
	stats, err := s.daemon.GetStats()
	if err != nil {
		writeDimerr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": s.nodeID, "stats": stats})
}

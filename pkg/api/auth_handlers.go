package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dimesh-project/dim/pkg/auth"
	"github.com/dimesh-project/dim/pkg/database"
)

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

func (s *OrchestratorServer) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}

	user := &database.User{Username: req.Username, Role: req.Role}
	if err := s.users.Create(c.Request.Context(), user, req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username, "role": user.Role})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *OrchestratorServer) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	s.syncRBACUser(user)

	permissions := auth.GetRolePermissions(user.Role)
	pair, err := s.jwt.GenerateToken(user.ID.String(), user.Username, user.Role, permissions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *OrchestratorServer) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := s.jwt.RefreshToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// syncRBACUser upserts the Postgres-backed user into the in-memory RBAC
// roster RequireAuth checks against. The two stores are deliberately
// separate (RBAC holds the live permission graph; Postgres holds
// credentials) and are reconciled lazily here rather than kept in lockstep.
func (s *OrchestratorServer) syncRBACUser(user *database.User) {
	id := user.ID.String()
	if _, err := s.rbac.GetUser(id); err == nil {
		return
	}
	_ = s.rbac.CreateUser(&auth.User{
		ID:       id,
		Username: user.Username,
		Roles:    []string{user.Role},
		Active:   user.Active,
	})
}

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dimesh-project/dim/internal/config"
	"github.com/dimesh-project/dim/pkg/security"
)

// JWTService handles JWT token operations
type JWTService struct {
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	issuer        string
	expiration    time.Duration
	refreshExpiry time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> original expiry, pruned lazily
}

// Claims represents JWT claims structure
type Claims struct {
	UserID      string            `json:"user_id"`
	Username    string            `json:"username"`
	Role        string            `json:"role"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// NewJWTService creates a new JWT service instance
func NewJWTService(cfg *config.JWTConfig) (*JWTService, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	service := &JWTService{
		privateKey:    privateKey,
		publicKey:     &privateKey.PublicKey,
		issuer:        "dim-orchestrator",
		expiration:    time.Hour,
		refreshExpiry: 7 * 24 * time.Hour,
		revoked:       make(map[string]time.Time),
	}

	if cfg != nil {
		if cfg.Issuer != "" {
			service.issuer = cfg.Issuer
		}
		if cfg.ExpiryTime > 0 {
			service.expiration = cfg.ExpiryTime
		}
		if cfg.RefreshTime > 0 {
			service.refreshExpiry = cfg.RefreshTime
		}
	}

	return service, nil
}

// GenerateToken creates a new JWT token for the given user
func (j *JWTService) GenerateToken(userID, username, role string, permissions []string) (*TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(j.expiration)
	refreshExpiresAt := now.Add(j.refreshExpiry)

	accessJTI, err := security.GenerateSecureToken(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token id: %w", err)
	}
	refreshJTI, err := security.GenerateSecureToken(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token id: %w", err)
	}

	// Create access token claims
	claims := &Claims{
		UserID:      userID,
		Username:    username,
		Role:        role,
		Permissions: permissions,
		Metadata:    make(map[string]string),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			Audience:  []string{"dim"},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        accessJTI,
		},
	}

	// Create access token
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	accessToken, err := token.SignedString(j.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	// Create refresh token claims
	refreshClaims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			Audience:  []string{"dim-refresh"},
			ExpiresAt: jwt.NewNumericDate(refreshExpiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        refreshJTI,
		},
	}

	// Create refresh token
	refreshToken := jwt.NewWithClaims(jwt.SigningMethodRS256, refreshClaims)
	refreshTokenString, err := refreshToken.SignedString(j.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshTokenString,
		ExpiresAt:    expiresAt,
		TokenType:    "Bearer",
	}, nil
}

// ValidateToken validates and parses a JWT token
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.publicKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	// Additional validation
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, errors.New("token has expired")
	}

	if j.isRevoked(claims.ID) {
		return nil, errors.New("token has been revoked")
	}

	return claims, nil
}

// isRevoked reports whether jti is on the revocation list, pruning expired
// entries it encounters along the way so the map doesn't grow unbounded.
func (j *JWTService) isRevoked(jti string) bool {
	if jti == "" {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	expiresAt, ok := j.revoked[jti]
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		delete(j.revoked, jti)
		return false
	}
	return true
}

// RefreshToken creates a new access token from a valid refresh token
func (j *JWTService) RefreshToken(refreshTokenString string) (*TokenPair, error) {
	// Validate refresh token
	claims, err := j.ValidateToken(refreshTokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	// Check if it's actually a refresh token
	if len(claims.Audience) == 0 || claims.Audience[0] != "dim-refresh" {
		return nil, errors.New("not a refresh token")
	}

	// Generate new token pair
	return j.GenerateToken(claims.UserID, claims.Username, claims.Role, claims.Permissions)
}

// RevokeToken adds a token's jti to the in-process revocation list. Entries
// are kept only until the token's own expiry, since a token nobody can
// validate anymore needs no revocation record. This is an in-memory set
// scoped to a single service instance: a multi-replica orchestrator needs a
// shared store (e.g. Redis, already available via objectstore) to revoke
// consistently across replicas — see DESIGN.md.
func (j *JWTService) RevokeToken(tokenString string) error {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return fmt.Errorf("cannot revoke invalid token: %w", err)
	}
	if claims.ID == "" {
		return errors.New("token has no jti to revoke")
	}

	expiresAt := time.Now().Add(j.expiration)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	j.mu.Lock()
	j.revoked[claims.ID] = expiresAt
	j.mu.Unlock()
	return nil
}

// GetPublicKey returns the public key for token verification
func (j *JWTService) GetPublicKey() *rsa.PublicKey {
	return j.publicKey
}

// SetPrivateKey sets a custom private key (for testing or custom key management)
func (j *JWTService) SetPrivateKey(key *rsa.PrivateKey) {
	j.privateKey = key
	j.publicKey = &key.PublicKey
}

// HasPermission checks if the claims contain a specific permission
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// IsAdmin checks if the user has admin role
func (c *Claims) IsAdmin() bool {
	return c.Role == "admin"
}

// IsOperator checks if the user has operator role or higher
func (c *Claims) IsOperator() bool {
	return c.Role == "admin" || c.Role == "operator"
}

// GetMetadata safely retrieves metadata value
func (c *Claims) GetMetadata(key string) (string, bool) {
	if c.Metadata == nil {
		return "", false
	}
	value, exists := c.Metadata[key]
	return value, exists
}

// SetMetadata safely sets metadata value
func (c *Claims) SetMetadata(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}

// Predefined roles and permissions
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleUser     = "user"
	RoleReadonly = "readonly"
)

// Predefined permissions
const (
	PermissionJobSubmit   = "job:submit"
	PermissionJobRead     = "job:read"
	PermissionJobCancel   = "job:cancel"
	PermissionNodeManage  = "node:manage"
	PermissionNodeRead    = "node:read"
	PermissionMetricsRead = "metrics:read"
	PermissionSystemManage = "system:manage"
)

// GetRolePermissions returns default permissions for a role
func GetRolePermissions(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{
			PermissionJobSubmit, PermissionJobRead, PermissionJobCancel,
			PermissionNodeManage, PermissionNodeRead,
			PermissionMetricsRead, PermissionSystemManage,
		}
	case RoleOperator:
		return []string{
			PermissionJobSubmit, PermissionJobRead, PermissionJobCancel,
			PermissionNodeRead, PermissionMetricsRead,
		}
	case RoleUser:
		return []string{
			PermissionJobSubmit, PermissionJobRead, PermissionJobCancel,
		}
	case RoleReadonly:
		return []string{
			PermissionJobRead, PermissionNodeRead, PermissionMetricsRead,
		}
	default:
		return []string{}
	}
}

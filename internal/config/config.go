// Package config loads the orchestrator's configuration: JWT/auth, the
// RPC API surface, P2P host settings, the Postgres/Redis backing the
// objectstore package, and the coordination plane between orchestrator
// peers. Most scalar fields have an environment-variable override, following
// the getEnvOrDefault idiom used throughout the example pack; the remaining
// fields keep their built-in defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/dimesh-project/dim/pkg/database"
)

type Config struct {
	JWT           JWTConfig           `yaml:"jwt"`
	API           APIConfig           `yaml:"api"`
	P2P           P2PConfig           `yaml:"p2p"`
	Database      database.Config     `yaml:"database"`
	Coordination  CoordinationConfig  `yaml:"coordination"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Selector      SelectorConfig      `yaml:"selector"`
	Registry      RegistryConfig      `yaml:"registry"`
}

type JWTConfig struct {
	Issuer      string        `yaml:"issuer"`
	ExpiryTime  time.Duration `yaml:"expiry_time"`
	RefreshTime time.Duration `yaml:"refresh_time"`
}

type APIConfig struct {
	ListenAddr  string     `yaml:"listen_addr"`
	TLSEnabled  bool       `yaml:"tls_enabled"`
	CertFile    string     `yaml:"cert_file"`
	KeyFile     string     `yaml:"key_file"`
	Cors        CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type P2PConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	BootstrapPeers []string      `yaml:"bootstrap_peers"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// CoordinationConfig governs the OrchestratorCoordinator's peer heartbeat
// and load-based reassignment behavior.
type CoordinationConfig struct {
	Peers              []string      `yaml:"peers"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ReassignLoadThresh float64       `yaml:"reassign_load_threshold"`
	Capacity           int           `yaml:"capacity"` // jobs this replica reports as its ceiling, for peer load comparisons
}

type RateLimitConfig struct {
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Burst           int     `yaml:"burst"`
}

type SelectorConfig struct {
	MinReputation float64 `yaml:"min_reputation"`
}

type RegistryConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	HeartbeatTTL   time.Duration `yaml:"heartbeat_ttl"`
	RepublishEvery time.Duration `yaml:"republish_every"`
}

func DefaultConfig() *Config {
	return &Config{
		JWT: JWTConfig{
			Issuer:      getEnvOrDefault("DIM_JWT_ISSUER", "dim-orchestrator"),
			ExpiryTime:  time.Hour,
			RefreshTime: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			ListenAddr: getEnvOrDefault("DIM_API_LISTEN_ADDR", "0.0.0.0:8080"),
			TLSEnabled: getEnvBoolOrDefault("DIM_API_TLS_ENABLED", false),
			CertFile:   getEnvOrDefault("DIM_API_CERT_FILE", ""),
			KeyFile:    getEnvOrDefault("DIM_API_KEY_FILE", ""),
			Cors: CorsConfig{
				Enabled:        getEnvBoolOrDefault("DIM_CORS_ENABLED", true),
				AllowedOrigins: []string{"*"},
			},
		},
		P2P: P2PConfig{
			ListenAddr:  getEnvOrDefault("DIM_P2P_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0"),
			DialTimeout: 5 * time.Second,
		},
		Database: database.Config{
			Host:          getEnvOrDefault("DIM_DB_HOST", "localhost"),
			Port:          getEnvIntOrDefault("DIM_DB_PORT", 5432),
			Name:          getEnvOrDefault("DIM_DB_NAME", "dim"),
			User:          getEnvOrDefault("DIM_DB_USER", "dim"),
			Password:      getEnvOrDefault("DIM_DB_PASSWORD", ""),
			RedisHost:     getEnvOrDefault("DIM_REDIS_HOST", "localhost"),
			RedisPort:     getEnvIntOrDefault("DIM_REDIS_PORT", 6379),
			RedisPassword: getEnvOrDefault("DIM_REDIS_PASSWORD", ""),
		},
		Coordination: CoordinationConfig{
			HeartbeatInterval:  10 * time.Second,
			ReassignLoadThresh: getEnvFloatOrDefault("DIM_REASSIGN_LOAD_THRESHOLD", 0.85),
			Capacity:           getEnvIntOrDefault("DIM_ORCHESTRATOR_CAPACITY", 100),
		},
		RateLimit: RateLimitConfig{
			RefillPerSecond: getEnvFloatOrDefault("DIM_RATE_LIMIT_RPS", 10),
			Burst:           getEnvIntOrDefault("DIM_RATE_LIMIT_BURST", 20),
		},
		Selector: SelectorConfig{
			MinReputation: getEnvFloatOrDefault("DIM_SELECTOR_MIN_REPUTATION", 0.3),
		},
		Registry: RegistryConfig{
			CacheTTL:       30 * time.Second,
			HeartbeatTTL:   120 * time.Second,
			RepublishEvery: 30 * time.Second,
		},
	}
}

func LoadConfig() *Config {
	return DefaultConfig()
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			return iv
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			return bv
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if fv, err := strconv.ParseFloat(v, 64); err == nil {
			return fv
		}
	}
	return defaultValue
}

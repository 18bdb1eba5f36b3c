// Package config loads the daemon's configuration: the model cache, job
// queue, resource manager, agent supervisor, and prewarmer settings.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/dimesh-project/dim/pkg/daemon/modelcache"
	"github.com/dimesh-project/dim/pkg/daemon/resource"
	"github.com/dimesh-project/dim/pkg/database"
	"github.com/dimesh-project/dim/pkg/p2p"
)

type Config struct {
	NodeID            string                     `json:"node_id" yaml:"node_id"`
	ListenAddr        string                     `json:"listen_addr" yaml:"listen_addr"`
	CacheDir          string                     `json:"cache_dir" yaml:"cache_dir"`
	MaxCacheGB        float64                    `json:"max_cache_gb" yaml:"max_cache_gb"`
	MaxQueueSize      int                        `json:"max_queue_size" yaml:"max_queue_size"`
	AgentBinary       string                     `json:"agent_binary" yaml:"agent_binary"`
	HeartbeatInterval time.Duration              `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	Resource          resource.Config            `json:"resource" yaml:"resource"`
	Prewarming        modelcache.PrewarmerConfig `json:"prewarming" yaml:"prewarming"`
	Database          database.Config            `json:"database" yaml:"database"`
	P2P               p2p.HostConfig             `json:"p2p" yaml:"p2p"`
}

func DefaultConfig() *Config {
	return &Config{
		NodeID:            getEnvOrDefault("DIM_DAEMON_NODE_ID", ""),
		ListenAddr:        getEnvOrDefault("DIM_DAEMON_LISTEN_ADDR", "0.0.0.0:9090"),
		CacheDir:          getEnvOrDefault("DIM_DAEMON_CACHE_DIR", "/var/lib/dim/models"),
		MaxCacheGB:        getEnvFloatOrDefault("DIM_DAEMON_MAX_CACHE_GB", 200),
		MaxQueueSize:      getEnvIntOrDefault("DIM_DAEMON_MAX_QUEUE_SIZE", 1000),
		AgentBinary:       getEnvOrDefault("DIM_DAEMON_AGENT_BINARY", "/usr/local/bin/dim-agent"),
		HeartbeatInterval: 15 * time.Second,
		Resource:          resource.DefaultConfig(),
		Prewarming:        modelcache.DefaultPrewarmerConfig(),
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
		P2P: *p2p.DefaultHostConfig(),
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

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if fv, err := strconv.ParseFloat(v, 64); err == nil {
			return fv
		}
	}
	return defaultValue
}

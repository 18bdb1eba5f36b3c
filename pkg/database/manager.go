package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Config holds the Postgres + Redis connection settings shared by the
// orchestrator's user store and the objectstore package. Both daemons load
// one of these from internal/config or pkg/config.
type Config struct {
	Host     string `yaml:"host" env:"DIM_DB_HOST"`
	Port     int    `yaml:"port" env:"DIM_DB_PORT"`
	Name     string `yaml:"name" env:"DIM_DB_NAME"`
	User     string `yaml:"user" env:"DIM_DB_USER"`
	Password string `yaml:"password" env:"DIM_DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"DIM_DB_SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"DIM_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DIM_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DIM_DB_CONN_MAX_LIFETIME"`

	RedisHost         string        `yaml:"redis_host" env:"DIM_REDIS_HOST"`
	RedisPort         int           `yaml:"redis_port" env:"DIM_REDIS_PORT"`
	RedisPassword     string        `yaml:"redis_password" env:"DIM_REDIS_PASSWORD"`
	RedisDB           int           `yaml:"redis_db" env:"DIM_REDIS_DB"`
	RedisPoolSize     int           `yaml:"redis_pool_size" env:"DIM_REDIS_POOL_SIZE"`
	RedisMinIdleConns int           `yaml:"redis_min_idle_conns" env:"DIM_REDIS_MIN_IDLE_CONNS"`
	RedisDialTimeout  time.Duration `yaml:"redis_dial_timeout" env:"DIM_REDIS_DIAL_TIMEOUT"`
}

func (c *Config) applyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
	if c.RedisPoolSize == 0 {
		c.RedisPoolSize = 10
	}
	if c.RedisMinIdleConns == 0 {
		c.RedisMinIdleConns = 5
	}
	if c.RedisDialTimeout == 0 {
		c.RedisDialTimeout = 5 * time.Second
	}
}

// Manager owns the Postgres and Redis connections backing both the user
// store (this package) and pkg/objectstore, which is handed the same
// *sqlx.DB / *redis.Client pair so the whole system shares one pool per
// process.
type Manager struct {
	DB     *sqlx.DB
	Redis  *redis.Client
	config *Config
	logger *slog.Logger

	Users *UserRepository
}

func NewManager(config *Config, logger *slog.Logger) (*Manager, error) {
	config.applyDefaults()

	m := &Manager{config: config, logger: logger}

	if err := m.connectPostgres(); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := m.connectRedis(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	m.Users = NewUserRepository(m.DB, m.Redis, logger)

	logger.Info("database manager initialized",
		"postgres_host", config.Host, "postgres_db", config.Name,
		"redis_host", config.RedisHost)
	return m, nil
}

func (m *Manager) connectPostgres() error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		m.config.Host, m.config.Port, m.config.User, m.config.Password, m.config.Name, m.config.SSLMode)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	m.DB = db
	return nil
}

func (m *Manager) connectRedis() error {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", m.config.RedisHost, m.config.RedisPort),
		Password:     m.config.RedisPassword,
		DB:           m.config.RedisDB,
		PoolSize:     m.config.RedisPoolSize,
		MinIdleConns: m.config.RedisMinIdleConns,
		DialTimeout:  m.config.RedisDialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	m.Redis = rdb
	return nil
}

// Health reports the liveness of both backing stores.
func (m *Manager) Health(ctx context.Context) HealthStatus {
	health := HealthStatus{PostgreSQL: ComponentHealth{Status: "healthy"}, Redis: ComponentHealth{Status: "healthy"}}

	pgStart := time.Now()
	if err := m.DB.PingContext(ctx); err != nil {
		health.PostgreSQL.Status = "unhealthy"
		health.PostgreSQL.Error = err.Error()
	}
	health.PostgreSQL.ResponseTime = time.Since(pgStart)

	redisStart := time.Now()
	if err := m.Redis.Ping(ctx).Err(); err != nil {
		health.Redis.Status = "unhealthy"
		health.Redis.Error = err.Error()
	}
	health.Redis.ResponseTime = time.Since(redisStart)

	if health.PostgreSQL.Status == "healthy" && health.Redis.Status == "healthy" {
		health.Overall = "healthy"
	} else {
		health.Overall = "degraded"
	}
	return health
}

func (m *Manager) Close() error {
	if err := m.DB.Close(); err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	if err := m.Redis.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	m.logger.Info("database connections closed")
	return nil
}

type HealthStatus struct {
	Overall    string          `json:"overall"`
	PostgreSQL ComponentHealth `json:"postgresql"`
	Redis      ComponentHealth `json:"redis"`
}

type ComponentHealth struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

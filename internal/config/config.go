// Package config 載入配對服務的配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 存儲後端
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	// Matchmaking 配對循環參數
	//
	// 單一 tick 的期限是 LockTTL 的 2/3（見 TickTimeout），且不得短於 Interval；
	// 持鎖進程崩潰時，其他進程最多等待一個 TTL。
	Matchmaking struct {
		Store      string        `yaml:"store"`       // "redis" 或 "memory"
		KeyPrefix  string        `yaml:"key_prefix"`  // matching:lock, matching:queue:cat ...
		LockTTL    time.Duration `yaml:"lock_ttl"`    // 分散式鎖過期時間
		MaxWait    time.Duration `yaml:"max_wait"`    // 最長等待時間，超過即淘汰
		Interval   time.Duration `yaml:"interval"`    // 配對循環間隔
		WindowSize int           `yaml:"window_size"` // 每個陣營每 tick 讀取的前段數量
	} `yaml:"matchmaking"`

	Session struct {
		StartTimeout    time.Duration `yaml:"start_timeout"`
		MaxSessions     int           `yaml:"max_sessions"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"session"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "matchmaking"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "matchmaking"

	cfg.Matchmaking.Store = StoreRedis
	cfg.Matchmaking.KeyPrefix = "matching"
	cfg.Matchmaking.LockTTL = 3 * time.Second
	cfg.Matchmaking.MaxWait = 5 * time.Minute
	cfg.Matchmaking.Interval = 500 * time.Millisecond
	cfg.Matchmaking.WindowSize = 10

	cfg.Session.StartTimeout = 30 * time.Second
	cfg.Session.MaxSessions = 10000
	cfg.Session.CleanupInterval = 10 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load 載入配置檔案
//
// 檔案不存在時使用預設值；檔案內容覆蓋預設值，環境變數再覆蓋檔案。
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path 來自命令列參數，非使用者輸入
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// 使用預設值
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（容器部署常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("MATCHMAKING_STORE"); v != "" {
		c.Matchmaking.Store = strings.ToLower(v)
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	m := c.Matchmaking

	switch m.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("matchmaking.store must be %q or %q, got %q", StoreRedis, StoreMemory, m.Store)
	}

	if m.KeyPrefix == "" {
		return errors.New("matchmaking.key_prefix is required")
	}
	if m.Interval <= 0 {
		return errors.New("matchmaking.interval must be positive")
	}
	if c.TickTimeout() < m.Interval {
		return fmt.Errorf("matchmaking.lock_ttl (%s) too short: tick deadline %s must be at least matchmaking.interval (%s)",
			m.LockTTL, c.TickTimeout(), m.Interval)
	}
	if m.MaxWait <= 0 {
		return errors.New("matchmaking.max_wait must be positive")
	}
	if m.WindowSize <= 0 {
		return errors.New("matchmaking.window_size must be positive")
	}

	if c.Session.StartTimeout <= 0 {
		return errors.New("session.start_timeout must be positive")
	}
	if c.Session.MaxSessions <= 0 {
		return errors.New("session.max_sessions must be positive")
	}
	if c.Session.CleanupInterval <= 0 {
		return errors.New("session.cleanup_interval must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// TickTimeout 單一 tick 的期限，保留 LockTTL 的 1/3 作為餘裕
func (c *Config) TickTimeout() time.Duration {
	return c.Matchmaking.LockTTL * 2 / 3
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

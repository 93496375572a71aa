package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Log         LogConfig                 `mapstructure:"log"`
	Storage     StorageConfig             `mapstructure:"storage"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Queue       QueueConfig               `mapstructure:"queue"`
	Tasks       TasksConfig               `mapstructure:"tasks"`
	Context     ContextConfig             `mapstructure:"context"`
	Workers     WorkersConfig             `mapstructure:"workers"`
	Classifier  ClassifierConfig          `mapstructure:"classifier"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	Workspace     string `mapstructure:"workspace"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects where sessions are persisted.
// Backend is one of "sqlite3", "mysql", "redis" or "memory".
type StorageConfig struct {
	Backend      string        `mapstructure:"backend"`
	DatabasePath string        `mapstructure:"database_path"`
	MySQL        MySQLConfig   `mapstructure:"mysql"`
	SaveTimeout  time.Duration `mapstructure:"save_timeout"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PublishReply bool   `mapstructure:"publish_replies"`
}

type QueueConfig struct {
	MaxDepth   int           `mapstructure:"max_depth"`
	MinWorkers int           `mapstructure:"min_workers"`
	MaxWorkers int           `mapstructure:"max_workers"`
	IdleExpiry time.Duration `mapstructure:"idle_expiry"`
}

type TasksConfig struct {
	PoolSize      int           `mapstructure:"pool_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ContextConfig struct {
	MaxTurns  int `mapstructure:"max_turns"`
	MaxChars  int `mapstructure:"max_chars"`
	MaxTasks  int `mapstructure:"max_tasks"`
	MaxTokens int `mapstructure:"max_tokens"`
}

// WorkersConfig picks the provider behind each capability.
type WorkersConfig struct {
	Provider   string        `mapstructure:"provider"`
	Timeout    time.Duration `mapstructure:"timeout"`
	WebSearch  bool          `mapstructure:"web_search"`
	CodeModel  string        `mapstructure:"code_model"`
	ReplyModel string        `mapstructure:"reply_model"`
}

// ClassifierConfig extends the built-in keyword sets.
type ClassifierConfig struct {
	BackgroundChars int      `mapstructure:"background_chars"`
	Approve         []string `mapstructure:"approve"`
	Reject          []string `mapstructure:"reject"`
	Refine          []string `mapstructure:"refine"`
	Research        []string `mapstructure:"research"`
	Mutation        []string `mapstructure:"mutation"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Every key can be overridden from the environment as COURIER_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Storage.DatabasePath != "" && !filepath.IsAbs(cfg.Storage.DatabasePath) {
		cfg.Storage.DatabasePath = filepath.Join(filepath.Dir(absPath), cfg.Storage.DatabasePath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8080")
	v.SetDefault("basic_config.workspace", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.backend", "sqlite3")
	v.SetDefault("storage.database_path", "courier.db")
	v.SetDefault("storage.save_timeout", "5s")
	v.SetDefault("storage.mysql.host", "127.0.0.1")
	v.SetDefault("storage.mysql.port", 3306)
	v.SetDefault("storage.mysql.user", "root")
	v.SetDefault("storage.mysql.password", "")
	v.SetDefault("storage.mysql.database", "courier")
	v.SetDefault("storage.mysql.params", "parseTime=true&charset=utf8mb4")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.publish_replies", false)
	v.SetDefault("queue.max_depth", 10)
	v.SetDefault("queue.min_workers", 2)
	v.SetDefault("queue.max_workers", 16)
	v.SetDefault("queue.idle_expiry", "30s")
	v.SetDefault("tasks.pool_size", 4)
	v.SetDefault("tasks.timeout", "30m")
	v.SetDefault("tasks.retention", "1h")
	v.SetDefault("tasks.sweep_interval", "5m")
	v.SetDefault("context.max_turns", 2)
	v.SetDefault("context.max_chars", 500)
	v.SetDefault("context.max_tasks", 3)
	v.SetDefault("context.max_tokens", 0)
	v.SetDefault("workers.provider", "openai")
	v.SetDefault("workers.timeout", "5m")
	v.SetDefault("workers.web_search", true)
	v.SetDefault("workers.code_model", "")
	v.SetDefault("workers.reply_model", "")
	v.SetDefault("classifier.background_chars", 1200)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "sqlite3":
		if c.Storage.DatabasePath == "" {
			errs = append(errs, errors.New("storage.database_path must be configured for sqlite3"))
		}
	case "mysql", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr must be configured for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend %q", c.Storage.Backend))
	}
	if c.Queue.MaxDepth <= 0 {
		errs = append(errs, errors.New("queue.max_depth must be positive"))
	}
	if c.Queue.MaxWorkers <= 0 {
		errs = append(errs, errors.New("queue.max_workers must be positive"))
	}
	if c.Tasks.PoolSize <= 0 {
		errs = append(errs, errors.New("tasks.pool_size must be positive"))
	}
	if c.Workers.Timeout <= 0 {
		errs = append(errs, errors.New("workers.timeout must be positive"))
	}
	if c.Context.MaxTurns < 0 || c.Context.MaxChars < 0 || c.Context.MaxTasks < 0 {
		errs = append(errs, errors.New("context limits must not be negative"))
	}
	if c.Redis.PublishReply && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.publish_replies requires redis.addr"))
	}
	return errors.Join(errs...)
}

// Provider returns the named provider block, falling back to the worker default.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if name == "" {
		name = c.Workers.Provider
	}
	p, ok := c.Providers[name]
	return p, ok
}

// DSN renders the go-sql-driver DSN for the configured server.
func (m MySQLConfig) DSN() string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", m.User, m.Password, m.Host, m.Port, m.Database)
	if m.Params != "" {
		dsn += "?" + m.Params
	}
	return dsn
}

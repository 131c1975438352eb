package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Store    StoreConfig    `yaml:"store"`
	Invoker  InvokerConfig  `yaml:"invoker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
}

// StorageConfig holds the filesystem roots for uploads and results
type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"`
	OutputDir string `yaml:"output_dir"`
}

// StoreConfig selects and configures the job store backend
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres DatabaseConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    RedisConfig    `yaml:"redis"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SQLiteConfig holds the SQLite database file location
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// InvokerConfig holds layout-OCR tool settings
type InvokerConfig struct {
	Binary             string        `yaml:"binary"`
	GPUProbeBinary     string        `yaml:"gpu_probe_binary"`
	Device             string        `yaml:"device"`
	Backend            string        `yaml:"backend"`
	Language           string        `yaml:"language"`
	TableMode          string        `yaml:"table_mode"`
	FormulaRecognition bool          `yaml:"formula_recognition"`
	Timeout            time.Duration `yaml:"timeout"`
}

// PipelineConfig holds orchestrator limits
type PipelineConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	ToolSlots         int           `yaml:"tool_slots"`
	EventTimeout      time.Duration `yaml:"event_timeout"`
}

// EventsConfig controls job lifecycle event publishing
type EventsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Queue       QueueConfig      `yaml:"queue"`
	RoutePrefix string           `yaml:"route_prefix"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds an optional queue bound to the exchange
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	BindingKey string `yaml:"binding_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// Load reads and parses the configuration file, then fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ocr-service"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.MaxUploadSize == 0 {
		c.Server.MaxUploadSize = 50 << 20
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "data/uploads"
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "data/outputs"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.Postgres.SSLMode == "" {
		c.Store.Postgres.SSLMode = "disable"
	}
	if c.Invoker.Timeout == 0 {
		c.Invoker.Timeout = 300 * time.Second
	}
	if c.Pipeline.MaxConcurrentJobs == 0 {
		c.Pipeline.MaxConcurrentJobs = 4
	}
	if c.Pipeline.ToolSlots == 0 {
		c.Pipeline.ToolSlots = 1
	}
	if c.Events.RabbitMQ.Exchange.Type == "" {
		c.Events.RabbitMQ.Exchange.Type = "topic"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.MaxUploadSize < 0 {
		return fmt.Errorf("server max_upload_size must not be negative")
	}

	if c.Storage.UploadDir == "" || c.Storage.OutputDir == "" {
		return fmt.Errorf("storage upload_dir and output_dir are required")
	}

	if c.Storage.UploadDir == c.Storage.OutputDir {
		return fmt.Errorf("storage upload_dir and output_dir must differ")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Store.Postgres.Port < MinPort || c.Store.Postgres.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Store.Postgres.Port, MinPort, MaxPort)
		}
		if c.Store.Postgres.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	switch c.Invoker.Device {
	case "", "auto", "gpu", "cpu":
	default:
		return fmt.Errorf("invalid invoker device: %s (must be auto, gpu or cpu)", c.Invoker.Device)
	}

	switch c.Invoker.Backend {
	case "", "pipeline", "vlm":
	default:
		return fmt.Errorf("invalid invoker backend: %s (must be pipeline or vlm)", c.Invoker.Backend)
	}

	if c.Invoker.Timeout < 0 {
		return fmt.Errorf("invoker timeout must not be negative")
	}

	if c.Pipeline.MaxConcurrentJobs < 0 || c.Pipeline.ToolSlots < 0 {
		return fmt.Errorf("pipeline limits must not be negative")
	}

	if c.Events.Enabled {
		if c.Events.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.Events.RabbitMQ.Port < MinPort || c.Events.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.Events.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.Events.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

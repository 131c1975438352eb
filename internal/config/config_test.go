package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadSize)
				assert.Equal(t, StorePostgres, cfg.Store.Driver)
				assert.Equal(t, "localhost", cfg.Store.Postgres.Host)
				assert.Equal(t, 5432, cfg.Store.Postgres.Port)
				assert.Equal(t, "ocr_db", cfg.Store.Postgres.Database)
				assert.Equal(t, 10*time.Minute, cfg.Invoker.Timeout)
				assert.True(t, cfg.Invoker.FormulaRecognition)
				assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentJobs)
				assert.Equal(t, "ocr_events", cfg.Events.RabbitMQ.Exchange.Name)
				assert.Equal(t, "ocr", cfg.Events.RabbitMQ.RoutePrefix)
				assert.Equal(t, 500*time.Millisecond, cfg.Events.RabbitMQ.Publish.RetryInterval)
				assert.Equal(t, "ocr-service", cfg.App.Name)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, "ocr-service", cfg.App.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(50<<20), cfg.Server.MaxUploadSize)
	assert.Equal(t, "data/uploads", cfg.Storage.UploadDir)
	assert.Equal(t, "data/outputs", cfg.Storage.OutputDir)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 300*time.Second, cfg.Invoker.Timeout)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentJobs)
	assert.Equal(t, 1, cfg.Pipeline.ToolSlots)
	assert.Equal(t, "topic", cfg.Events.RabbitMQ.Exchange.Type)
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.NoError(t, cfg.Validate())
}

func validConfig() *Config {
	cfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{UploadDir: "uploads", OutputDir: "outputs"},
		Store:   StoreConfig{Driver: StoreMemory},
	}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "same upload and output dir",
			mutate:    func(c *Config) { c.Storage.OutputDir = c.Storage.UploadDir },
			wantErr:   true,
			errString: "must differ",
		},
		{
			name:      "missing storage dir",
			mutate:    func(c *Config) { c.Storage.UploadDir = "" },
			wantErr:   true,
			errString: "upload_dir and output_dir are required",
		},
		{
			name:      "unknown store driver",
			mutate:    func(c *Config) { c.Store.Driver = "mongo" },
			wantErr:   true,
			errString: "unsupported store driver",
		},
		{
			name: "postgres store",
			mutate: func(c *Config) {
				c.Store.Driver = StorePostgres
				c.Store.Postgres = DatabaseConfig{Host: "localhost", Port: 5432, Database: "ocr_db"}
			},
		},
		{
			name: "empty database host",
			mutate: func(c *Config) {
				c.Store.Driver = StorePostgres
				c.Store.Postgres = DatabaseConfig{Port: 5432, Database: "ocr_db"}
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "invalid database port",
			mutate: func(c *Config) {
				c.Store.Driver = StorePostgres
				c.Store.Postgres = DatabaseConfig{Host: "localhost", Port: 0, Database: "ocr_db"}
			},
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "sqlite without path",
			mutate:    func(c *Config) { c.Store.Driver = StoreSQLite },
			wantErr:   true,
			errString: "sqlite path is required",
		},
		{
			name:      "redis without addr",
			mutate:    func(c *Config) { c.Store.Driver = StoreRedis },
			wantErr:   true,
			errString: "redis addr is required",
		},
		{
			name:      "invalid device",
			mutate:    func(c *Config) { c.Invoker.Device = "tpu" },
			wantErr:   true,
			errString: "invalid invoker device",
		},
		{
			name:      "invalid backend",
			mutate:    func(c *Config) { c.Invoker.Backend = "magic" },
			wantErr:   true,
			errString: "invalid invoker backend",
		},
		{
			name:      "negative pipeline limits",
			mutate:    func(c *Config) { c.Pipeline.ToolSlots = -1 },
			wantErr:   true,
			errString: "pipeline limits",
		},
		{
			name:      "events enabled without rabbitmq host",
			mutate:    func(c *Config) { c.Events.Enabled = true },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name: "events enabled without exchange",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.RabbitMQ.Host = "localhost"
				c.Events.RabbitMQ.Port = 5672
			},
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "events disabled ignores rabbitmq",
			mutate: func(c *Config) {
				c.Events.Enabled = false
				c.Events.RabbitMQ.Port = -1
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})

	t.Run("shipped service config", func(t *testing.T) {
		cfg, err := Load("../../configs/ocr-service/config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})
}

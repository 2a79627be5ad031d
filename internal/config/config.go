package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Admin    AdminConfig    `yaml:"admin"`
	Regroup  RegroupConfig  `yaml:"regroup"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // "local" or "s3"
	Path   string `yaml:"path"`   // local filesystem root

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
}

type AdminConfig struct {
	// Token guards the destructive endpoints (entry/group deletion,
	// regroup). Real authentication lives in the dashboard in front of
	// this service.
	Token string `yaml:"token"`
}

type RegroupConfig struct {
	Workers      int    `yaml:"workers"`
	PollInterval string `yaml:"poll_interval"` // e.g. "250ms"
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must be configured for the local driver")
		}
	case "s3":
		if c.Storage.S3Endpoint == "" || c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_endpoint and storage.s3_bucket must be configured for the s3 driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1313,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "bamboo.db",
		},
		Storage: StorageConfig{
			Driver: "local",
			Path:   "data/bundles",
		},
		Regroup: RegroupConfig{
			Workers:      2,
			PollInterval: "250ms",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BAMBOO_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BAMBOO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BAMBOO_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BAMBOO_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BAMBOO_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("BAMBOO_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BAMBOO_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3Endpoint = v
	}
	if v := os.Getenv("BAMBOO_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("BAMBOO_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3SecretKey = v
	}
	if v := os.Getenv("BAMBOO_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.S3UseSSL = b
		}
	}
	if v := os.Getenv("BAMBOO_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("BAMBOO_REGROUP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Regroup.Workers = n
		}
	}
	if v := os.Getenv("BAMBOO_REGROUP_POLL_INTERVAL"); v != "" {
		cfg.Regroup.PollInterval = v
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "0.0.0.0:1313" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.Database.Driver != "sqlite" || cfg.Storage.Driver != "local" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  host: 127.0.0.1
  port: 8080
database:
  driver: postgres
  dsn: postgres://localhost/bamboo
storage:
  driver: s3
  s3_endpoint: nyc3.digitaloceanspaces.com
  s3_bucket: fuzzing-output
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.Storage.S3Bucket != "fuzzing-output" {
		t.Errorf("bucket = %q", cfg.Storage.S3Bucket)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("config must validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BAMBOO_PORT", "9999")
	t.Setenv("BAMBOO_DB_DRIVER", "postgres")
	t.Setenv("BAMBOO_ADMIN_TOKEN", " secret ")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Admin.Token != "secret" {
		t.Errorf("token = %q", cfg.Admin.Token)
	}
}

func TestValidateServeRejectsBadStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "s3"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("s3 driver without endpoint/bucket must fail validation")
	}
	cfg.Storage.Driver = "tape"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("unknown driver must fail validation")
	}
}

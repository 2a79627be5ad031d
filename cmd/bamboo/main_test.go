package main

import (
	"testing"
	"time"

	"github.com/zigtools/bamboo/internal/config"
)

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"
	if _, err := openDB(cfg); err == nil {
		t.Fatal("unknown database driver must fail")
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "tape"
	if _, err := openStore(cfg); err == nil {
		t.Fatal("unknown storage driver must fail")
	}
}

func TestParsePollInterval(t *testing.T) {
	if got := parsePollInterval("150ms"); got != 150*time.Millisecond {
		t.Errorf("parsePollInterval(150ms) = %v", got)
	}
	if got := parsePollInterval("nonsense"); got != 0 {
		t.Errorf("parsePollInterval(nonsense) = %v, want 0", got)
	}
	if got := parsePollInterval("-1s"); got != 0 {
		t.Errorf("parsePollInterval(-1s) = %v, want 0", got)
	}
}

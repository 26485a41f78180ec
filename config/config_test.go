package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/nimbusdata/cdp-core/config"
)

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("ENV", "test")
	os.Setenv("CDP_WINDOW_SIZE", "10s")
	os.Setenv("CDP_POWER_USER_THRESHOLD", "3")
	defer func() {
		os.Unsetenv("ENV")
		os.Unsetenv("CDP_WINDOW_SIZE")
		os.Unsetenv("CDP_POWER_USER_THRESHOLD")
	}()

	cfg := config.Load()
	if cfg.Env != "test" {
		t.Fatalf("expected ENV=test, got %s", cfg.Env)
	}
	if cfg.WindowSize != 10*time.Second {
		t.Fatalf("expected WindowSize=10s, got %s", cfg.WindowSize)
	}
	if cfg.PowerUserThreshold != 3 {
		t.Fatalf("expected PowerUserThreshold=3, got %d", cfg.PowerUserThreshold)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := config.Load()
	if cfg.GracePeriod != 2*time.Minute {
		t.Fatalf("expected default GracePeriod=2m, got %s", cfg.GracePeriod)
	}
	if cfg.DedupTTL != 10*time.Minute {
		t.Fatalf("expected default DedupTTL=10m, got %s", cfg.DedupTTL)
	}
	if cfg.DedupBackend != "memory" {
		t.Fatalf("expected default DedupBackend=memory, got %s", cfg.DedupBackend)
	}
}

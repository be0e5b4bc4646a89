package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		t.Setenv(name, "")
		// t.Setenv with "" still counts as set-but-empty, which Load
		// treats the same as unset for required/optional lookups.
	}
}

func TestLoadRequiredVariablesPresent(t *testing.T) {
	t.Setenv("MGC_API_URL", "http://consent.local")
	t.Setenv("TOPICO_NOTIFICACOES_MGC", "notifications")
	t.Setenv("TOPICO_DADOS_DISPOSITIVOS", "data")
	t.Setenv("TOPICO_DADOS_PROCESSADOS", "processed")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ConsentServiceURL != "http://consent.local" {
		t.Fatalf("unexpected consent url: %q", cfg.ConsentServiceURL)
	}
	if cfg.RedisHost != "localhost" || cfg.RedisPort != 6379 {
		t.Fatalf("expected default redis settings, got %q:%d", cfg.RedisHost, cfg.RedisPort)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("expected default 1h ttl, got %v", cfg.CacheTTL)
	}
	if cfg.SchedulerTick != 2*time.Second {
		t.Fatalf("expected default 2s scheduler tick, got %v", cfg.SchedulerTick)
	}
}

func TestLoadMissingRequiredVariableErrors(t *testing.T) {
	clearEnv(t, "MGC_API_URL", "TOPICO_NOTIFICACOES_MGC", "TOPICO_DADOS_DISPOSITIVOS", "TOPICO_DADOS_PROCESSADOS")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error when required variables are missing")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("MGC_API_URL", "http://consent.local")
	t.Setenv("TOPICO_NOTIFICACOES_MGC", "notifications")
	t.Setenv("TOPICO_DADOS_DISPOSITIVOS", "data")
	t.Setenv("TOPICO_DADOS_PROCESSADOS", "processed")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("CACHE_TTL_TIME", "120")
	t.Setenv("SCHEDULER_TICK", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedisHost != "redis.internal" || cfg.RedisPort != 6380 {
		t.Fatalf("expected overridden redis settings, got %q:%d", cfg.RedisHost, cfg.RedisPort)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Fatalf("expected 2m ttl, got %v", cfg.CacheTTL)
	}
	if cfg.SchedulerTick != 5*time.Second {
		t.Fatalf("expected 5s scheduler tick, got %v", cfg.SchedulerTick)
	}
}

func TestLoadInvalidIntegerIsReportedAsMissing(t *testing.T) {
	t.Setenv("MGC_API_URL", "http://consent.local")
	t.Setenv("TOPICO_NOTIFICACOES_MGC", "notifications")
	t.Setenv("TOPICO_DADOS_DISPOSITIVOS", "data")
	t.Setenv("TOPICO_DADOS_PROCESSADOS", "processed")
	t.Setenv("REDIS_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error for a non-numeric REDIS_PORT")
	}
}

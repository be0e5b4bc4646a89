// Package config loads the gateway's process configuration from
// environment variables, following spec.md §6's external-interface
// names plus the ambient additions SPEC_FULL.md §4.I adds for
// telemetry, the admin HTTP surface, and the scheduler's poll cadence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"privacygateway/observability/otel"
)

// Config is the fully-resolved process configuration. Load never
// returns a partially-valid Config: either every required variable
// parses or it returns an error and the caller exits before doing any
// work (spec.md §6).
type Config struct {
	ConsentServiceURL string

	RedisHost     string
	RedisPort     int
	CacheTTL      time.Duration
	DueQueueKey   string

	MQTTHost string
	MQTTPort int

	NotificationTopic string
	DataTopic         string
	ProcessedTopic    string

	SchedulerTick time.Duration

	Environment     string
	AdminListenAddr string

	Telemetry otel.Config
}

// Load reads every variable Config needs from the process environment.
// Required variables with no sane default return an error naming the
// missing key; ambient variables fall back to a default suitable for
// local development.
func Load() (Config, error) {
	var cfg Config
	var missing []string

	cfg.ConsentServiceURL = required("MGC_API_URL", &missing)
	cfg.RedisHost = optional("REDIS_HOST", "localhost")
	cfg.RedisPort = optionalInt("REDIS_PORT", 6379, &missing)
	cfg.CacheTTL = optionalSeconds("CACHE_TTL_TIME", 3600, &missing)
	cfg.DueQueueKey = optional("AGGREGATION_TASK_QUEUE", "agg_queue")

	cfg.MQTTHost = optional("MQTT_HOST", "localhost")
	cfg.MQTTPort = optionalInt("MQTT_PORT", 1883, &missing)

	cfg.NotificationTopic = required("TOPICO_NOTIFICACOES_MGC", &missing)
	cfg.DataTopic = required("TOPICO_DADOS_DISPOSITIVOS", &missing)
	cfg.ProcessedTopic = required("TOPICO_DADOS_PROCESSADOS", &missing)

	cfg.SchedulerTick = optionalSeconds("SCHEDULER_TICK", 2, &missing)
	cfg.Environment = optional("GATEWAY_ENV", "development")
	cfg.AdminListenAddr = optional("ADMIN_LISTEN_ADDR", ":8080")

	cfg.Telemetry = otel.Config{
		ServiceName: optional("OTEL_SERVICE_NAME", "privacy-gateway"),
		Environment: cfg.Environment,
		Endpoint:    optional("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Insecure:    optionalBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		Headers:     otel.ParseHeaders(optional("OTEL_EXPORTER_OTLP_HEADERS", "")),
		Metrics:     optionalBool("OTEL_METRICS_ENABLED", true),
		Traces:      optionalBool("OTEL_TRACES_ENABLED", true),
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing or invalid required variables: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func required(name string, missing *[]string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		*missing = append(*missing, name)
	}
	return value
}

func optional(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func optionalInt(name string, fallback int, missing *[]string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*missing = append(*missing, name)
		return fallback
	}
	return value
}

func optionalSeconds(name string, fallbackSeconds int, missing *[]string) time.Duration {
	return time.Duration(optionalInt(name, fallbackSeconds, missing)) * time.Second
}

func optionalBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

package config

import (
	"strings"
	"time"

	pkgconfig "github.com/truongvando/ezstream-sub006/pkg/config"
)

// Config holds the orchestrator service configuration. Timeouts governing the
// watchdog and dispatcher are configuration, never hard-coded in core logic.
type Config struct {
	DatabaseURL  string
	JWTSecret    string
	ServiceToken string

	// RedisURL enables the durable Redis command queue when set; the
	// in-process queue is used otherwise.
	RedisURL string

	// KafkaBrokers enables the Kafka notification sink when non-empty.
	KafkaBrokers []string

	DispatchWorkers    int
	DispatchMaxRetries int
	DispatchBaseDelay  time.Duration

	WatchdogInterval time.Duration
	WatchdogGrace    time.Duration

	// DeleteStopWait bounds how long a delete waits for a forced stop to
	// resolve before removing the record anyway.
	DeleteStopWait time.Duration

	// FleetBootstrapFile optionally points at a YAML fleet definition that is
	// ensure-registered at startup.
	FleetBootstrapFile string
}

// Load reads the service configuration from the environment.
func Load() Config {
	cfg := Config{
		DatabaseURL:        pkgconfig.RequireEnv("DATABASE_URL"),
		JWTSecret:          pkgconfig.RequireEnv("JWT_SECRET"),
		ServiceToken:       pkgconfig.RequireEnv("SERVICE_TOKEN"),
		RedisURL:           pkgconfig.GetEnv("REDIS_URL", ""),
		DispatchWorkers:    pkgconfig.GetEnvInt("DISPATCH_WORKERS", 4),
		DispatchMaxRetries: pkgconfig.GetEnvInt("DISPATCH_MAX_RETRIES", 3),
		DispatchBaseDelay:  pkgconfig.GetEnvSeconds("DISPATCH_BASE_DELAY_SECONDS", 1*time.Second),
		WatchdogInterval:   pkgconfig.GetEnvSeconds("WATCHDOG_INTERVAL_SECONDS", 60*time.Second),
		WatchdogGrace:      pkgconfig.GetEnvSeconds("WATCHDOG_GRACE_SECONDS", 300*time.Second),
		DeleteStopWait:     pkgconfig.GetEnvSeconds("DELETE_STOP_WAIT_SECONDS", 10*time.Second),
		FleetBootstrapFile: pkgconfig.GetEnv("FLEET_BOOTSTRAP_FILE", ""),
	}

	if brokers := pkgconfig.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if v := strings.TrimSpace(b); v != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, v)
			}
		}
	}

	return cfg
}

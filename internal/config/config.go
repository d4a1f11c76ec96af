/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string
	DBBackend   DatabaseBackend
	DBDSN       string

	// CleaningTime pads every allocation on both sides so back-to-back
	// bookings never collide during teardown and setup.
	CleaningTime time.Duration

	// HealingInterval bounds how far ahead healing looks for affected
	// leases. Zero means unbounded.
	HealingInterval time.Duration

	PollingInterval  time.Duration
	BeforeEndDefault models.BeforeEndAction
	BeforeEndLead    time.Duration
	ExecutorSchedule string
	DriversPath      string

	// Enforcement configuration
	EnabledFilters   []string
	ExemptProjects   []string
	MaxLeaseDuration time.Duration

	// Messaging configuration
	NATSEnabled bool
	NATSURL     string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("BLAZAR_ENV", "development"),
		HTTPBind:    getEnv("BLAZAR_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("BLAZAR_HTTP_PORT", 8080),
		MetricsBind: getEnv("BLAZAR_METRICS_BIND", "127.0.0.1:9000"),
		DBBackend:   DatabaseBackend(getEnv("BLAZAR_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("BLAZAR_DB_DSN", ""),

		CleaningTime:     time.Duration(getEnvInt("BLAZAR_CLEANING_TIME_MINUTES", 0)) * time.Minute,
		HealingInterval:  time.Duration(getEnvInt("BLAZAR_HEALING_INTERVAL_MINUTES", 60)) * time.Minute,
		PollingInterval:  time.Duration(getEnvInt("BLAZAR_POLLING_INTERVAL_SECONDS", 60)) * time.Second,
		BeforeEndDefault: models.BeforeEndAction(getEnv("BLAZAR_BEFORE_END_DEFAULT", string(models.BeforeEndNone))),
		BeforeEndLead:    time.Duration(getEnvInt("BLAZAR_BEFORE_END_LEAD_MINUTES", 60)) * time.Minute,
		ExecutorSchedule: getEnv("BLAZAR_EXECUTOR_SCHEDULE", "@every 10s"),
		DriversPath:      getEnv("BLAZAR_DRIVERS_PATH", "drivers.yml"),

		EnabledFilters:   getEnvList("BLAZAR_ENABLED_FILTERS", nil),
		ExemptProjects:   getEnvList("BLAZAR_EXEMPT_PROJECTS", nil),
		MaxLeaseDuration: time.Duration(getEnvInt("BLAZAR_MAX_LEASE_DURATION_MINUTES", 0)) * time.Minute,

		NATSEnabled: getEnvBool("BLAZAR_NATS_ENABLED", false),
		NATSURL:     getEnv("BLAZAR_NATS_URL", "nats://localhost:4222"),

		TracingEnabled:    getEnvBool("BLAZAR_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("BLAZAR_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("BLAZAR_TRACING_SAMPLE_RATE", 1.0),

		LeaderElectionEnabled: getEnvBool("BLAZAR_LEADER_ELECTION_ENABLED", false),
		RedisAddr:             getEnv("BLAZAR_REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("BLAZAR_REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("BLAZAR_REDIS_DB", 0),
		InstanceID:            getEnv("BLAZAR_INSTANCE_ID", ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("BLAZAR_DB_DSN must be provided")
	}
	if !models.ValidBeforeEnd(cfg.BeforeEndDefault) {
		return nil, fmt.Errorf("unsupported before-end default %q", cfg.BeforeEndDefault)
	}
	if cfg.CleaningTime < 0 || cfg.HealingInterval < 0 {
		return nil, fmt.Errorf("cleaning time and healing interval must not be negative")
	}
	if cfg.LeaderElectionEnabled && cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("BLAZAR_INSTANCE_ID must be provided when leader election is enabled")
		}
		cfg.InstanceID = host
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvList splits a comma-separated environment value, dropping
// empty entries.
func getEnvList(key string, def []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

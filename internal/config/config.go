// Package config handles environment variable loading for ports, database
// strings, scheduler limits, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the orchestrator.
type Config struct {
	// DatabaseURL enables the PostgreSQL job store when set; otherwise the
	// in-memory store is used.
	DatabaseURL string

	// HTTPPort for the orchestrator API.
	HTTPPort int

	// MaxConcurrentStages caps per-job stage fan-out.
	MaxConcurrentStages int

	// JobDeadline is the default wall-clock budget per job.
	JobDeadline time.Duration

	// DeviceCatalog is the path to the YAML device inventory.
	DeviceCatalog string

	// SchedulerPolicy selects the allocation policy: "first-fit" or
	// "quality-aware".
	SchedulerPolicy string

	// OTELEndpoint is the OTLP collector address; empty disables tracing.
	OTELEndpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		HTTPPort:            7171,
		MaxConcurrentStages: 4,
		JobDeadline:         30 * time.Minute,
		DeviceCatalog:       os.Getenv("DEVICE_CATALOG"),
		SchedulerPolicy:     "first-fit",
		OTELEndpoint:        os.Getenv("OTEL_ENDPOINT"),
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.HTTPPort = p
	}

	if s := os.Getenv("MAX_CONCURRENT_STAGES"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_STAGES: %q", s)
		}
		cfg.MaxConcurrentStages = n
	}

	if s := os.Getenv("JOB_DEADLINE"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_DEADLINE: %w", err)
		}
		cfg.JobDeadline = d
	}

	if s := os.Getenv("SCHEDULER_POLICY"); s != "" {
		switch s {
		case "first-fit", "quality-aware":
			cfg.SchedulerPolicy = s
		default:
			return nil, fmt.Errorf("invalid SCHEDULER_POLICY: %q", s)
		}
	}

	if cfg.DeviceCatalog == "" {
		return nil, fmt.Errorf("DEVICE_CATALOG is required")
	}

	return cfg, nil
}

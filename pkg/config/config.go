// Package config holds typed configuration for the control plane.
// Values come from the environment (optionally seeded from a .env file);
// every knob has a built-in default so a bare deployment boots.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration assembled at boot.
type Config struct {
	HTTPPort  string
	PodID     string
	APISecret string

	// AllowedOrigins restricts CORS; /clusters/*/runs* paths are exempted
	// by a documented regex and accept any origin.
	AllowedOrigins []string

	Queue     *QueueConfig
	Agent     *AgentConfig
	Dispatch  *DispatchConfig
	Retention *RetentionConfig
}

// Load assembles configuration from the environment.
func Load() (*Config, error) {
	secret := os.Getenv("INFERABLE_API_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("INFERABLE_API_SECRET is required")
	}

	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "4000"),
		PodID:     resolvePodID(),
		APISecret: secret,
		Queue:     DefaultQueueConfig(),
		Agent:     DefaultAgentConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Retention: DefaultRetentionConfig(),
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	return cfg, nil
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

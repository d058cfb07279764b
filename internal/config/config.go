// Package config loads process configuration from environment
// variables (grounded in the env-var loader pattern this codebase has
// always used for its bot processes) and the YAML rule document that
// drives the rule resolver.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime knob the manager process needs.
type Config struct {
	RulesPath   string
	StorePath   string
	DryRun      bool
	CronSpec    string
	CallTimeout time.Duration
	WorkerPoolSize int
	MetricsPort int
	LogLevel    string

	MicroTimeframe       string
	StructureCandleLimit int
	MicroCandleLimit     int
	ATRPeriod            int
}

// FromEnv reads the process environment and returns a Config with
// defaults filled in for anything unset, matching this codebase's
// always-have-a-default env-loading convention.
func FromEnv() Config {
	return Config{
		RulesPath:            getEnv("USLTPM_RULES_PATH", "./universal_sl_tp_rules.yaml"),
		StorePath:            getEnv("USLTPM_STORE_PATH", "./usltpm.db"),
		DryRun:               getEnvBool("USLTPM_DRY_RUN", false),
		CronSpec:             getEnv("USLTPM_CRON_SPEC", "@every 30s"),
		CallTimeout:          getEnvDuration("USLTPM_CALL_TIMEOUT", 5*time.Second),
		WorkerPoolSize:       getEnvInt("USLTPM_WORKER_POOL_SIZE", 8),
		MetricsPort:          getEnvInt("USLTPM_METRICS_PORT", 9090),
		LogLevel:             getEnv("USLTPM_LOG_LEVEL", "info"),
		MicroTimeframe:       getEnv("USLTPM_MICRO_TIMEFRAME", "M1"),
		StructureCandleLimit: getEnvInt("USLTPM_STRUCTURE_CANDLE_LIMIT", 120),
		MicroCandleLimit:     getEnvInt("USLTPM_MICRO_CANDLE_LIMIT", 60),
		ATRPeriod:            getEnvInt("USLTPM_ATR_PERIOD", 14),
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Validate returns a descriptive error for configuration combinations
// that can never work, rather than failing obscurely later.
func (c Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("USLTPM_WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.ATRPeriod <= 0 {
		return fmt.Errorf("USLTPM_ATR_PERIOD must be positive, got %d", c.ATRPeriod)
	}
	return nil
}

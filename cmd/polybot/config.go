package main

import (
	"os"
	"strconv"
	"time"
)

// runtimeEnv collects the process-level wiring knobs that sit above the
// per-subsystem configs (arbitrage.ExecutorConfig, copytrade.PolicyConfig,
// tuner.Config already load their own ARB_*/COPY_*/DYNAMIC_TUNER_* vars).
// Style matches internal/config.Config's getEnv* helpers.
type runtimeEnv struct {
	DatabaseURL       string // gorm dsn (positions + dynamic params), sqlite by default
	MetricsDatabaseURL string // postgres dsn shared by the tuner's metrics collector and the copy-trade history log; empty disables both
	RedisAddr         string
	TelegramToken     string
	TelegramChatID    string
	HeartbeatInterval time.Duration
	DryRun            bool
}

func loadRuntimeEnv() runtimeEnv {
	return runtimeEnv{
		DatabaseURL:        getEnv("DATABASE_URL", "data/polybot.db"),
		MetricsDatabaseURL: getEnv("METRICS_DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		TelegramToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL_SECS", 30*time.Second),
		DryRun:             getEnvBool("DRY_RUN", true),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

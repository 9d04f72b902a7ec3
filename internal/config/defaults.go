package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Gateway 配置
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.cors_origins", []string{})
	viper.SetDefault("gateway.rate_limit.enabled", true)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 120)
	viper.SetDefault("gateway.rate_limit.burst", 20)
	viper.SetDefault("gateway.rate_limit.cleanup_interval", 5*time.Minute)
	viper.SetDefault("gateway.rate_limit.path_prefixes", []string{"/api/v1/webhooks/", "/api/v1/widgets/instances/"})

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.path", "~/.glance/glance.db")

	// Sandbox 配置
	viper.SetDefault("sandbox.timeout", 5*time.Second)
	viper.SetDefault("sandbox.max_concurrent", 8)
	viper.SetDefault("sandbox.acquire_timeout", 5*time.Second)
	viper.SetDefault("sandbox.http_allowlist", []string{})
	viper.SetDefault("sandbox.max_response_bytes", 5*1024*1024)

	// Cache 配置
	viper.SetDefault("cache.default_storage", "memory")

	// Schedule 配置
	viper.SetDefault("schedule.enabled", true)
	viper.SetDefault("schedule.timezone", "Local")
	viper.SetDefault("schedule.retry.max_attempts", 4)
	viper.SetDefault("schedule.retry.initial_delay", 250*time.Millisecond)
	viper.SetDefault("schedule.retry.max_delay", 5*time.Second)

	// Dashboard 配置
	viper.SetDefault("dashboard.concurrency", 4)

	// Packages 配置
	viper.SetDefault("packages.watch_dir", "~/.glance/packages")
	viper.SetDefault("packages.watch", true)
	viper.SetDefault("packages.author", "")
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量前缀，例如 GLANCE_GATEWAY_PORT
const EnvPrefix = "GLANCE"

// Config 是应用配置的根结构体
type Config struct {
	Version     string            `mapstructure:"version" yaml:"version"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox" yaml:"sandbox"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Schedule    ScheduleConfig    `mapstructure:"schedule" yaml:"schedule"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard" yaml:"dashboard"`
	Packages    PackagesConfig    `mapstructure:"packages" yaml:"packages"`
	Credentials map[string]string `mapstructure:"credentials" yaml:"credentials,omitempty"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Port        int             `mapstructure:"port" yaml:"port"`
	Host        string          `mapstructure:"host" yaml:"host"`
	CORSOrigins []string        `mapstructure:"cors_origins" yaml:"cors_origins"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig 限流配置，仅作用于数据写入类路径
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	PathPrefixes      []string      `mapstructure:"path_prefixes" yaml:"path_prefixes"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SandboxConfig 服务端组件代码的执行限制
type SandboxConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	HTTPAllowlist    []string      `mapstructure:"http_allowlist" yaml:"http_allowlist"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
}

// CacheConfig 组件实例缓存配置
type CacheConfig struct {
	// DefaultStorage 为 memory 或 sqlite
	DefaultStorage string `mapstructure:"default_storage" yaml:"default_storage"`
}

// ScheduleConfig agent_refresh 定时任务配置
type ScheduleConfig struct {
	Enabled  bool        `mapstructure:"enabled" yaml:"enabled"`
	Timezone string      `mapstructure:"timezone" yaml:"timezone"`
	Retry    RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// DashboardConfig 仪表盘渲染配置
type DashboardConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// PackagesConfig 组件包目录配置
type PackagesConfig struct {
	WatchDir string `mapstructure:"watch_dir" yaml:"watch_dir"`
	Watch    bool   `mapstructure:"watch" yaml:"watch"`
	// Author 写入导出包的 meta.author
	Author string `mapstructure:"author" yaml:"author"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// 忽略文件不存在错误
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置值
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool 获取布尔配置值
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)

	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 内部保存函数，调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	// credentials 段可能含有密钥，文件权限使用 0600
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 设置全局配置（仅用于测试）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}

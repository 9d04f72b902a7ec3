package cli

import (
	"errors"
	"sync"

	"glance/internal/config"
	"glance/internal/storage"
	"glance/pkg/logger"

	"github.com/rs/zerolog"
)

var errCLIContext = errors.New("CLI context not initialized")

// CLIContext CLI 上下文
type CLIContext struct {
	Config      *config.Config
	ConfigPath  string
	Logger      *zerolog.Logger
	storageOnce sync.Once
	storage     *storage.DB
	storageErr  error
	StoragePath string
	Verbose     bool
	Quiet       bool
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, storagePath string, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:      cfg,
		ConfigPath:  configPath,
		Logger:      log,
		StoragePath: storagePath,
		Verbose:     verbose,
		Quiet:       quiet,
	}
}

// GetStorage 获取存储连接（懒加载）
func (c *CLIContext) GetStorage() (*storage.DB, error) {
	c.storageOnce.Do(func() {
		c.storage, c.storageErr = storage.Open(c.StoragePath)
	})
	return c.storage, c.storageErr
}

// Close 关闭资源
func (c *CLIContext) Close() error {
	if c.storage != nil {
		err := c.storage.Close()
		c.storage = nil
		return err
	}
	return nil
}

// Log 获取 Logger
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}

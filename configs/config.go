// Package configs 应用配置的加载、默认值与热更新
package configs

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"log/slog"

	"github.com/lsm/neokai/internal/hub"
	"github.com/lsm/neokai/internal/transport/ws"
)

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  `mapstructure:"server"`
	Hub     hub.Config `mapstructure:"hub"`
	WS      ws.Config  `mapstructure:"ws"`
	Log     `mapstructure:"log"`
	Version string `mapstructure:"version"`
}

// NewDefaultConfig creates a new Config with default values
func NewDefaultConfig() Config {
	config := Config{}

	// 服务器默认配置
	config.Server.Addr = ":8080"

	// hub与transport默认配置
	config.Hub = hub.DefaultConfig()
	config.WS = ws.DefaultConfig()

	// 日志默认配置
	config.Log.Level = "info"

	// 版本默认配置
	config.Version = "dev"

	return config
}

// LoadConfig loads configuration from the specified file
func LoadConfig(configFile string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// 支持环境变量
	v.SetEnvPrefix("NEOKAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		slog.Error("Failed to read config file, using default config", "error", err)
		return NewDefaultConfig(), nil
	}

	config := NewDefaultConfig()
	if err := v.Unmarshal(&config); err != nil {
		slog.Error("Failed to unmarshal config, using default config", "error", err)
		return NewDefaultConfig(), nil
	}

	// 设置配置文件热更新
	SetupConfigHotReload(v, &config)

	return config, nil
}

// SetupConfigHotReload sets up hot reload for the configuration file
func SetupConfigHotReload(v *viper.Viper, config *Config) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("Config file changed")

		// 重新解析配置
		if err := v.Unmarshal(config); err != nil {
			slog.Error("Failed to unmarshal updated config", "error", err)
			return
		}

		slog.Info("Config reloaded successfully")
	})
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath syncd 默认配置文件
const DefaultConfigPath = "configs/syncd.yaml"

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port      int     `mapstructure:"port"`
	Host      string  `mapstructure:"host"`
	Timeout   string  `mapstructure:"timeout"`
	RateLimit float64 `mapstructure:"rate_limit"` // 每秒请求数上限，<=0 不限
}

// StoreConfig 快照持久化存储配置
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres | sqlite | badger
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	Path string `mapstructure:"path"` // sqlite 文件 / badger 目录
}

// CacheConfig 交接缓存配置
type CacheConfig struct {
	Type      string `mapstructure:"type"` // memory | redis
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Channel   string `mapstructure:"channel"`
	TTL       string `mapstructure:"ttl"` // 需大于用户跨进程重连的最坏传播延迟
	// OpTimeout 单次缓存调用上限；超时按缓存不可用处理并回退存储
	OpTimeout string `mapstructure:"op_timeout"`
}

// SyncConfig 协调器配置
type SyncConfig struct {
	SaveTimeout         string      `mapstructure:"save_timeout"`
	LoadTimeout         string      `mapstructure:"load_timeout"`
	TransitGrace        string      `mapstructure:"transit_grace"`         // CheckIn 等待其它进程保存的上限
	TransitPollInterval string      `mapstructure:"transit_poll_interval"` // 等待期间轮询 in-transit 标记的间隔
	AutoPinCauses       []string    `mapstructure:"auto_pin_causes"`
	Retry               RetryConfig `mapstructure:"retry"`
}

// RetryConfig 存储写入重试配置
type RetryConfig struct {
	MaxAttempts     int    `mapstructure:"max_attempts"` // 含首次
	InitialInterval string `mapstructure:"initial_interval"`
	MaxInterval     string `mapstructure:"max_interval"`
}

// RetentionConfig 历史快照留存配置
type RetentionConfig struct {
	Enable       bool    `mapstructure:"enable"`
	MaxSnapshots int     `mapstructure:"max_snapshots"` // 每用户保留的未 pin 快照数，0 表示不限
	MaxAge       string  `mapstructure:"max_age"`       // 未 pin 快照最长保留时间，空表示不限
	ScanInterval string  `mapstructure:"scan_interval"`
	PruneRate    float64 `mapstructure:"prune_rate"` // 每秒最多清理的用户数
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SecretsConfig 解析 store.dsn、cache.password 中 "secret:<key>" 引用的来源
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | file | vault
	Dir      string      `mapstructure:"dir"`      // provider=file
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("store.type", "memory")
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.key_prefix", "usersync")
	v.SetDefault("cache.channel", "usersync:updates")
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.op_timeout", "500ms")
	v.SetDefault("sync.save_timeout", "10s")
	v.SetDefault("sync.load_timeout", "5s")
	v.SetDefault("sync.transit_grace", "3s")
	v.SetDefault("sync.transit_poll_interval", "100ms")
	v.SetDefault("sync.auto_pin_causes", []string{"inventory_command", "enderchest_command", "backup_restore"})
	v.SetDefault("sync.retry.max_attempts", 3)
	v.SetDefault("sync.retry.initial_interval", "100ms")
	v.SetDefault("sync.retry.max_interval", "2s")
	v.SetDefault("retention.max_snapshots", 16)
	v.SetDefault("retention.scan_interval", "1h")
	v.SetDefault("retention.prune_rate", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.tracing.service_name", "usersync")
	v.SetDefault("secrets.provider", "env")
}

// Default 返回仅含默认值的配置（无配置文件时使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadSyncdConfig 加载 syncd 配置；USERSYNC_CONFIG 可覆盖路径
func LoadSyncdConfig() (*Config, error) {
	path := DefaultConfigPath
	if p := os.Getenv("USERSYNC_CONFIG"); p != "" {
		path = p
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换配置中 ${VAR} 形式的敏感字段
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.Cache.Password = expandEnv(config.Cache.Password)
	config.Secrets.Vault.Address = expandEnv(config.Secrets.Vault.Address)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// Validate 校验存储/缓存类型与必填项
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for store.type=postgres")
		}
	case "sqlite", "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for store.type=%s", c.Store.Type)
		}
	default:
		return fmt.Errorf("unsupported store.type: %s", c.Store.Type)
	}
	switch c.Cache.Type {
	case "", "memory":
	case "redis":
		if c.Cache.Addr == "" {
			return fmt.Errorf("cache.addr is required for cache.type=redis")
		}
	default:
		return fmt.Errorf("unsupported cache.type: %s", c.Cache.Type)
	}
	switch c.Secrets.Provider {
	case "", "env", "file", "vault":
	default:
		return fmt.Errorf("unsupported secrets.provider: %s", c.Secrets.Provider)
	}
	if c.Sync.Retry.MaxAttempts < 0 {
		return fmt.Errorf("sync.retry.max_attempts must be >= 0")
	}
	return nil
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}

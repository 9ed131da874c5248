package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"SAID-Chain/internal/state"
	"SAID-Chain/pkg/logger"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SAID_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "said.yaml")

// Config 描述 SAID 启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Events        EventsConfig        `json:"events" yaml:"events"`
	Clock         ClockConfig         `json:"clock" yaml:"clock"`
	Program       ProgramConfig       `json:"program" yaml:"program"`
	Rent          state.Rent          `json:"rent" yaml:"rent"`
	Logging       logger.Config       `json:"logging" yaml:"logging"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// ServerConfig 控制 API 服务的监听参数。
type ServerConfig struct {
	Address         string `json:"address" yaml:"address"`
	EnableFaucet    bool   `json:"enable_faucet" yaml:"enable_faucet"`
	ShutdownSeconds int    `json:"shutdown_seconds" yaml:"shutdown_seconds"`
}

// ShutdownTimeout 返回优雅退出的等待时长。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// AuthConfig 描述调用方认证方式。
type AuthConfig struct {
	Mode        string `json:"mode" yaml:"mode"`
	SkewSeconds int    `json:"skew_seconds" yaml:"skew_seconds"`
}

// Skew 返回签名时间戳允许的偏差。
func (c AuthConfig) Skew() time.Duration {
	return time.Duration(c.SkewSeconds) * time.Second
}

// StorageConfig 描述记录存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	SkipMigrations         bool   `json:"skip_migrations" yaml:"skip_migrations"`
}

// EventsConfig 描述事件发布通道。
type EventsConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Consumers  int            `json:"consumers" yaml:"consumers"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	// Replay 在启动时把 outbox 中序号大于 ReplayAfter 的事件重新发布一遍。
	Replay      bool   `json:"replay" yaml:"replay"`
	ReplayAfter uint64 `json:"replay_after" yaml:"replay_after"`
}

// RedisConfig 描述 Redis 事件列表。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	List      string `json:"list" yaml:"list"`
	BlockWait int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// ClockConfig 选择操作时间戳的来源。
type ClockConfig struct {
	Source          string `json:"source" yaml:"source"`
	ChainsFile      string `json:"chains_file" yaml:"chains_file"`
	Chain           string `json:"chain" yaml:"chain"`
	RPCURL          string `json:"rpc_url" yaml:"rpc_url"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// CacheTTL 返回链上时间的缓存时长。
func (c ClockConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ProgramConfig 描述程序标识与协议费用。
type ProgramConfig struct {
	ID              string `json:"id" yaml:"id"`
	RegistrationFee uint64 `json:"registration_fee" yaml:"registration_fee"`
	ValidationFee   uint64 `json:"validation_fee" yaml:"validation_fee"`
}

// ObservabilityConfig 描述指标与告警。
type ObservabilityConfig struct {
	MetricsAddress string         `json:"metrics_address" yaml:"metrics_address"`
	Alerting       AlertingConfig `json:"alerting" yaml:"alerting"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL     string            `json:"webhook_url" yaml:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers" yaml:"webhook_headers"`
}

// LoadFromEnv 读取 SAID_CONFIG 指定的配置，未设置时使用 DefaultPath。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// Load 解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "signature"
	}
	if c.Auth.SkewSeconds <= 0 {
		c.Auth.SkewSeconds = 300
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.Consumers <= 0 {
		c.Events.Consumers = 1
	}

	if c.Clock.Source == "" {
		c.Clock.Source = "system"
	}
	if c.Clock.CacheTTLSeconds <= 0 {
		c.Clock.CacheTTLSeconds = 2
	}
	if c.Clock.ChainsFile != "" && !filepath.IsAbs(c.Clock.ChainsFile) {
		c.Clock.ChainsFile = filepath.Join(baseDir, c.Clock.ChainsFile)
	}

	if c.Program.RegistrationFee == 0 {
		c.Program.RegistrationFee = 5_000_000
	}
	if c.Program.ValidationFee == 0 {
		c.Program.ValidationFee = 1_000_000
	}

	defaults := state.DefaultRent()
	if c.Rent.LamportsPerByteYear == 0 {
		c.Rent.LamportsPerByteYear = defaults.LamportsPerByteYear
	}
	if c.Rent.ExemptionYears == 0 {
		c.Rent.ExemptionYears = defaults.ExemptionYears
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "saidd"
	}
	for i, p := range c.Logging.OutputPaths {
		c.Logging.OutputPaths[i] = resolvePath(baseDir, p)
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

func resolvePath(baseDir, p string) string {
	switch p {
	case "", "stdout", "stderr":
		return p
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Validate 检查驱动名称与必填项。
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "signature", "header":
	default:
		return fmt.Errorf("未知的认证方式: %s", c.Auth.Mode)
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("mysql 存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("redis 事件通道需要配置 address")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 事件通道需要配置 url")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	switch c.Clock.Source {
	case "system":
	case "chain":
		if c.Clock.RPCURL == "" && c.Clock.ChainsFile == "" {
			return errors.New("chain 时钟需要配置 rpc_url 或 chains_file")
		}
	default:
		return fmt.Errorf("未知的时钟来源: %s", c.Clock.Source)
	}
	return nil
}

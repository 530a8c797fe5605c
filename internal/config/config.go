package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"AgentCustody/internal/identity"
)

// Config 描述了托管服务在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"settlement_queue"`
	Venues    VenueConfig     `json:"venues"`
	Ledger    LedgerConfig    `json:"ledger"`
	Policy    PolicyConfig    `json:"policy"`
	Consensus ConsensusConfig `json:"consensus"`
	Fees      FeesConfig      `json:"fees"`
	Identity  IdentityConfig  `json:"identity"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
}

// AlertingConfig 描述告警通知的外部接收端。留空则只写日志不外发。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址。留空则不单独启动指标服务。
type MetricsConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述操作记录存储的连接信息。
type StorageConfig struct {
	RecordStore RecordStoreConfig `json:"record_store"`
}

// RecordStoreConfig 支持 memory 与 mysql 两种驱动。
type RecordStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述结算队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// VenueConfig 指向场所定义文件并指定默认场所。
type VenueConfig struct {
	Definitions  string `json:"definitions"`
	DefaultVenue string `json:"default_venue"`
}

// LedgerConfig 描述托管账本的接入方式。
type LedgerConfig struct {
	Driver        string `json:"driver"`
	RPCURL        string `json:"rpc_url"`
	Vault         string `json:"vault"`
	ChainID       int64  `json:"chain_id"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// PolicyConfig 描述策略控制器的初始上限与白名单。
type PolicyConfig struct {
	Admin               string   `json:"admin"`
	Agent               string   `json:"agent"`
	MaxSlippageBps      int64    `json:"max_slippage_bps"`
	MaxPositionSize     string   `json:"max_position_size"`
	DailyOperationLimit int      `json:"daily_operation_limit"`
	Venues              []string `json:"venues"`
	ApprovedAssets      []string `json:"approved_assets"`
}

// ConsensusConfig 描述共识模块的签名人集合与法定人数。
type ConsensusConfig struct {
	Admin                 string   `json:"admin"`
	Signers               []string `json:"signers"`
	RequiredConfirmations int      `json:"required_confirmations"`
	CooldownSeconds       int64    `json:"cooldown_seconds"`
}

// FeesConfig 描述费用核算与结算调度的参数。
type FeesConfig struct {
	Admin             string `json:"admin"`
	ManagementFeeBps  int64  `json:"management_fee_bps"`
	PerformanceFeeBps int64  `json:"performance_fee_bps"`
	Recipient         string `json:"recipient"`
	SettlementAsset   string `json:"settlement_asset"`
	IntervalSeconds   int64  `json:"interval_seconds"`
}

// IdentityConfig 描述 API 身份认证的模式与凭证。
type IdentityConfig struct {
	Mode        string                `json:"mode"`
	Credentials []identity.Credential `json:"credentials"`
}

// LoggingConfig 描述日志输出与审计流的参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.RecordStore.Driver == "" {
		c.Storage.RecordStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}

	if c.Venues.Definitions != "" && !filepath.IsAbs(c.Venues.Definitions) {
		c.Venues.Definitions = filepath.Join(baseDir, c.Venues.Definitions)
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}

	if c.Policy.DailyOperationLimit <= 0 {
		c.Policy.DailyOperationLimit = 100
	}
	if c.Policy.MaxSlippageBps <= 0 {
		c.Policy.MaxSlippageBps = 100
	}

	if c.Consensus.RequiredConfirmations <= 0 {
		c.Consensus.RequiredConfirmations = 1
	}

	if c.Fees.IntervalSeconds <= 0 {
		c.Fees.IntervalSeconds = 3600
	}

	if c.Identity.Mode == "" {
		c.Identity.Mode = string(identity.ModeAPIKey)
	}
}

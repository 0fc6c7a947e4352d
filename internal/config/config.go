package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 ChainKeeper 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	EvalQueue QueueConfig     `json:"eval_queue"`
	Web3      Web3Config      `json:"web3"`
	Checker   CheckerConfig   `json:"checker"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述任务与判定记录的持久化后端。
type StorageConfig struct {
	TaskStore   TaskStoreConfig   `json:"task_store"`
	DecisionLog DecisionLogConfig `json:"decision_log"`
}

// TaskStoreConfig 描述任务配置存储，支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// DecisionLogConfig 描述判定历史的落库方式。
type DecisionLogConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述求值队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与链定义文件。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// CheckerConfig 控制求值预算与默认 gas 上限。
type CheckerConfig struct {
	BudgetUnits          uint64 `json:"budget_units"`
	DefaultGasCeilingWei string `json:"default_gas_ceiling_wei"`
}

// SchedulerConfig 控制触发器调度行为。
type SchedulerConfig struct {
	SyncIntervalSeconds int `json:"sync_interval_seconds"`
	BlockPollSeconds    int `json:"block_poll_seconds"`
}

// ExecutorConfig 控制正向判定的执行方式。dry_run 仅记录不上链。
type ExecutorConfig struct {
	Mode string `json:"mode"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	SlackWebhook string `json:"slack_webhook"`
	SlackChannel string `json:"slack_channel"`
}

// LoggingConfig 描述日志输出方式。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.DecisionLog.Driver == "" {
		c.Storage.DecisionLog.Driver = "memory"
	}

	if c.EvalQueue.Driver == "" {
		c.EvalQueue.Driver = "memory"
	}
	if c.EvalQueue.Worker <= 0 {
		c.EvalQueue.Worker = 4
	}

	if c.Checker.BudgetUnits == 0 {
		c.Checker.BudgetUnits = 1000
	}

	if c.Scheduler.SyncIntervalSeconds <= 0 {
		c.Scheduler.SyncIntervalSeconds = 30
	}
	if c.Scheduler.BlockPollSeconds <= 0 {
		c.Scheduler.BlockPollSeconds = 12
	}

	if c.Executor.Mode == "" {
		c.Executor.Mode = "dry_run"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

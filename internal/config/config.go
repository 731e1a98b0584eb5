package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service       ServiceConfig       `yaml:"service" json:"service"`
	Postgres      PostgresConfig      `yaml:"postgres" json:"postgres"`
	Redis         RedisConfig         `yaml:"redis" json:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka" json:"kafka"`
	ChainWatcher  ChainWatcherConfig  `yaml:"chain_watcher" json:"chain_watcher"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
	Custody       CustodyConfig       `yaml:"custody" json:"custody"`
	Telegram      TelegramConfig      `yaml:"telegram" json:"telegram"`
	Orders        OrdersConfig        `yaml:"orders" json:"orders"`
	Queues        QueuesConfig        `yaml:"queues" json:"queues"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" json:"scheduler"`
	Log           LogConfig           `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string   `yaml:"brokers" json:"brokers"`
	GroupID  string     `yaml:"group_id" json:"group_id"`
	ClientID string     `yaml:"client_id" json:"client_id"`
	SASL     SASLConfig `yaml:"sasl" json:"sasl"`
}

// SASLConfig Kafka SASL 认证配置
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Mechanism string `yaml:"mechanism" json:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
}

// ChainWatcherConfig 链上观察事件消费配置
type ChainWatcherConfig struct {
	Topic          string `yaml:"topic" json:"topic"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
}

// NotificationsConfig 通知下发配置
type NotificationsConfig struct {
	Topic string `yaml:"topic" json:"topic"`
}

// CustodyConfig 托管签名服务配置
type CustodyConfig struct {
	RPCURL         string `yaml:"rpc_url" json:"rpc_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// TelegramConfig Telegram Bot 配置
type TelegramConfig struct {
	BotToken              string `yaml:"bot_token" json:"bot_token"`
	APIURL                string `yaml:"api_url" json:"api_url"`
	TimeoutSeconds        int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	InviteTTLHours        int    `yaml:"invite_ttl_hours" json:"invite_ttl_hours"`
	BreakerFailures       int    `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerTimeoutSeconds int    `yaml:"breaker_timeout_seconds" json:"breaker_timeout_seconds"`
}

// OrdersConfig 订单配置
type OrdersConfig struct {
	AllowFreeListings bool `yaml:"allow_free_listings" json:"allow_free_listings"`
	ExpireBatchSize   int  `yaml:"expire_batch_size" json:"expire_batch_size"`
}

// QueuesConfig 三个异步派发队列
type QueuesConfig struct {
	ChannelAccess QueueConfig `yaml:"channel_access" json:"channel_access"`
	Refund        QueueConfig `yaml:"refund" json:"refund"`
	Notification  QueueConfig `yaml:"notification" json:"notification"`
}

// QueueConfig 单个队列配置
type QueueConfig struct {
	Name                     string `yaml:"name" json:"name"`
	MaxRetries               int    `yaml:"max_retries" json:"max_retries"`
	BackoffCapSeconds        int    `yaml:"backoff_cap_seconds" json:"backoff_cap_seconds"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds" json:"visibility_timeout_seconds"`
	BatchSize                int    `yaml:"batch_size" json:"batch_size"`
	PollIntervalMs           int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	Enabled           bool                 `yaml:"enabled" json:"enabled"`
	MaxConcurrentJobs int                  `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	Jobs              map[string]JobConfig `yaml:"jobs" json:"jobs"`
}

// JobConfig 单个任务配置
type JobConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Cron    string `yaml:"cron" json:"cron"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 内容，展开环境变量并填充默认值
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, defaultVal, _ := strings.Cut(rest[start+2:end], ":")
		value := os.Getenv(name)
		if value == "" {
			value = defaultVal
		}

		b.WriteString(rest[:start])
		b.WriteString(value)
		rest = rest[end+1:]
	}
	b.WriteString(rest)
	return b.String()
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "chanpass-fulfillment"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8081
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if len(cfg.Redis.Addresses) == 0 {
		cfg.Redis.Addresses = []string{"localhost:6379"}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.ChainWatcher.Topic == "" {
		cfg.ChainWatcher.Topic = "payment-observed"
	}
	if cfg.ChainWatcher.MaxRetries == 0 {
		cfg.ChainWatcher.MaxRetries = 3
	}
	if cfg.ChainWatcher.RetryBackoffMs == 0 {
		cfg.ChainWatcher.RetryBackoffMs = 200
	}

	if cfg.Notifications.Topic == "" {
		cfg.Notifications.Topic = "notifications-outbound"
	}

	if cfg.Custody.TimeoutSeconds == 0 {
		cfg.Custody.TimeoutSeconds = 15
	}

	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org"
	}
	if cfg.Telegram.TimeoutSeconds == 0 {
		cfg.Telegram.TimeoutSeconds = 10
	}
	if cfg.Telegram.InviteTTLHours == 0 {
		cfg.Telegram.InviteTTLHours = 24
	}
	if cfg.Telegram.BreakerFailures == 0 {
		cfg.Telegram.BreakerFailures = 5
	}
	if cfg.Telegram.BreakerTimeoutSeconds == 0 {
		cfg.Telegram.BreakerTimeoutSeconds = 30
	}

	if cfg.Orders.ExpireBatchSize == 0 {
		cfg.Orders.ExpireBatchSize = 500
	}

	queueDefaults(&cfg.Queues.ChannelAccess, "channel-access", 5, 300)
	queueDefaults(&cfg.Queues.Refund, "refund-transaction", 5, 900)
	queueDefaults(&cfg.Queues.Notification, "notification", 3, 300)

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 2
	}
	if cfg.Scheduler.Jobs == nil {
		cfg.Scheduler.Jobs = make(map[string]JobConfig)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func queueDefaults(q *QueueConfig, name string, maxRetries, backoffCap int) {
	if q.Name == "" {
		q.Name = name
	}
	if q.MaxRetries == 0 {
		q.MaxRetries = maxRetries
	}
	if q.BackoffCapSeconds == 0 {
		q.BackoffCapSeconds = backoffCap
	}
	if q.VisibilityTimeoutSeconds == 0 {
		q.VisibilityTimeoutSeconds = 30
	}
	// 单批最多 10 条
	if q.BatchSize <= 0 || q.BatchSize > 10 {
		q.BatchSize = 10
	}
	if q.PollIntervalMs == 0 {
		q.PollIntervalMs = 1000
	}
}

package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Provider ProviderConfig `mapstructure:"provider"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Cron     CronConfig     `mapstructure:"cron"`
	Billing  BillingConfig  `mapstructure:"billing"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DataDir  string `mapstructure:"data_dir"` // 数据库、日志、预览图的根目录
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// ProviderConfig 远端AI计算服务配置
type ProviderConfig struct {
	BaseURL       string            `mapstructure:"base_url"`       // 服务地址
	APIKey        string            `mapstructure:"api_key"`        // 接口密钥
	WebhookSecret string            `mapstructure:"webhook_secret"` // 回调签名密钥，为空则不校验
	TimeoutSec    int               `mapstructure:"timeout_sec"`    // 单次远端调用超时（秒）
	Workflows     map[string]string `mapstructure:"workflows"`      // 任务类型 -> 远端工作流ID
}

// QueueConfig 任务队列与轮询配置
type QueueConfig struct {
	MaxConcurrent   int `mapstructure:"max_concurrent"`    // 同时轮询的任务上限
	PollIntervalSec int `mapstructure:"poll_interval_sec"` // 轮询间隔（秒）
	MaxAttempts     int `mapstructure:"max_attempts"`      // 轮询次数上限
}

// StreamConfig 状态推送通道配置
type StreamConfig struct {
	IntervalSec    int `mapstructure:"interval_sec"`     // 推送轮询间隔（秒），比 Watcher 更粗
	MaxDurationSec int `mapstructure:"max_duration_sec"` // 单连接最长持续时间（秒）
}

// CronConfig 定时批处理配置
type CronConfig struct {
	Spec           string `mapstructure:"spec"`             // 内部调度表达式
	TriggerSecret  string `mapstructure:"trigger_secret"`   // 外部触发接口的共享密钥
	RetryBatchSize int    `mapstructure:"retry_batch_size"` // 单次处理的重试队列条数
	StaleAfterMin  int    `mapstructure:"stale_after_min"`  // 任务停滞多久视为过期（分钟）
	StaleBatchSize int    `mapstructure:"stale_batch_size"` // 单次重新对账的任务数上限
}

// BillingConfig 积分计费配置
type BillingConfig struct {
	InitialBalance int64            `mapstructure:"initial_balance"` // 新注册用户的初始积分
	Costs          map[string]int64 `mapstructure:"costs"`           // 任务类型 -> 单次消耗积分
}

// CostFor 返回指定任务类型的积分消耗，未配置时为0（免费）
func (b BillingConfig) CostFor(kind string) int64 {
	return b.Costs[kind]
}

// PollInterval 轮询间隔
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSec) * time.Second
}

// Interval 推送间隔
func (s StreamConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// MaxDuration 推送通道最长持续时间
func (s StreamConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSec) * time.Second
}

// StaleAfter 任务停滞阈值
func (c CronConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMin) * time.Minute
}

// Timeout 远端调用超时
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.data_dir", "data")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "remove-anything")

	// 远端服务默认配置
	viper.SetDefault("provider.base_url", "https://www.runninghub.cn")
	viper.SetDefault("provider.timeout_sec", 30)

	// 队列默认配置
	viper.SetDefault("queue.max_concurrent", 3)
	viper.SetDefault("queue.poll_interval_sec", 5)
	viper.SetDefault("queue.max_attempts", 60)

	// 推送通道默认配置
	viper.SetDefault("stream.interval_sec", 10)
	viper.SetDefault("stream.max_duration_sec", 600)

	// 定时批处理默认配置
	viper.SetDefault("cron.spec", "@every 5m")
	viper.SetDefault("cron.retry_batch_size", 20)
	viper.SetDefault("cron.stale_after_min", 30)
	viper.SetDefault("cron.stale_batch_size", 20)

	// 计费默认配置
	viper.SetDefault("billing.initial_balance", 10)
	viper.SetDefault("billing.costs", map[string]int64{
		"background_removal":      1,
		"watermark_removal":       1,
		"video_watermark_removal": 5,
	})
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent 必须大于0")
	}
	if config.Queue.PollIntervalSec <= 0 || config.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("队列轮询参数必须大于0")
	}

	// 三层超时必须保持一致：Watcher 上限 < 推送通道上限 < 定时对账阈值，
	// 保证定时批处理是兜底而不是主要的失败探测器
	watcherCeiling := time.Duration(config.Queue.PollIntervalSec*config.Queue.MaxAttempts) * time.Second
	if config.Stream.MaxDuration() < watcherCeiling {
		return fmt.Errorf("stream.max_duration_sec 不能小于 Watcher 的轮询总时长 %v", watcherCeiling)
	}
	if config.Cron.StaleAfter() < config.Stream.MaxDuration() {
		return fmt.Errorf("cron.stale_after_min 不能小于 stream.max_duration_sec")
	}
	return nil
}

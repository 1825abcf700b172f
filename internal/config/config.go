package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Log        LogConfig        `mapstructure:"log"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Payment    PaymentConfig    `mapstructure:"payment"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	WorkerID int64  `mapstructure:"worker_id"` // 雪花算法节点号，多实例部署时必须不同
	Mode     string `mapstructure:"mode"`

	AllowOrigins []string `mapstructure:"allow_origins"` // 结果页等前端页面所在的域名
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // silent / error / warn / info
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentResult string `mapstructure:"payment_result"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text / json
}

// ReconcilerConfig 回调对账的重试策略
type ReconcilerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
}

type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Plans    []PlanSeed    `mapstructure:"plans"` // 启动时写入 membership_plan，已存在的按 id 覆盖
}

// PlanSeed 配置文件中的会员套餐
type PlanSeed struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Price        string   `mapstructure:"price"`
	Currency     string   `mapstructure:"currency"`
	DurationDays int      `mapstructure:"duration_days"`
	Features     []string `mapstructure:"features"`
	Active       bool     `mapstructure:"active"`
}

type PaymentConfig struct {
	ResultURL       string `mapstructure:"result_url"` // 同步跳转回调处理完后，浏览器被重定向到的结果页
	DefaultCurrency string `mapstructure:"default_currency"`
}

type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

// Default 缺省配置，配置文件中没有的键保持这里的值
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, WorkerID: 1, Mode: "release", AllowOrigins: []string{"*"}},
		MySQL: MySQLConfig{
			Host:         "127.0.0.1",
			Port:         3306,
			User:         "root",
			Database:     "visabilling",
			MaxOpenConns: 50,
			MaxIdleConns: 10,
			LogLevel:     "warn",
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Kafka: KafkaConfig{
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   KafkaTopicConfig{PaymentResult: "payment_result"},
		},
		Log:        LogConfig{Level: "info", Format: "json"},
		Reconciler: ReconcilerConfig{MaxAttempts: 5, BaseBackoff: 20 * time.Millisecond},
		Catalog:    CatalogConfig{CacheTTL: 5 * time.Minute},
		Payment:    PaymentConfig{ResultURL: "/payment/result", DefaultCurrency: "CNY"},
		Outbox: OutboxConfig{
			Interval:      500 * time.Millisecond,
			BatchSize:     100,
			MaxRetryCount: 5,
			LockTTL:       10 * time.Second,
		},
	}
}

// Load 读取配置文件，环境变量 VISABILLING_<SECTION>_<KEY> 优先级更高
// 例如 VISABILLING_MYSQL_PASSWORD 覆盖 mysql.password
func Load(configPath string) (*Config, error) {
	// 本地开发时允许用 .env 提供敏感配置，文件不存在不算错误
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VISABILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 启动前的基本校验
func (c *Config) Validate() error {
	if c.Reconciler.MaxAttempts < 1 {
		return fmt.Errorf("reconciler.max_attempts 必须 >= 1，当前: %d", c.Reconciler.MaxAttempts)
	}
	if c.Server.WorkerID < 0 || c.Server.WorkerID > 1023 {
		return fmt.Errorf("server.worker_id 必须在 0-1023 之间，当前: %d", c.Server.WorkerID)
	}
	if c.Payment.ResultURL == "" {
		return fmt.Errorf("payment.result_url 不能为空")
	}
	for _, p := range c.Catalog.Plans {
		if p.ID == "" {
			return fmt.Errorf("catalog.plans 中存在没有 id 的套餐")
		}
		if p.DurationDays <= 0 {
			return fmt.Errorf("catalog.plans[%s].duration_days 必须 > 0，当前: %d", p.ID, p.DurationDays)
		}
	}
	return nil
}

// DSN MySQL 连接串，统一用 UTC 存取时间
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	License    LicenseConfig    `mapstructure:"license"`
	Activation ActivationConfig `mapstructure:"activation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type ServerConfig struct {
	Mode        string `mapstructure:"mode"`         // debug, release
	MetricsAddr string `mapstructure:"metrics_addr"` // 为空则不暴露 /metrics
}

type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"` // mysql, postgres, sqlite
	DSN          string        `mapstructure:"dsn"`    // 非空时覆盖 host/port 等拼接结果
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     string        `mapstructure:"database"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type RedisConfig struct {
	Host      string        `mapstructure:"host"` // 为空则使用进程内缓存
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PoolSize  int           `mapstructure:"pool_size"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type LicenseConfig struct {
	PrivateKeyPath       string `mapstructure:"private_key_path"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase"`
	PublicKeyPath        string `mapstructure:"public_key_path"`
	Issuer               string `mapstructure:"issuer"`
}

type ActivationConfig struct {
	CodePrefix             string  `mapstructure:"code_prefix"`
	Segments               int     `mapstructure:"segments"`
	SegmentLength          int     `mapstructure:"segment_length"`
	MaxGenerateAttempts    int     `mapstructure:"max_generate_attempts"`
	MaxBatchSize           int     `mapstructure:"max_batch_size"`
	DefaultServiceType     string  `mapstructure:"default_service_type"`
	ExclusiveDeviceBinding bool    `mapstructure:"exclusive_device_binding"` // 设备同时只能持有一个有效激活码
	RedeemRatePerMinute    float64 `mapstructure:"redeem_rate_per_minute"`   // 0 表示不限流
	RedeemBurst            int     `mapstructure:"redeem_burst"`
}

type CacheConfig struct {
	CodeTTL          time.Duration `mapstructure:"code_ttl"`
	BindingTTL       time.Duration `mapstructure:"binding_ttl"`
	StatsTTL         time.Duration `mapstructure:"stats_ttl"`
	MembershipTTL    time.Duration `mapstructure:"membership_ttl"`
	MemoryMaxEntries int           `mapstructure:"memory_max_entries"`
}

type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type NotifyConfig struct {
	Driver       string        `mapstructure:"driver"` // none, redis, pubsub, kafka
	Queue        string        `mapstructure:"queue"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ApplyDefaults 为未配置的字段填充默认值
func (c *Config) ApplyDefaults() {
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.QueryTimeout <= 0 {
		c.Database.QueryTimeout = 5 * time.Second
	}
	if c.Redis.OpTimeout <= 0 {
		c.Redis.OpTimeout = 200 * time.Millisecond
	}
	if c.License.Issuer == "" {
		c.License.Issuer = "license-server"
	}

	a := &c.Activation
	if a.Segments <= 0 {
		a.Segments = 4
	}
	if a.SegmentLength <= 0 {
		a.SegmentLength = 4
	}
	if a.MaxGenerateAttempts <= 0 {
		a.MaxGenerateAttempts = 10
	}
	if a.MaxBatchSize <= 0 {
		a.MaxBatchSize = 10000
	}
	if a.DefaultServiceType == "" {
		a.DefaultServiceType = "default"
	}
	if a.RedeemRatePerMinute > 0 && a.RedeemBurst <= 0 {
		a.RedeemBurst = 5
	}

	if c.Cache.CodeTTL <= 0 {
		c.Cache.CodeTTL = 10 * time.Minute
	}
	if c.Cache.BindingTTL <= 0 {
		c.Cache.BindingTTL = 30 * time.Second
	}
	if c.Cache.StatsTTL <= 0 {
		c.Cache.StatsTTL = 30 * time.Second
	}
	if c.Cache.MembershipTTL <= 0 {
		c.Cache.MembershipTTL = time.Minute
	}
	if c.Cache.MemoryMaxEntries <= 0 {
		c.Cache.MemoryMaxEntries = 10000
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = 5 * time.Minute
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 200
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}
	if c.Notify.Queue == "" {
		c.Notify.Queue = "license_redemptions"
	}
	if c.Notify.KafkaTopic == "" {
		c.Notify.KafkaTopic = "license.redemptions"
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 3 * time.Second
	}
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
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
	LedgerEvents string `mapstructure:"ledger_events"`
}

type BusinessConfig struct {
	// 余额应用遇到存储冲突（锁等待超时/死锁）时的最大重试次数
	MaxApplyRetries int `mapstructure:"max_apply_retries"`
	// outbox 投递失败的最大重试次数
	MaxRetryCount int `mapstructure:"max_retry_count"`
	// 对账巡检周期（分钟）
	ReconcileIntervalMinutes int `mapstructure:"reconcile_interval_minutes"`
	// 对账发现漂移后是否自动修复缓存余额
	ReconcileAutoRepair bool `mapstructure:"reconcile_auto_repair"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	applyDefaults(config)

	GlobalConfig = config
	return config
}

func applyDefaults(config *Config) {
	if config.Business.MaxApplyRetries <= 0 {
		config.Business.MaxApplyRetries = 3
	}
	if config.Business.MaxRetryCount <= 0 {
		config.Business.MaxRetryCount = 5
	}
	if config.Business.ReconcileIntervalMinutes <= 0 {
		config.Business.ReconcileIntervalMinutes = 10
	}
}

// Default 不依赖配置文件的默认配置，单测使用
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

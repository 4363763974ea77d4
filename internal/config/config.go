package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// FeaturesConfig 特征提取配置
type FeaturesConfig struct {
	Dims         int    `mapstructure:"dims"`           // 输出图像边长
	RankingPath  string `mapstructure:"ranking_path"`   // opcode 特征排名文件
	SmaliDirName string `mapstructure:"smali_dir_name"` // APK 同级目录下的反编译源码目录名
}

// ClassifierConfig 模型服务配置
type ClassifierConfig struct {
	URL        string `mapstructure:"url"`
	Timeout    int    `mapstructure:"timeout"`     // seconds
	MaxRetries int    `mapstructure:"max_retries"` // 最大重试次数
	RetryDelay int    `mapstructure:"retry_delay"` // 重试间隔(毫秒)
}

// TimeoutDuration 请求超时
func (c ClassifierConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// RetryDelayDuration 重试间隔
func (c ClassifierConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 收件目录监听
type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	InboxDir string `mapstructure:"inbox_dir"`
	Pattern  string `mapstructure:"pattern"` // 例如 *.apk
}

// UploadConfig 上传限制
type UploadConfig struct {
	MaxSizeMB int `mapstructure:"max_size_mb"`
}

// MaxBytes 单次请求体上限
func (u UploadConfig) MaxBytes() int64 {
	return int64(u.MaxSizeMB) << 20
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/scans.db")
	v.SetDefault("database.port", 3306)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_scan_queue")

	v.SetDefault("features.dims", 64)
	v.SetDefault("features.ranking_path", "sorted_pixels_scores.txt")
	v.SetDefault("features.smali_dir_name", "smali")

	v.SetDefault("classifier.timeout", 30)
	v.SetDefault("classifier.max_retries", 3)
	v.SetDefault("classifier.retry_delay", 500)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 64)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.inbox_dir", "inbox")
	v.SetDefault("watcher.pattern", "*.apk")

	v.SetDefault("upload.max_size_mb", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default 不读取任何文件时的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// 只有默认值，Unmarshal 不会失败
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 模型服务
	v.BindEnv("classifier.url", "CLASSIFIER_URL")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 启动前检查
func (c *Config) Validate() error {
	if c.Features.Dims <= 0 {
		return fmt.Errorf("features.dims must be positive, got %d", c.Features.Dims)
	}
	if c.Features.RankingPath == "" {
		return fmt.Errorf("features.ranking_path is required")
	}
	switch c.Database.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Upload.MaxSizeMB <= 0 {
		return fmt.Errorf("upload.max_size_mb must be positive, got %d", c.Upload.MaxSizeMB)
	}
	return nil
}

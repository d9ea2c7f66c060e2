package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// IngestConfig 定义邮件接入管道的核心业务配置
type IngestConfig struct {
	PushTopic       string        // 推送中继（Relay-A）期望的主题标识，留空表示跳过验证（测试模式）
	RouteSigningKey string        // 路由中继（Relay-B）的 HMAC 签名密钥，留空表示放行（测试模式）
	DirectSecret    string        // 直连测试通道的共享密钥
	InboundDomain   string        // 系统专用收件域名，如 "inbound.deskmail.io"
	ReplySecret     string        // 回复地址签名密钥（reply+tkt.* 地址）
	DedupTTL        time.Duration // 幂等缓存有效期，默认 48h
	LockWait        time.Duration // 同一消息锁的最长等待时间，默认 10s
	LockTTL         time.Duration // 消息锁自动过期时间，默认 2m
	WorkerAttempts  int           // 单条消息的最大处理尝试次数，默认 3
	AttemptTimeout  time.Duration // 单次尝试的超时时间，默认 30s
	Workers         int           // 并发处理协程数，默认 4
	QueueSize       int           // 待处理任务队列长度，默认 256
	MaxBodySize     int64         // Webhook 请求体大小上限（字节），默认 25MB
}

// SMTPConfig 定义可选的直连 SMTP 接收服务配置
type SMTPConfig struct {
	Enabled  bool   // 是否启动 SMTP 接收服务，默认关闭
	BindAddr string // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	Domain   string // SMTP 服务器域名，用于 HELO/EHLO 响应
	MaxConns int    // 最大并发连接数
	MaxRate  int    // 每秒最大新建连接数
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 服务器配置
	Ingest   IngestConfig   // 邮件接入管道配置
	SMTP     SMTPConfig     // 直连 SMTP 服务配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
	Database DatabaseConfig // 数据库配置
	Redis    RedisConfig    // Redis 配置
}

// Production 判断当前是否按生产模式运行
//
// 生产模式下不允许空的中继验证配置（见 Validate）
func (c *Config) Production() bool {
	return !c.Log.Development
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: DESKMAIL_
// 例如: DESKMAIL_SERVER_HOST, DESKMAIL_INGEST_ROUTE_SIGNING_KEY
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("deskmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("ingest.push_topic", "")
	viper.SetDefault("ingest.route_signing_key", "")
	viper.SetDefault("ingest.direct_secret", "")
	viper.SetDefault("ingest.inbound_domain", "inbound.deskmail.local")
	viper.SetDefault("ingest.reply_secret", "")
	viper.SetDefault("ingest.dedup_ttl", "48h")
	viper.SetDefault("ingest.lock_wait", "10s")
	viper.SetDefault("ingest.lock_ttl", "2m")
	viper.SetDefault("ingest.worker_attempts", 3)
	viper.SetDefault("ingest.attempt_timeout", "30s")
	viper.SetDefault("ingest.workers", 4)
	viper.SetDefault("ingest.queue_size", 256)
	viper.SetDefault("ingest.max_body_size", 25*1024*1024)
	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("smtp.domain", "deskmail.local")
	viper.SetDefault("smtp.max_conns", 50)
	viper.SetDefault("smtp.max_rate", 10)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	inboundDomain := strings.ToLower(strings.TrimSpace(viper.GetString("ingest.inbound_domain")))
	if inboundDomain == "" {
		return nil, fmt.Errorf("ingest.inbound_domain must not be empty")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	workerAttempts := viper.GetInt("ingest.worker_attempts")
	if workerAttempts <= 0 {
		workerAttempts = 3
	}

	workers := viper.GetInt("ingest.workers")
	if workers <= 0 {
		workers = 4
	}

	queueSize := viper.GetInt("ingest.queue_size")
	if queueSize <= 0 {
		queueSize = 256
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Ingest: IngestConfig{
			PushTopic:       viper.GetString("ingest.push_topic"),
			RouteSigningKey: viper.GetString("ingest.route_signing_key"),
			DirectSecret:    viper.GetString("ingest.direct_secret"),
			InboundDomain:   inboundDomain,
			ReplySecret:     viper.GetString("ingest.reply_secret"),
			DedupTTL:        durationOr("ingest.dedup_ttl", 48*time.Hour),
			LockWait:        durationOr("ingest.lock_wait", 10*time.Second),
			LockTTL:         durationOr("ingest.lock_ttl", 2*time.Minute),
			WorkerAttempts:  workerAttempts,
			AttemptTimeout:  durationOr("ingest.attempt_timeout", 30*time.Second),
			Workers:         workers,
			QueueSize:       queueSize,
			MaxBodySize:     viper.GetInt64("ingest.max_body_size"),
		},
		SMTP: SMTPConfig{
			Enabled:  viper.GetBool("smtp.enabled"),
			BindAddr: viper.GetString("smtp.bind_addr"),
			Domain:   viper.GetString("smtp.domain"),
			MaxConns: viper.GetInt("smtp.max_conns"),
			MaxRate:  viper.GetInt("smtp.max_rate"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durationOr("database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置的内部一致性
//
// 生产模式下，中继验证的"空配置即放行"逃生通道必须关闭：
// push_topic、route_signing_key 和 reply_secret 都必须显式配置。
func (c *Config) Validate() error {
	if c.Production() {
		if c.Ingest.PushTopic == "" {
			return fmt.Errorf("SECURITY ERROR: ingest.push_topic must be set in production (empty value disables push relay verification)")
		}
		if c.Ingest.RouteSigningKey == "" {
			return fmt.Errorf("SECURITY ERROR: ingest.route_signing_key must be set in production (empty value disables route relay verification)")
		}
		if c.Ingest.ReplySecret == "" {
			return fmt.Errorf("SECURITY ERROR: ingest.reply_secret must be set in production")
		}
	}
	if c.Ingest.DedupTTL <= 0 {
		return fmt.Errorf("ingest.dedup_ttl must be positive")
	}
	return nil
}

// durationOr 解析配置中的时间段，解析失败时返回默认值
func durationOr(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从子目录运行的情况）
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}

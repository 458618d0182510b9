package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	Env      string
	LogLevel string

	HTTPAddr string
	DBPath   string

	// RedisAddr 为空时关闭限流、会员锁与事件 outbox。
	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组；为空时不启动 Relay 与 Consumer。
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Kafka 写入器：重试次数、批量等待、写超时
	KafkaMaxAttempts  int
	KafkaBatchTimeout time.Duration
	KafkaWriteTimeout time.Duration

	// Redis Stream outbox（状态变更时入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 会员写接口限流
	MemberRateLimit  int
	MemberRateWindow time.Duration

	// 等级门槛与购买确认奖励比例（万分之一）
	GradeGoldMin int64
	GradeVIPMin  int64
	RewardRateBP int64

	MemberLockTTL time.Duration

	// ReconcileCron 为空时不启动定时对账。
	ReconcileCron         string
	ReconcileOnTransition bool

	// GatewayToken 非空时要求请求携带 X-Gateway-Token，证明身份头来自网关。
	GatewayToken string

	BulkWorkers int
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		Env:                   getEnv("APP_ENV", "production"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		DBPath:                getEnv("DB_PATH", "coffee_core.db"),
		RedisAddr:             lookupEnv("REDIS_ADDR", ""),
		KafkaBrokers:          splitCSV(lookupEnv("KAFKA_BROKERS", "")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "coffee-core-order-events"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "coffee-core-grade-reconciler"),
		OrderEventStream:      getEnv("ORDER_EVENT_STREAM", "coffee_core:order_events"),
		OrderEventGroup:       getEnv("ORDER_EVENT_GROUP", "coffee-core-relay-group"),
		OrderEventConsumer:    getEnv("ORDER_EVENT_CONSUMER", "coffee-core-relay-1"),
		ReconcileCron:         lookupEnv("RECONCILE_CRON", "@every 10m"),
		ReconcileOnTransition: true,
		GatewayToken:          getEnv("GATEWAY_TOKEN", ""),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	if cfg.MemberRateLimit, err = positiveInt("MEMBER_RATE_LIMIT", 20); err != nil {
		return AppConfig{}, err
	}
	windowSec, err := positiveInt("MEMBER_RATE_WINDOW_SEC", 1)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.MemberRateWindow = time.Duration(windowSec) * time.Second

	gold, err := positiveInt("GRADE_GOLD_MIN", 100000)
	if err != nil {
		return AppConfig{}, err
	}
	vip, err := positiveInt("GRADE_VIP_MIN", 300000)
	if err != nil {
		return AppConfig{}, err
	}
	if vip <= gold {
		return AppConfig{}, fmt.Errorf("GRADE_VIP_MIN must be greater than GRADE_GOLD_MIN")
	}
	cfg.GradeGoldMin, cfg.GradeVIPMin = int64(gold), int64(vip)

	bp, err := positiveInt("REWARD_RATE_BP", 100)
	if err != nil {
		return AppConfig{}, err
	}
	if bp > 10000 {
		return AppConfig{}, fmt.Errorf("REWARD_RATE_BP must be <= 10000")
	}
	cfg.RewardRateBP = int64(bp)

	lockSec, err := positiveInt("MEMBER_LOCK_TTL_SEC", 5)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.MemberLockTTL = time.Duration(lockSec) * time.Second

	if cfg.ReconcileOnTransition, err = getEnvBool("RECONCILE_ON_TRANSITION", cfg.ReconcileOnTransition); err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECONCILE_ON_TRANSITION: %w", err)
	}

	if cfg.BulkWorkers, err = positiveInt("BULK_WORKERS", 1); err != nil {
		return AppConfig{}, err
	}

	if cfg.KafkaMaxAttempts, err = positiveInt("KAFKA_MAX_ATTEMPTS", 5); err != nil {
		return AppConfig{}, err
	}
	batchMs, err := positiveInt("KAFKA_BATCH_TIMEOUT_MS", 50)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.KafkaBatchTimeout = time.Duration(batchMs) * time.Millisecond
	writeMs, err := positiveInt("KAFKA_WRITE_TIMEOUT_MS", 5000)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.KafkaWriteTimeout = time.Duration(writeMs) * time.Millisecond

	if len(cfg.KafkaBrokers) > 0 {
		if cfg.RedisAddr == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS requires REDIS_ADDR (events are relayed from a Redis Stream)")
		}
		if cfg.KafkaTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
	}
	if cfg.OrderEventStream == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM must not be empty")
	}

	return cfg, nil
}

// Dev 开发环境使用人类可读的日志格式。
func (c AppConfig) Dev() bool {
	return c.Env == "dev" || c.Env == "development"
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// lookupEnv 与 getEnv 不同：显式设置为空串时返回空串，用于“置空即关闭”的开关。
func lookupEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(v)
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func positiveInt(key string, fallback int) (int, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"iotflow-connectivity/common/config"
)

// 活跃度同步模式
const (
	DurabilitySync      = "sync"      // 每次上报同步写 devices.last_seen
	DurabilityDebounced = "debounced" // 按设备合并，周期性批量刷盘
)

// Config 遥测接入与设备在线状态服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	HTTP struct {
		Addr       string
		AdminToken string // 管理接口令牌（Authorization: admin <token>），为空则关闭管理接口
	}

	// 在线状态判定配置
	Liveness struct {
		Timeout        time.Duration            // 静默超时，超过即判定离线，默认 60s
		ClassTimeouts  map[string]time.Duration // 按设备类型覆盖超时，如 gateway=5m
		CacheTTL       time.Duration            // Redis 键 TTL，默认 24h（至少为超时的 24 倍）
		DurabilityMode string                   // sync / debounced
		FlushInterval  time.Duration            // debounced 模式下批量刷盘周期
		SyncRetryMax   int                      // sync 模式下写库重试次数
	}

	// 后台对账配置
	Reconcile struct {
		Enabled   bool
		Interval  time.Duration
		BatchSize int
	}

	// 外部调用超时
	Timeouts struct {
		Cache time.Duration
		Store time.Duration
	}

	Telemetry struct {
		Stream          string // 上报成功后发布事件的 Redis Stream，为空则不发布
		StreamMaxLen    int64
		QueryMaxLimit   int
		MaxBatchSize    int
		MaxBodyBytes    int64
		MQTTEnabled     bool
		MQTTTopicPrefix string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "iotflow"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DialTimeout = 2 * time.Second
	cfg.Redis.ReadTimeout = time.Second
	cfg.Redis.WriteTimeout = time.Second
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "iotflow-connectivity"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.AdminToken = os.Getenv("IOTFLOW_ADMIN_TOKEN")

	cfg.Liveness.Timeout = getDuration("LIVENESS_TIMEOUT", 60*time.Second)
	cfg.Liveness.ClassTimeouts = parseClassTimeouts(getEnv("LIVENESS_CLASS_TIMEOUTS", ""))
	cfg.Liveness.CacheTTL = getDuration("LIVENESS_CACHE_TTL", 24*time.Hour)
	if minTTL := 24 * cfg.Liveness.Timeout; cfg.Liveness.CacheTTL < minTTL {
		cfg.Liveness.CacheTTL = minTTL
	}
	cfg.Liveness.DurabilityMode = strings.ToLower(getEnv("LIVENESS_DURABILITY_MODE", DurabilityDebounced))
	if cfg.Liveness.DurabilityMode != DurabilitySync {
		cfg.Liveness.DurabilityMode = DurabilityDebounced
	}
	cfg.Liveness.FlushInterval = getDuration("LIVENESS_FLUSH_INTERVAL", 30*time.Second)
	cfg.Liveness.SyncRetryMax = getInt("SYNC_RETRY_MAX", 3)

	cfg.Reconcile.Enabled = getEnv("RECONCILE_ENABLED", "true") == "true"
	cfg.Reconcile.Interval = getDuration("RECONCILE_INTERVAL", 30*time.Second)
	cfg.Reconcile.BatchSize = getInt("RECONCILE_BATCH_SIZE", 500)

	cfg.Timeouts.Cache = getDuration("CACHE_TIMEOUT", 500*time.Millisecond)
	cfg.Timeouts.Store = getDuration("STORE_TIMEOUT", 5*time.Second)

	cfg.Telemetry.Stream = getEnv("TELEMETRY_STREAM", "iot:telemetry:stream")
	if os.Getenv("TELEMETRY_STREAM") == "-" {
		cfg.Telemetry.Stream = ""
	}
	cfg.Telemetry.StreamMaxLen = int64(getInt("TELEMETRY_STREAM_MAXLEN", 100000))
	cfg.Telemetry.QueryMaxLimit = getInt("QUERY_MAX_LIMIT", 10000)
	cfg.Telemetry.MaxBatchSize = getInt("INGEST_MAX_BATCH_SIZE", 1000)
	cfg.Telemetry.MaxBodyBytes = int64(getInt("INGEST_MAX_BODY_BYTES", 1<<20))
	cfg.Telemetry.MQTTEnabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.Telemetry.MQTTTopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "iotflow/devices/")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// TimeoutFor 返回设备类型对应的在线超时
func (c *Config) TimeoutFor(deviceType string) time.Duration {
	if d, ok := c.Liveness.ClassTimeouts[strings.ToLower(deviceType)]; ok {
		return d
	}
	return c.Liveness.Timeout
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// parseClassTimeouts 解析 "sensor=60s,gateway=5m"，非法项忽略
func parseClassTimeouts(raw string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		class := strings.ToLower(strings.TrimSpace(kv[0]))
		d, err := time.ParseDuration(strings.TrimSpace(kv[1]))
		if class == "" || err != nil || d <= 0 {
			continue
		}
		out[class] = d
	}
	return out
}

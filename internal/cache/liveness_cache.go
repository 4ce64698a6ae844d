package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrUnavailable 缓存不可用（连接失败、超时或熔断打开），调用方应回落到数据库
var ErrUnavailable = errors.New("liveness cache unavailable")

const (
	lastSeenKeyPrefix = "device:lastseen:"

	// 时间戳存为 19 位补零的 Unix 纳秒，定长数字串可直接按字典序比较
	lastSeenFormat = "%019d"

	// clearAll 每批删除的键数量
	clearBatchSize = 500
)

// LivenessCacheConfig 在线状态缓存配置
type LivenessCacheConfig struct {
	TTL              time.Duration // 默认键 TTL
	Timeout          time.Duration // 单次 Redis 调用超时
	FailureThreshold uint32        // 连续失败次数达到后熔断
	OpenTimeout      time.Duration // 熔断打开后多久进入半开
}

// LivenessCache 设备最后活跃时间缓存
// Redis 键：device:lastseen:<id>（Unix 纳秒）
type LivenessCache struct {
	kv      KVStore
	breaker *gobreaker.CircuitBreaker[struct{}]
	cfg     LivenessCacheConfig
	logger  *zap.Logger
}

// CacheStats 缓存键统计
type CacheStats struct {
	LastSeenKeys int    `json:"last_seen_keys"`
	BreakerState string `json:"breaker_state"`
}

// NewLivenessCache 创建在线状态缓存
func NewLivenessCache(kv KVStore, cfg LivenessCacheConfig, logger *zap.Logger) *LivenessCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}

	c := &LivenessCache{kv: kv, cfg: cfg, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "liveness-cache",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// 缓存未命中不是故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Liveness cache circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// TTL 默认键 TTL
func (c *LivenessCache) TTL() time.Duration {
	return c.cfg.TTL
}

// execute 在超时和熔断保护下执行一次 Redis 调用
// 除 ErrCacheMiss 外的错误都转换为 ErrUnavailable
func (c *LivenessCache) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return struct{}{}, fn(callCtx)
	})
	if err == nil || errors.Is(err, ErrCacheMiss) {
		return err
	}
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("Liveness cache operation failed",
			zap.String("op", op),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Set 写入设备最后活跃时间，只前进不后退；ttl <= 0 时使用默认 TTL
// 比较在 Redis 内原子完成，并发调用后缓存值为其中最大的时间戳
func (c *LivenessCache) Set(ctx context.Context, deviceID int64, ts time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	key := lastSeenKeyPrefix + strconv.FormatInt(deviceID, 10)
	return c.execute(ctx, "set", func(ctx context.Context) error {
		_, err := c.kv.SetIfGreater(ctx, key, fmt.Sprintf(lastSeenFormat, ts.UnixNano()), ttl)
		return err
	})
}

// Get 读取设备最后活跃时间；键不存在时 found=false
func (c *LivenessCache) Get(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	var raw string
	err := c.execute(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = c.kv.Get(ctx, lastSeenKeyPrefix+strconv.FormatInt(deviceID, 10))
		return err
	})
	if errors.Is(err, ErrCacheMiss) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	ts, perr := parseLastSeen(raw)
	if perr != nil {
		// 损坏的值按未命中处理
		c.logger.Warn("Invalid last-seen value in cache",
			zap.Int64("device_id", deviceID),
			zap.String("value", raw),
		)
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

// parseLastSeen 兼容旧版本写入的 RFC3339Nano 值
func parseLastSeen(raw string) (time.Time, error) {
	if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, nanos).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// Clear 删除单个设备的缓存，重复调用幂等
func (c *LivenessCache) Clear(ctx context.Context, deviceID int64) error {
	id := strconv.FormatInt(deviceID, 10)
	return c.execute(ctx, "clear", func(ctx context.Context) error {
		_, err := c.kv.Del(ctx, lastSeenKeyPrefix+id)
		return err
	})
}

// ClearAll 分批删除所有设备缓存键，返回删除的键数量
// 与 ClearAll 并发的 Set 要么在扫描前落地（被删除），要么在删除后落地（保留）
func (c *LivenessCache) ClearAll(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, lastSeenKeyPrefix+"*")
	if err != nil {
		return 0, err
	}

	removed := 0
	for start := 0; start < len(keys); start += clearBatchSize {
		end := start + clearBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		var deleted int64
		err := c.execute(ctx, "clear_all", func(ctx context.Context) error {
			var err error
			deleted, err = c.kv.Del(ctx, batch...)
			return err
		})
		if err != nil {
			return removed, err
		}
		removed += int(deleted)
	}

	c.logger.Info("Cleared liveness cache", zap.Int("keys", removed))
	return removed, nil
}

// Stats 返回缓存键数量和熔断器状态
func (c *LivenessCache) Stats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{BreakerState: c.breaker.State().String()}

	lastSeen, err := c.scan(ctx, lastSeenKeyPrefix+"*")
	if err != nil {
		return stats, err
	}
	stats.LastSeenKeys = len(lastSeen)
	return stats, nil
}

func (c *LivenessCache) scan(ctx context.Context, patterns ...string) ([]string, error) {
	var keys []string
	for _, pattern := range patterns {
		var found []string
		err := c.execute(ctx, "scan", func(ctx context.Context) error {
			var err error
			found, err = c.kv.ScanKeys(ctx, pattern)
			return err
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, found...)
	}
	return keys, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"iotflow-connectivity/internal/cache"
	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/repository"

	"go.uber.org/zap"
)

// ErrDeviceNotFound 设备不存在
var ErrDeviceNotFound = errors.New("device not found")

// 持久化模式
const (
	DurabilitySync      = "sync"
	DurabilityDebounced = "debounced"
)

// LivenessCache 在线状态缓存（cache.LivenessCache 实现）
type LivenessCache interface {
	Set(ctx context.Context, deviceID int64, ts time.Time, ttl time.Duration) error
	Get(ctx context.Context, deviceID int64) (time.Time, bool, error)
	Clear(ctx context.Context, deviceID int64) error
	ClearAll(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*cache.CacheStats, error)
}

// LivenessConfig 在线状态跟踪配置
type LivenessConfig struct {
	Timeout        time.Duration
	ClassTimeouts  map[string]time.Duration
	CacheTTL       time.Duration
	DurabilityMode string
	FlushInterval  time.Duration
	SyncRetryMax   int
	RetryBackoff   time.Duration // 同步写库重试的初始退避
	StoreTimeout   time.Duration
}

// LivenessTracker 设备在线状态跟踪
// 在线状态始终由最后活跃时间实时计算，缓存只保存时间戳
type LivenessTracker struct {
	cache   LivenessCache
	devices repository.DeviceRepository
	cfg     LivenessConfig
	now     func() time.Time
	logger  *zap.Logger

	// 待刷盘的 last_seen（每个设备只保留最新值），锁不跨 I/O 持有
	mu      sync.Mutex
	pending map[int64]time.Time
}

// NewLivenessTracker 创建在线状态跟踪器
func NewLivenessTracker(c LivenessCache, devices repository.DeviceRepository, cfg LivenessConfig, logger *zap.Logger) *LivenessTracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.DurabilityMode != DurabilitySync {
		cfg.DurabilityMode = DurabilityDebounced
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.SyncRetryMax <= 0 {
		cfg.SyncRetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	return &LivenessTracker{
		cache:   c,
		devices: devices,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		pending: make(map[int64]time.Time),
	}
}

// TimeoutFor 设备类型对应的超时
func (t *LivenessTracker) TimeoutFor(deviceType string) time.Duration {
	if d, ok := t.cfg.ClassTimeouts[deviceType]; ok && d > 0 {
		return d
	}
	return t.cfg.Timeout
}

// UpdateActivity 记录设备活跃
// 缓存和数据库写入失败都不会返回错误：缓存失败时直接同步写库，写库失败则留给下一次刷盘或对账
func (t *LivenessTracker) UpdateActivity(ctx context.Context, deviceID int64, at time.Time) error {
	now := t.now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	cacheOK := t.cache.Set(ctx, deviceID, at, t.cfg.CacheTTL) == nil

	if t.cfg.DurabilityMode == DurabilitySync || !cacheOK {
		if err := t.syncLastSeen(ctx, deviceID, at); err != nil {
			t.logger.Error("Failed to persist last_seen, deferring to next flush",
				zap.Int64("device_id", deviceID),
				zap.Error(err),
			)
			t.enqueue(deviceID, at)
		}
		return nil
	}

	t.enqueue(deviceID, at)
	return nil
}

// syncLastSeen 同步写 last_seen，指数退避重试
func (t *LivenessTracker) syncLastSeen(ctx context.Context, deviceID int64, at time.Time) error {
	backoff := t.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= t.cfg.SyncRetryMax; attempt++ {
		storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
		lastErr = t.devices.UpdateLastSeen(storeCtx, deviceID, at)
		cancel()
		if lastErr == nil {
			return nil
		}

		t.logger.Warn("Failed to update last_seen",
			zap.Int64("device_id", deviceID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == t.cfg.SyncRetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (t *LivenessTracker) enqueue(deviceID int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[deviceID]; !ok || at.After(prev) {
		t.pending[deviceID] = at
	}
}

func (t *LivenessTracker) pendingFor(deviceID int64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.pending[deviceID]
	return ts, ok
}

// PendingCount 待刷盘设备数
func (t *LivenessTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush 将待刷盘的 last_seen 批量写入数据库，失败时放回队列
func (t *LivenessTracker) Flush(ctx context.Context) (int, error) {
	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[int64]time.Time)
	t.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	if err := t.devices.UpdateLastSeenBatch(storeCtx, batch); err != nil {
		for id, ts := range batch {
			t.enqueue(id, ts)
		}
		return 0, fmt.Errorf("failed to flush last_seen for %d devices: %w", len(batch), err)
	}

	t.logger.Debug("Flushed last_seen", zap.Int("devices", len(batch)))
	return len(batch), nil
}

// Run 周期性刷盘，每个设备在一个 FlushInterval 内最多写一次数据库
// ctx 取消后执行最后一次刷盘再返回
func (t *LivenessTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	t.logger.Info("Starting last_seen flusher",
		zap.String("mode", t.cfg.DurabilityMode),
		zap.Duration("interval", t.cfg.FlushInterval),
	)

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
			if _, err := t.Flush(finalCtx); err != nil {
				t.logger.Error("Final last_seen flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := t.Flush(ctx); err != nil {
				t.logger.Warn("last_seen flush failed", zap.Error(err))
			}
		}
	}
}

// GetStatus 查询设备在线状态
// 最后活跃时间取缓存、devices.last_seen 和未刷盘队列中的最大值；缓存缺失、过期或落后时都不影响结果
func (t *LivenessTracker) GetStatus(ctx context.Context, deviceID int64) (*models.Liveness, error) {
	ts, found, _ := t.cache.Get(ctx, deviceID)

	device, err := t.getDevice(ctx, deviceID)
	if err != nil {
		if found && !errors.Is(err, ErrDeviceNotFound) {
			t.logger.Warn("Device lookup failed, using cached last activity and default timeout",
				zap.Int64("device_id", deviceID),
				zap.Error(err),
			)
			last, source := t.latest(deviceID, &ts, nil)
			return t.build(deviceID, last, source, t.cfg.Timeout), nil
		}
		return nil, err
	}

	var cached *time.Time
	if found {
		cached = &ts
	}
	return t.merge(device, cached), nil
}

// resolve 根据已加载的设备行计算状态（批量场景，避免重复查库）
func (t *LivenessTracker) resolve(ctx context.Context, device *models.Device) *models.Liveness {
	ts, found, _ := t.cache.Get(ctx, device.ID)
	var cached *time.Time
	if found {
		cached = &ts
	}
	return t.merge(device, cached)
}

func (t *LivenessTracker) merge(device *models.Device, cached *time.Time) *models.Liveness {
	last, source := t.latest(device.ID, cached, device.LastSeen)
	return t.build(device.ID, last, source, t.TimeoutFor(device.DeviceType))
}

// latest 返回缓存、数据库和待刷盘队列中最新的时间及其来源，相同时优先缓存
func (t *LivenessTracker) latest(deviceID int64, cached, stored *time.Time) (*time.Time, string) {
	last, source := cached, models.SourceCache
	if last == nil {
		source = models.SourceNone
	}
	if stored != nil && (last == nil || stored.After(*last)) {
		last, source = stored, models.SourceStore
	}
	if p, ok := t.pendingFor(deviceID); ok && (last == nil || p.After(*last)) {
		last, source = &p, models.SourceStore
	}
	return last, source
}

func (t *LivenessTracker) build(deviceID int64, last *time.Time, source string, timeout time.Duration) *models.Liveness {
	var lastCopy *time.Time
	if last != nil {
		ts := last.UTC()
		lastCopy = &ts
	}
	return &models.Liveness{
		DeviceID:     deviceID,
		LastActivity: lastCopy,
		Status:       models.ComputeLiveness(last, t.now(), timeout),
		Source:       source,
	}
}

func (t *LivenessTracker) getDevice(ctx context.Context, deviceID int64) (*models.Device, error) {
	storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()

	device, err := t.devices.GetDevice(storeCtx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %d: %w", deviceID, err)
	}
	return device, nil
}

// CheckAndSync 重新计算在线状态，数据库镜像不一致时强制写入
func (t *LivenessTracker) CheckAndSync(ctx context.Context, deviceID int64) (models.LivenessStatus, error) {
	device, err := t.getDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	live, _, err := t.checkAndSyncDevice(ctx, device)
	if err != nil {
		return "", err
	}
	return live.Status, nil
}

// checkAndSyncDevice 返回计算结果以及是否写入了数据库
func (t *LivenessTracker) checkAndSyncDevice(ctx context.Context, device *models.Device) (*models.Liveness, bool, error) {
	live := t.resolve(ctx, device)

	statusDiffers := device.ConnectionStatus != string(live.Status)
	lastSeenBehind := live.LastActivity != nil &&
		(device.LastSeen == nil || live.LastActivity.After(*device.LastSeen))
	if !statusDiffers && !lastSeenBehind {
		return live, false, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	if err := t.devices.SyncLiveness(storeCtx, device.ID, live.LastActivity, live.Status); err != nil {
		return live, false, err
	}

	if statusDiffers {
		t.logger.Info("Device connection status changed",
			zap.Int64("device_id", device.ID),
			zap.String("from", device.ConnectionStatus),
			zap.String("to", string(live.Status)),
		)
	}
	return live, true, nil
}

// DeviceStatus 批量查询的单个设备状态
type DeviceStatus struct {
	models.Liveness
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
}

// ListStatuses 按ID游标分页批量计算设备在线状态
func (t *LivenessTracker) ListStatuses(ctx context.Context, afterID int64, limit int) ([]DeviceStatus, error) {
	storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	devices, err := t.devices.ListDevices(storeCtx, afterID, limit)
	cancel()
	if err != nil {
		return nil, err
	}

	out := make([]DeviceStatus, 0, len(devices))
	for i := range devices {
		live := t.resolve(ctx, &devices[i])
		out = append(out, DeviceStatus{
			Liveness:   *live,
			Name:       devices[i].Name,
			DeviceType: devices[i].DeviceType,
		})
	}
	return out, nil
}

// ClearCache 清除单个设备缓存
func (t *LivenessTracker) ClearCache(ctx context.Context, deviceID int64) error {
	return t.cache.Clear(ctx, deviceID)
}

// ClearAllCache 清除全部设备缓存
func (t *LivenessTracker) ClearAllCache(ctx context.Context) (int, error) {
	return t.cache.ClearAll(ctx)
}

// CacheStats 缓存统计
func (t *LivenessTracker) CacheStats(ctx context.Context) (*cache.CacheStats, error) {
	return t.cache.Stats(ctx)
}

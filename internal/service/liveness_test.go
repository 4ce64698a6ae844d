package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"iotflow-connectivity/internal/cache"
	"iotflow-connectivity/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var trackerT0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type trackerFixture struct {
	tracker *LivenessTracker
	devices *fakeDeviceRepo
	mr      *miniredis.Miniredis
	clock   time.Time
}

func (f *trackerFixture) at(d time.Duration) {
	f.clock = trackerT0.Add(d)
}

func newTrackerFixture(t *testing.T, mode string, classTimeouts map[string]time.Duration) *trackerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	lc := cache.NewLivenessCache(cache.NewRedisKVStore(client), cache.LivenessCacheConfig{
		TTL:     24 * time.Hour,
		Timeout: 200 * time.Millisecond,
	}, zap.NewNop())

	devices := newFakeDeviceRepo(
		models.Device{ID: 7, Name: "greenhouse", DeviceType: "sensor", Status: models.DeviceStatusActive, APIKey: "abc123"},
		models.Device{ID: 8, Name: "gateway", DeviceType: "gateway", Status: models.DeviceStatusActive, APIKey: "gw"},
		models.Device{ID: 9, Name: "idle", DeviceType: "sensor", Status: models.DeviceStatusActive, APIKey: "idle"},
	)

	f := &trackerFixture{devices: devices, mr: mr, clock: trackerT0}
	f.tracker = NewLivenessTracker(lc, devices, LivenessConfig{
		Timeout:        60 * time.Second,
		ClassTimeouts:  classTimeouts,
		DurabilityMode: mode,
		FlushInterval:  30 * time.Second,
		SyncRetryMax:   3,
		RetryBackoff:   time.Millisecond,
		StoreTimeout:   time.Second,
	}, zap.NewNop())
	f.tracker.now = func() time.Time { return f.clock }
	return f
}

func statusAt(t *testing.T, f *trackerFixture, d time.Duration) models.LivenessStatus {
	t.Helper()
	f.at(d)
	live, err := f.tracker.GetStatus(context.Background(), 7)
	require.NoError(t, err)
	return live.Status
}

func TestLiveness_OnlineThenOfflineAfterTimeout(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	require.NoError(t, f.tracker.UpdateActivity(context.Background(), 7, trackerT0))

	assert.Equal(t, models.LivenessOnline, statusAt(t, f, 30*time.Second))
	assert.Equal(t, models.LivenessOnline, statusAt(t, f, 60*time.Second-time.Millisecond))
	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 60*time.Second))
	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 61*time.Second))

	f.at(30 * time.Second)
	live, err := f.tracker.GetStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, live.Source)
	require.NotNil(t, live.LastActivity)
	assert.True(t, trackerT0.Equal(*live.LastActivity))
}

func TestLiveness_CacheEmptyFallsBackToStore(t *testing.T) {
	for _, mode := range []string{DurabilitySync, DurabilityDebounced} {
		t.Run(mode, func(t *testing.T) {
			f := newTrackerFixture(t, mode, nil)
			ctx := context.Background()
			require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))
			_, err := f.tracker.Flush(ctx)
			require.NoError(t, err)

			f.mr.FlushAll()

			assert.Equal(t, models.LivenessOnline, statusAt(t, f, 30*time.Second))
			assert.Equal(t, models.LivenessOffline, statusAt(t, f, 61*time.Second))

			live, err := f.tracker.GetStatus(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, models.SourceStore, live.Source)
		})
	}
}

func TestLiveness_CacheExpiredFallsBackToStore(t *testing.T) {
	f := newTrackerFixture(t, DurabilitySync, nil)
	require.NoError(t, f.tracker.UpdateActivity(context.Background(), 7, trackerT0))

	f.mr.FastForward(25 * time.Hour)

	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 25*time.Hour))
	assert.Equal(t, models.LivenessOnline, statusAt(t, f, 59*time.Second))
}

func TestLiveness_DebouncedPendingVisibleBeforeFlush(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	require.NoError(t, f.tracker.UpdateActivity(context.Background(), 7, trackerT0))
	f.mr.FlushAll()

	assert.Nil(t, f.devices.lastSeen(7))
	assert.Equal(t, models.LivenessOnline, statusAt(t, f, 30*time.Second))
	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 61*time.Second))
}

func TestLiveness_CacheUnavailable(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	f.mr.Close()

	// 缓存不可用时直接同步写库
	require.NoError(t, f.tracker.UpdateActivity(context.Background(), 7, trackerT0))
	require.NotNil(t, f.devices.lastSeen(7))
	assert.Equal(t, 0, f.tracker.PendingCount())

	assert.Equal(t, models.LivenessOnline, statusAt(t, f, 30*time.Second))
	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 61*time.Second))
}

func TestLiveness_NeverSeenIsOffline(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)

	live, err := f.tracker.GetStatus(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, models.LivenessOffline, live.Status)
	assert.Equal(t, models.SourceNone, live.Source)
	assert.Nil(t, live.LastActivity)
}

func TestLiveness_UnknownDevice(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)

	_, err := f.tracker.GetStatus(context.Background(), 404)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = f.tracker.CheckAndSync(context.Background(), 404)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestLiveness_ClassTimeouts(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, map[string]time.Duration{"gateway": 5 * time.Minute})
	ctx := context.Background()
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))
	require.NoError(t, f.tracker.UpdateActivity(ctx, 8, trackerT0))

	f.at(2 * time.Minute)
	sensor, err := f.tracker.GetStatus(ctx, 7)
	require.NoError(t, err)
	gateway, err := f.tracker.GetStatus(ctx, 8)
	require.NoError(t, err)

	assert.Equal(t, models.LivenessOffline, sensor.Status)
	assert.Equal(t, models.LivenessOnline, gateway.Status)
}

func TestLiveness_CacheNeverMovesBackwards(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()

	f.at(time.Minute)
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0.Add(time.Minute)))
	// 补录的旧数据
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))

	live, err := f.tracker.GetStatus(ctx, 7)
	require.NoError(t, err)
	assert.True(t, trackerT0.Add(time.Minute).Equal(*live.LastActivity))
}

func TestLiveness_StaleCacheDoesNotHideNewerStoreValue(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))

	// Redis 短暂不可用，这次活跃只写入数据库
	f.mr.SetError("LOADING Redis is loading the dataset in memory")
	f.at(50 * time.Second)
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, f.clock))
	require.NotNil(t, f.devices.lastSeen(7))
	f.mr.SetError("")

	f.at(90 * time.Second)
	live, err := f.tracker.GetStatus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.LivenessOnline, live.Status)
	assert.Equal(t, models.SourceStore, live.Source)
	require.NotNil(t, live.LastActivity)
	assert.True(t, trackerT0.Add(50*time.Second).Equal(*live.LastActivity))

	status, err := f.tracker.CheckAndSync(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.LivenessOnline, status)
	assert.Equal(t, "online", f.devices.devices[7].ConnectionStatus)

	statuses, err := f.tracker.ListStatuses(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.LivenessOnline, statuses[0].Status)

	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 110*time.Second))
}

func TestLiveness_ConcurrentUpdatesKeepNewestInCache(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()
	f.at(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()

	raw, err := f.mr.Get("device:lastseen:7")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%019d", trackerT0.Add(19*time.Second).UnixNano()), raw)

	live, err := f.tracker.GetStatus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, live.Source)
	assert.True(t, trackerT0.Add(19*time.Second).Equal(*live.LastActivity))
	assert.Equal(t, models.LivenessOnline, live.Status)
}

func TestLiveness_FutureTimestampClampedToNow(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()

	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0.Add(time.Hour)))

	assert.Equal(t, models.LivenessOffline, statusAt(t, f, 61*time.Second))
}

func TestLiveness_SyncModeRetriesWithBackoff(t *testing.T) {
	f := newTrackerFixture(t, DurabilitySync, nil)
	f.devices.failUpdates = 2

	require.NoError(t, f.tracker.UpdateActivity(context.Background(), 7, trackerT0))

	assert.Equal(t, 3, f.devices.updateCalls)
	require.NotNil(t, f.devices.lastSeen(7))
	assert.Equal(t, 0, f.tracker.PendingCount())
}

func TestLiveness_SyncModeExhaustedRetriesAreQueued(t *testing.T) {
	f := newTrackerFixture(t, DurabilitySync, nil)
	f.devices.failUpdates = 3
	ctx := context.Background()

	// 写库失败不影响调用结果
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))
	assert.Nil(t, f.devices.lastSeen(7))
	assert.Equal(t, 1, f.tracker.PendingCount())

	n, err := f.tracker.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, f.devices.lastSeen(7))
	assert.True(t, trackerT0.Equal(*f.devices.lastSeen(7)))
}

func TestLiveness_DebouncedCoalescesWrites(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.at(time.Duration(i) * time.Second)
		require.NoError(t, f.tracker.UpdateActivity(ctx, 7, f.clock))
	}
	assert.Equal(t, 0, f.devices.updateCalls)
	assert.Equal(t, 1, f.tracker.PendingCount())

	n, err := f.tracker.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.devices.batchCalls)
	assert.True(t, trackerT0.Add(9*time.Second).Equal(*f.devices.lastSeen(7)))

	// 队列为空时不访问数据库
	_, err = f.tracker.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.devices.batchCalls)
}

func TestLiveness_FlushFailureRequeues(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))

	f.devices.failBatch = true
	_, err := f.tracker.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, f.tracker.PendingCount())

	f.devices.failBatch = false
	n, err := f.tracker.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLiveness_RunFlushesOnShutdown(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	require.NoError(t, f.tracker.UpdateActivity(context.Background(), 7, trackerT0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.tracker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not stop")
	}
	require.NotNil(t, f.devices.lastSeen(7))
}

func TestCheckAndSync(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))

	f.at(10 * time.Second)
	status, err := f.tracker.CheckAndSync(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.LivenessOnline, status)
	assert.Equal(t, 1, f.devices.syncCalls)
	assert.Equal(t, "online", f.devices.devices[7].ConnectionStatus)
	assert.True(t, trackerT0.Equal(*f.devices.lastSeen(7)))

	// 镜像一致时不写库
	_, err = f.tracker.CheckAndSync(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, f.devices.syncCalls)

	f.at(2 * time.Minute)
	status, err = f.tracker.CheckAndSync(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.LivenessOffline, status)
	assert.Equal(t, 2, f.devices.syncCalls)
	assert.Equal(t, "offline", f.devices.devices[7].ConnectionStatus)
}

func TestListStatuses(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))

	f.at(5 * time.Second)
	statuses, err := f.tracker.ListStatuses(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, int64(7), statuses[0].DeviceID)
	assert.Equal(t, models.LivenessOnline, statuses[0].Status)
	assert.Equal(t, "greenhouse", statuses[0].Name)
	assert.Equal(t, models.LivenessOffline, statuses[1].Status)
	assert.Equal(t, models.LivenessOffline, statuses[2].Status)
}

func TestTracker_ClearCacheIdempotent(t *testing.T) {
	f := newTrackerFixture(t, DurabilityDebounced, nil)
	ctx := context.Background()
	require.NoError(t, f.tracker.UpdateActivity(ctx, 7, trackerT0))

	require.NoError(t, f.tracker.ClearCache(ctx, 7))
	require.NoError(t, f.tracker.ClearCache(ctx, 7))

	stats, err := f.tracker.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.LastSeenKeys)

	require.NoError(t, f.tracker.UpdateActivity(ctx, 8, trackerT0))
	n, err := f.tracker.ClearAllCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconcileStats 对账统计
type ReconcileStats struct {
	Passes      int64     `json:"passes"`
	Checked     int64     `json:"checked"`
	Synced      int64     `json:"synced"`
	Errors      int64     `json:"errors"`
	LastRun     time.Time `json:"last_run"`
	LastSynced  int       `json:"last_synced"`
	LastErrors  int       `json:"last_errors"`
	LastElapsed string    `json:"last_elapsed"`
}

// Reconciler 后台对账：定期刷盘并把计算出的在线状态同步到 devices 表
// 不改变在线判定，只让冷缓存读取和设备列表保持新鲜
type Reconciler struct {
	tracker   *LivenessTracker
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	mu    sync.Mutex
	stats ReconcileStats
}

// NewReconciler 创建对账任务
func NewReconciler(tracker *LivenessTracker, interval time.Duration, batchSize int, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{
		tracker:   tracker,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start 启动对账循环，ctx 取消后返回
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Starting liveness reconciler",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Liveness reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一次全量对账，返回同步条数和失败条数
func (r *Reconciler) RunOnce(ctx context.Context) (synced, failed int) {
	started := time.Now()

	if _, err := r.tracker.Flush(ctx); err != nil {
		r.logger.Warn("Reconcile flush failed", zap.Error(err))
		failed++
	}

	checked := 0
	var afterID int64
	for {
		if ctx.Err() != nil {
			break
		}

		storeCtx, cancel := context.WithTimeout(ctx, r.tracker.cfg.StoreTimeout)
		devices, err := r.tracker.devices.ListDevices(storeCtx, afterID, r.batchSize)
		cancel()
		if err != nil {
			r.logger.Error("Failed to list devices for reconcile", zap.Error(err))
			failed++
			break
		}

		for i := range devices {
			_, wrote, err := r.tracker.checkAndSyncDevice(ctx, &devices[i])
			checked++
			if err != nil {
				r.logger.Warn("Failed to sync device liveness",
					zap.Int64("device_id", devices[i].ID),
					zap.Error(err),
				)
				failed++
				continue
			}
			if wrote {
				synced++
			}
		}

		if len(devices) < r.batchSize {
			break
		}
		afterID = devices[len(devices)-1].ID
	}

	elapsed := time.Since(started)
	r.mu.Lock()
	r.stats.Passes++
	r.stats.Checked += int64(checked)
	r.stats.Synced += int64(synced)
	r.stats.Errors += int64(failed)
	r.stats.LastRun = started
	r.stats.LastSynced = synced
	r.stats.LastErrors = failed
	r.stats.LastElapsed = elapsed.String()
	r.mu.Unlock()

	r.logger.Debug("Reconcile pass completed",
		zap.Int("checked", checked),
		zap.Int("synced", synced),
		zap.Int("errors", failed),
		zap.Duration("elapsed", elapsed),
	)
	return synced, failed
}

// Stats 返回对账统计快照
func (r *Reconciler) Stats() ReconcileStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

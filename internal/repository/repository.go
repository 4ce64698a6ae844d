package repository

import (
	"context"
	"errors"
	"time"

	"iotflow-connectivity/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// DeviceRepository 设备Repository接口
// 设备的创建和修改由设备管理服务负责，这里只读取身份并维护 last_seen / connection_status 镜像
type DeviceRepository interface {
	// GetDeviceByAPIKey 按凭证查询设备（不过滤状态），不存在返回 ErrNotFound
	GetDeviceByAPIKey(ctx context.Context, apiKey string) (*models.Device, error)
	// GetDevice 按ID查询设备，不存在返回 ErrNotFound
	GetDevice(ctx context.Context, deviceID int64) (*models.Device, error)
	// ListDevices 按ID游标分页
	ListDevices(ctx context.Context, afterID int64, limit int) ([]models.Device, error)

	// TouchAuthenticated 更新最后认证时间
	TouchAuthenticated(ctx context.Context, deviceID int64, at time.Time) error
	// UpdateLastSeen last_seen 只前进不后退
	UpdateLastSeen(ctx context.Context, deviceID int64, at time.Time) error
	// UpdateLastSeenBatch 在一个事务中批量推进 last_seen
	UpdateLastSeenBatch(ctx context.Context, entries map[int64]time.Time) error
	// SyncLiveness 强制写入在线状态镜像；lastSeen 为 nil 时不修改 last_seen
	SyncLiveness(ctx context.Context, deviceID int64, lastSeen *time.Time, status models.LivenessStatus) error
}

// RangeFilter 单设备范围查询条件
type RangeFilter struct {
	DeviceID    int64
	Measurement string // 为空表示所有测量项
	Start       time.Time
	End         time.Time
	Limit       int
	Offset      int
	Desc        bool
}

// AggregateFilter 聚合查询条件
type AggregateFilter struct {
	DeviceID    int64
	Measurement string
	Start       time.Time
	End         time.Time
	BucketWidth time.Duration
	Fn          models.AggregateFn
}

// MultiRangeFilter 多设备范围查询条件
type MultiRangeFilter struct {
	DeviceIDs      []int64
	Measurements   []string // 为空表示所有测量项
	Start          time.Time
	End            time.Time
	LimitPerSeries int
}

// TelemetryRepository 遥测数据Repository接口
type TelemetryRepository interface {
	// InsertBatch 在一个事务中写入一批记录，返回写入条数
	InsertBatch(ctx context.Context, records []models.Measurement) (int64, error)

	// Latest 返回最新一条记录，不存在返回 nil
	Latest(ctx context.Context, deviceID int64, measurement string) (*models.Measurement, error)
	// LatestSnapshot 返回设备最新时间戳上的所有测量项
	LatestSnapshot(ctx context.Context, deviceID int64) ([]models.Measurement, error)
	Range(ctx context.Context, filter RangeFilter) ([]models.Measurement, error)
	Aggregate(ctx context.Context, filter AggregateFilter) ([]models.Bucket, error)
	// MultiDeviceRange 按 (device_id, measurement_name, timestamp) 排序返回
	MultiDeviceRange(ctx context.Context, filter MultiRangeFilter) ([]models.Measurement, error)
	Count(ctx context.Context, deviceID int64, start, end time.Time) (int64, error)

	// DeleteRange 管理员按时间范围删除，返回删除条数
	DeleteRange(ctx context.Context, deviceID int64, start, end time.Time) (int64, error)
}

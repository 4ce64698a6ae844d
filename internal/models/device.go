package models

import "time"

// 设备管理状态（devices.status），只有 active 设备可以通过认证
const (
	DeviceStatusActive      = "active"
	DeviceStatusInactive    = "inactive"
	DeviceStatusMaintenance = "maintenance"
)

// LivenessStatus 设备在线状态（由最后活跃时间推导，不直接存储判定结果）
type LivenessStatus string

const (
	LivenessOnline  LivenessStatus = "online"
	LivenessOffline LivenessStatus = "offline"
)

// 最后活跃时间来源
const (
	SourceCache = "cache" // Redis 缓存中的值最新
	SourceStore = "store" // 缓存未命中或落后，以 devices.last_seen（含未刷盘队列）为准
	SourceNone  = "none"  // 从未上报
)

// Device 设备领域模型（对应 devices 表）
type Device struct {
	ID         int64  `db:"id" json:"id"`
	UserID     int64  `db:"user_id" json:"user_id"` // 所属账号
	Name       string `db:"name" json:"name"`
	DeviceType string `db:"device_type" json:"device_type"` // 设备类别，决定在线超时
	Status     string `db:"status" json:"status"`           // active / inactive / maintenance
	APIKey     string `db:"api_key" json:"-"`               // UNIQUE

	LastSeen         *time.Time `db:"last_seen" json:"last_seen,omitempty"`
	ConnectionStatus string     `db:"connection_status" json:"connection_status"` // online / offline 冗余镜像
}

// IsActive 设备是否允许上报
func (d *Device) IsActive() bool {
	return d != nil && d.Status == DeviceStatusActive
}

// Liveness 设备在线状态记录
type Liveness struct {
	DeviceID     int64          `json:"device_id"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
	Status       LivenessStatus `json:"status"`
	Source       string         `json:"source"`
}

// ComputeLiveness 在线判定：now - lastActivity < timeout
// lastActivity 为 nil（从未上报）时为离线
func ComputeLiveness(lastActivity *time.Time, now time.Time, timeout time.Duration) LivenessStatus {
	if lastActivity == nil {
		return LivenessOffline
	}
	if now.Sub(*lastActivity) < timeout {
		return LivenessOnline
	}
	return LivenessOffline
}

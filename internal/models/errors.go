package models

import (
	"fmt"
	"strings"
)

// AuthReason 认证失败原因（仅用于日志，传输层统一返回 unauthorized）
type AuthReason string

const (
	AuthNotFound AuthReason = "not_found"
	AuthInactive AuthReason = "inactive"
)

// AuthError 设备凭证认证失败
type AuthError struct {
	Reason   AuthReason
	DeviceID int64 // Inactive 时有效
}

func (e *AuthError) Error() string {
	return "device authentication failed: " + string(e.Reason)
}

// ValidationReason 校验失败原因
type ValidationReason string

const (
	ValidationEmptyBatch   ValidationReason = "empty_batch"
	ValidationUntypedValue ValidationReason = "untyped_value"
	ValidationOutOfRange   ValidationReason = "out_of_range"
	ValidationMalformed    ValidationReason = "malformed"
)

// EntryIssue 单条测量值的校验问题
type EntryIssue struct {
	Index  int              `json:"index"`
	Name   string           `json:"name"`
	Reason ValidationReason `json:"reason"`
	Detail string           `json:"detail,omitempty"`
}

// ValidationError 上报批次校验失败，整批拒绝
type ValidationError struct {
	Reason ValidationReason
	Issues []EntryIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid telemetry batch: " + string(e.Reason)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s(%s)", is.Name, is.Reason))
	}
	return "invalid telemetry batch: " + strings.Join(parts, ", ")
}

// IngestError 持久化失败，调用方可重试
type IngestError struct {
	Retryable bool
	Err       error
}

func (e *IngestError) Error() string {
	return "telemetry persistence failed: " + e.Err.Error()
}

func (e *IngestError) Unwrap() error { return e.Err }

// QueryReason 查询参数错误原因
type QueryReason string

const (
	QueryInvalidRange    QueryReason = "invalid_range"
	QueryInvalidBucket   QueryReason = "invalid_bucket"
	QueryInvalidFunction QueryReason = "invalid_function"
	QueryInvalidArgument QueryReason = "invalid_argument"
)

// QueryError 查询参数非法
type QueryError struct {
	Reason  QueryReason
	Message string
}

func (e *QueryError) Error() string {
	if e.Message == "" {
		return "invalid query: " + string(e.Reason)
	}
	return "invalid query: " + string(e.Reason) + ": " + e.Message
}

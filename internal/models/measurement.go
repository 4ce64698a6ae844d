package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind 遥测值类型
type ValueKind string

const (
	KindNumeric    ValueKind = "numeric"
	KindText       ValueKind = "text"
	KindBoolean    ValueKind = "boolean"
	KindStructured ValueKind = "structured"
)

// Value 遥测值（带标签的联合体，只有 Kind 对应的字段有效）
// 类型在接入边界解析一次，下游不再推断
type Value struct {
	Kind    ValueKind
	Numeric float64
	Text    string
	Bool    bool
	JSON    json.RawMessage // 对象或数组
}

// NumericValue 构造数值
func NumericValue(v float64) Value { return Value{Kind: KindNumeric, Numeric: v} }

// TextValue 构造文本值
func TextValue(v string) Value { return Value{Kind: KindText, Text: v} }

// BoolValue 构造布尔值
func BoolValue(v bool) Value { return Value{Kind: KindBoolean, Bool: v} }

// StructuredValue 构造结构化值
func StructuredValue(raw json.RawMessage) Value { return Value{Kind: KindStructured, JSON: raw} }

var (
	// ErrUntypedValue 值为空或类型不支持
	ErrUntypedValue = errors.New("value cannot be typed")
	// ErrOutOfRange 数值为 NaN / Infinity 或超出 float64 范围
	ErrOutOfRange = errors.New("numeric value out of range")
)

// ResolveValue 将解码后的 JSON 值解析为 Value
// 支持 json.Number（解码时 UseNumber），超出 float64 范围的数字返回 ErrOutOfRange
func ResolveValue(v interface{}) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{}, ErrUntypedValue
	case bool:
		return BoolValue(val), nil
	case string:
		return TextValue(val), nil
	case json.Number:
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return Value{}, ErrOutOfRange
		}
		return checkedNumeric(f)
	case float64:
		return checkedNumeric(val)
	case float32:
		return checkedNumeric(float64(val))
	case int:
		return NumericValue(float64(val)), nil
	case int32:
		return NumericValue(float64(val)), nil
	case int64:
		return NumericValue(float64(val)), nil
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(val)
		if err != nil {
			return Value{}, ErrUntypedValue
		}
		return StructuredValue(raw), nil
	case json.RawMessage:
		return resolveRaw(val)
	default:
		return Value{}, ErrUntypedValue
	}
}

func checkedNumeric(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, ErrOutOfRange
	}
	return NumericValue(f), nil
}

func resolveRaw(raw json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return Value{}, ErrUntypedValue
	}
	return ResolveValue(decoded)
}

// Interface 返回 JSON 输出用的原生值
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNumeric:
		return v.Numeric
	case KindText:
		return v.Text
	case KindBoolean:
		return v.Bool
	case KindStructured:
		return v.JSON
	default:
		return nil
	}
}

// String 文本表示（导出 Excel 使用）
func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		return strconv.FormatFloat(v.Numeric, 'f', -1, 64)
	case KindText:
		return v.Text
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindStructured:
		return string(v.JSON)
	default:
		return ""
	}
}

// MarshalJSON Value 序列化为原生 JSON 值
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindStructured {
		if len(v.JSON) == 0 {
			return []byte("null"), nil
		}
		return v.JSON, nil
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON 从原生 JSON 值解析
func (v *Value) UnmarshalJSON(data []byte) error {
	resolved, err := resolveRaw(data)
	if err != nil {
		return fmt.Errorf("invalid telemetry value: %w", err)
	}
	*v = resolved
	return nil
}

// Measurement 遥测记录（对应 telemetry_data 表），写入后不可修改
type Measurement struct {
	ID        int64                  `json:"id"`
	DeviceID  int64                  `json:"device_id"`
	UserID    int64                  `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Name      string                 `json:"measurement_name"`
	Value     Value                  `json:"value"`
	ValueKind ValueKind              `json:"value_type"`
	Unit      string                 `json:"unit,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AggregateFn 聚合函数
type AggregateFn string

const (
	AggAvg   AggregateFn = "avg"
	AggMin   AggregateFn = "min"
	AggMax   AggregateFn = "max"
	AggSum   AggregateFn = "sum"
	AggCount AggregateFn = "count"
)

// ParseAggregateFn 解析聚合函数名，兼容 mean
func ParseAggregateFn(s string) (AggregateFn, bool) {
	switch s {
	case "avg", "mean":
		return AggAvg, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	case "sum":
		return AggSum, true
	case "count":
		return AggCount, true
	}
	return "", false
}

// Bucket 聚合时间桶
type Bucket struct {
	Start time.Time `json:"bucket_start"`
	Value float64   `json:"value"`
	Count int64     `json:"count"`
}

// SeriesKey 多设备查询的序列标识
type SeriesKey struct {
	DeviceID    int64  `json:"device_id"`
	Measurement string `json:"measurement_name"`
}

// Series 单个 (设备, 测量项) 的有序数据
type Series struct {
	SeriesKey
	Points []Measurement `json:"points"`
}

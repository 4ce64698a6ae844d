package httpapi

// Result 统一响应结构
// - code: 2000 成功，其余为错误码
// - type: 'success' | 'error'
// - message: string
// - result: any
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// FailWith 带错误详情（如逐条校验结果）
func FailWith(message string, detail any) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: detail}
}

// Package errors 提供统一错误类型与哨兵错误，沿用三层错误体系。
//
// 会议同步引擎精简版:
//   - L1 哨兵错误: ErrConnection / ErrProtocol / ErrServer / ErrQuotaExhausted 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//   - L3 ServerError: 服务端显式下发的 error 事件 (可带 provider)
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrClosed 会话或通道已关闭
	ErrClosed = errors.New("closed")

	// ErrConnection 瞬时连接错误 (握手失败 / socket 断开 / 流中断), 由重连监督器本地恢复。
	ErrConnection = errors.New("connection error")

	// ErrProtocol 帧或行无法解析; 只跳过该帧, 通道继续。
	ErrProtocol = errors.New("protocol error")

	// ErrServer 服务端显式 error 事件。
	ErrServer = errors.New("server error")

	// ErrQuotaExhausted 上游 provider 配额耗尽 (带 provider 的 ServerError)。
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrRunInFlight 已有运行请求正在触发。
	ErrRunInFlight = errors.New("run already in flight")
)

// 错误码 (AppError.Code)。
const (
	CodeConnection = "CONNECTION"
	CodeProtocol   = "PROTOCOL"
	CodeServer     = "SERVER"
	CodeQuota      = "QUOTA_EXHAUSTED"
	CodeHTTP       = "HTTP_STATUS"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "PushChannel.Connect"
	Code    string // 错误码，如 "CONNECTION"、"PROTOCOL"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并附带错误码。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// Connection 构造 ErrConnection 分类的错误。
func Connection(err error, op, message string) error {
	if err == nil {
		err = ErrConnection
	} else {
		err = fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return &AppError{Op: op, Code: CodeConnection, Message: message, Err: err}
}

// Protocol 构造 ErrProtocol 分类的错误。
func Protocol(err error, op, message string) error {
	if err == nil {
		err = ErrProtocol
	} else {
		err = fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &AppError{Op: op, Code: CodeProtocol, Message: message, Err: err}
}

// CodeOf 返回错误链上第一个非空错误码。
func CodeOf(err error) string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Code != "" {
			return appErr.Code
		}
		err = appErr.Err
	}
	return ""
}

// IsTransient 判断错误是否属于可本地重试的连接类错误。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServer) {
		return false
	}
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout)
}

// ========================================
// L3 ServerError
// ========================================

// ServerError 服务端下发的语义失败。Provider 非空时同时匹配 ErrQuotaExhausted。
type ServerError struct {
	MeetingID string
	Detail    string
	Provider  string
}

// Error 实现 error 接口。
func (e *ServerError) Error() string {
	detail := strings.TrimSpace(e.Detail)
	if detail == "" {
		detail = "unknown error"
	}
	if e.Provider != "" {
		return fmt.Sprintf("meeting %s: provider %s quota exhausted: %s", e.MeetingID, e.Provider, detail)
	}
	return fmt.Sprintf("meeting %s: server error: %s", e.MeetingID, detail)
}

// Is 让 errors.Is(err, ErrServer) / errors.Is(err, ErrQuotaExhausted) 成立。
func (e *ServerError) Is(target error) bool {
	switch target {
	case ErrServer:
		return true
	case ErrQuotaExhausted:
		return e.Provider != ""
	}
	return false
}

// Quota 报告是否为配额耗尽。
func (e *ServerError) Quota() bool { return e.Provider != "" }

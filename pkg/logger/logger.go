// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (JSON/Text + 级别)
//   - InitWithFile() 同时输出到 stderr 和日志文件
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/multi-agent/meetsync/pkg/errors"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	// level 所有内置 handler 共享的动态级别。
	level = new(slog.LevelVar)

	logFile   *os.File   // 全局日志文件, Shutdown 时关闭
	logFileMu sync.Mutex // 保护 logFile 并发关闭
)

func init() { defaultLogger.Store(newLogger(false, os.Stderr)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 统一时间格式为毫秒精度, 便于对齐重连/轮询时间线。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
		}
	}
	return a
}

func newLogger(development bool, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   development,
		ReplaceAttr: replaceTimeAttr,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Init 初始化日志配置。env: "development"/"dev" 输出文本, 其余输出 JSON。
func Init(env string) {
	dev := env == "development" || env == "dev"
	storeLogger(newLogger(dev, os.Stderr))
}

// SetLevel 按名称设置级别 (DEBUG/INFO/WARN/ERROR, 大小写不敏感)。未知名称保持 INFO。
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// ParseLevel 解析级别名称。
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitWithFile 初始化日志, 同时输出到 stderr 和日志文件。
//
// 日志文件: {logDir}/meetsync-{date}.log (JSON 格式)。
// 重复调用会关闭上一个文件。调用者应在退出前调用 ShutdownFileHandler()。
func InitWithFile(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "create log dir")
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("meetsync-%s.log", date))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "open log file")
	}
	logFileMu.Lock()
	prev := logFile
	logFile = f
	logFileMu.Unlock()
	if prev != nil {
		_ = prev.Sync()
		_ = prev.Close()
	}

	storeLogger(newLogger(false, io.MultiWriter(os.Stderr, f)))

	slog.Info("log file opened", FieldPath, logPath)
	return nil
}

// ShutdownFileHandler 关闭日志文件 (并发安全)。
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
		storeLogger(newLogger(false, os.Stderr))
	}
}

// SetForTest 替换默认日志器 (测试捕获日志用)。
func SetForTest(l *slog.Logger) {
	if l == nil {
		return
	}
	storeLogger(l)
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	ShutdownFileHandler()
	os.Exit(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Attr 类型别名 (避免调用方直接 import slog)。
type Attr = slog.Attr

// Any 创建任意类型属性。
func Any(key string, value any) Attr { return slog.Any(key, value) }

// 预留字段常量 — MUST 使用常量键名，勿硬编码。
const (
	FieldTraceID    = "trace_id"
	FieldAction     = "action"
	FieldComponent  = "component"
	FieldModule     = "module"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldLatencyMS  = "latency_ms"
	FieldCount      = "count"
	FieldPath       = "path"
	FieldMethod     = "method"
	FieldSource     = "source"
	FieldEventType  = "event_type"
	FieldDurationMS = "duration_ms"
	FieldAddr       = "addr"
	FieldRemote     = "remote"
	FieldID         = "id"
	FieldName       = "name"
	FieldListen     = "listen"
	FieldURL        = "url"
	FieldVersion    = "version"
	FieldState      = "state"
	FieldRaw        = "raw"
	FieldDataLen    = "data_len"

	// 会议同步
	FieldMeetingID = "meeting_id"
	FieldSessionID = "session_id"
	FieldChannel   = "channel"
	FieldRound     = "round"
	FieldRounds    = "rounds"
	FieldMaxRounds = "max_rounds"
	FieldRetry     = "retry"
	FieldDelayMS   = "delay_ms"
	FieldEventID   = "event_id"
	FieldAgentID   = "agent_id"
	FieldProvider  = "provider"
	FieldTransport = "transport"
	FieldGen       = "gen"
)

// Package observability provides structured logging, metrics, and tracing
// for the Kindred server.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger provides structured logging with request correlation and
// sensitive-data redaction, built on log/slog.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" (production) or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// RedactPatterns are additional regex patterns for sensitive data.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in log correlation.
type ContextKey string

const (
	// RequestIDKey is the context key for request ids.
	RequestIDKey ContextKey = "request_id"

	// TenantIDKey is the context key for tenant ids.
	TenantIDKey ContextKey = "tenant_id"

	// UserIDKey is the context key for user ids.
	UserIDKey ContextKey = "user_id"

	// ConversationIDKey is the context key for conversation ids.
	ConversationIDKey ContextKey = "conversation_id"
)

// DefaultRedactPatterns covers the credential formats the server handles.
var DefaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(api[_-]?key|secret|password|token)[\s:=]+["']?([^\s"']{8,})["']?`,
}

// NewLogger creates a structured logger. Empty config fields default to
// info level, JSON format, stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+8)
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok && tenantID != "" {
		attrs = append(attrs, "tenant_id", tenantID)
	}
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		attrs = append(attrs, "user_id", userID)
	}
	if convID, ok := ctx.Value(ConversationIDKey).(string); ok && convID != "" {
		attrs = append(attrs, "conversation_id", convID)
	}

	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		if val == nil {
			return nil
		}
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithContext returns a context carrying the given correlation ids; empty
// values are skipped.
func WithContext(ctx context.Context, requestID, tenantID, userID, conversationID string) context.Context {
	if requestID != "" {
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
	}
	if tenantID != "" {
		ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	}
	if userID != "" {
		ctx = context.WithValue(ctx, UserIDKey, userID)
	}
	if conversationID != "" {
		ctx = context.WithValue(ctx, ConversationIDKey, conversationID)
	}
	return ctx
}

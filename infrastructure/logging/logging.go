// Package logging provides request-scoped structured logging built on top
// of pkg/logger's logrus wrapper. It adds trace/user/role context
// propagation conventions shared by the HTTP middleware stack.
package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/campaignforge/sagaflow/pkg/logger"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	userIDKey  ctxKey = "user_id"
	roleKey    ctxKey = "role"
)

// Logger wraps pkg/logger.Logger with context-aware helpers used by
// middleware (recovery, request logging, rate limiting).
type Logger struct {
	*logger.Logger
}

// New builds a Logger for the given component name, level and format
// ("json" or "text").
func New(name, level, format string) *Logger {
	return &Logger{Logger: logger.New(logger.LoggingConfig{
		Level:  level,
		Format: format,
	})}
}

// WithContext attaches trace/user/role fields carried on ctx to the entry.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if id := GetTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	if id := GetUserID(ctx); id != "" {
		fields["user_id"] = id
	}
	if role := GetRole(ctx); role != "" {
		fields["role"] = role
	}
	return l.Logger.WithFields(fields)
}

// LogRequest logs a completed HTTP request at info level.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   status,
		"duration": duration.String(),
	}).Info("request completed")
}

// LogSecurityEvent logs a security-relevant event (rate limit, auth
// failure) at warn level with the supplied structured fields.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("event", event)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Warn("security event")
}

// NewTraceID generates a new random trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID returns a derived context carrying the trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID extracts the trace ID from ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithUserID returns a derived context carrying the user ID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID extracts the user ID from ctx, or "" if absent.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithRole returns a derived context carrying the caller's role.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// GetRole extracts the role from ctx, or "" if absent.
func GetRole(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

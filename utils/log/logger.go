package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	if os.Getenv("DEBUG") == "true" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
}

type ctxKey string

const (
	userIDKey    ctxKey = "user_id"
	historyIDKey ctxKey = "history_id"
	sessionIDKey ctxKey = "session_id"
)

// WithUser returns a context whose log lines carry the user and history ids.
func WithUser(ctx context.Context, userID, historyID string) context.Context {
	if userID != "" {
		ctx = context.WithValue(ctx, userIDKey, userID)
	}
	if historyID != "" {
		ctx = context.WithValue(ctx, historyIDKey, historyID)
	}
	return ctx
}

// WithSession returns a context whose log lines carry the websocket session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v := ctx.Value(sessionIDKey); v != nil {
		fields = append(fields, zap.Any("session_id", v))
	}
	if v := ctx.Value(userIDKey); v != nil {
		fields = append(fields, zap.Any("user_id", v))
	}
	if v := ctx.Value(historyIDKey); v != nil {
		fields = append(fields, zap.Any("history_id", v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Sync()
}

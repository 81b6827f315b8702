// Package oplog adapts zap to the funnel's OperationLogger callback.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

// Logger forwards operation events to zap.
type Logger struct {
	logger *zap.Logger
}

// New wires a Logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogOperation emits one structured event per domain operation. Errors on
// state-changing operations log at warn so normal contention stays readable.
func (adapter *Logger) LogOperation(_ context.Context, entry funnel.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("action", entry.Action),
		zap.String("status", entry.Status),
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.Subject != "" {
		fields = append(fields, zap.String("subject", entry.Subject))
	}
	if entry.Number != 0 {
		fields = append(fields, zap.Int64("number", entry.Number))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("funnel operation", fields...)
		return
	}
	adapter.logger.Info("funnel operation", fields...)
}

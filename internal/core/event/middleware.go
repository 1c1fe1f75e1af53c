package event

import (
	"time"

	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every delivered event at debug level and failed
// events at warn level.
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *SessionEvent) {
		start := time.Now()
		defer func() {
			fields := []zap.Field{
				zap.String("type", string(event.Type)),
				zap.String("session_id", event.SessionID),
				zap.String("call_id", event.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if event.From != "" || event.To != "" {
				fields = append(fields, zap.String("from", event.From), zap.String("to", event.To))
			}
			if event.IsError() {
				logger.Base().Warn("Event carried an error", append(fields, zap.Error(event.Error))...)
				return
			}
			logger.Base().Debug("Event handled", fields...)
		}()

		next(event)
	}
}

// RecoveryMiddleware keeps a panicking handler from taking the rest of the
// chain down with it.
func RecoveryMiddleware(next EventHandler) EventHandler {
	return func(event *SessionEvent) {
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Panic in event handler",
					zap.String("type", string(event.Type)),
					zap.String("session_id", event.SessionID),
					zap.Any("panic", r))
			}
		}()

		next(event)
	}
}

// TimeoutMiddleware stops waiting for a handler after timeout.
func TimeoutMiddleware(timeout time.Duration) EventMiddleware {
	return func(next EventHandler) EventHandler {
		return func(event *SessionEvent) {
			done := make(chan struct{})

			go func() {
				defer close(done)
				defer func() {
					if r := recover(); r != nil {
						logger.Base().Error("Panic in event handler", zap.String("type", string(event.Type)), zap.Any("panic", r))
					}
				}()
				next(event)
			}()

			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				logger.Base().Warn("Event handler timeout",
					zap.String("type", string(event.Type)),
					zap.String("session_id", event.SessionID),
					zap.Duration("timeout", timeout))
			}
		}
	}
}

// DefaultMiddlewareChain is the chain the server installs.
func DefaultMiddlewareChain() []EventMiddleware {
	return []EventMiddleware{
		RecoveryMiddleware,
		LoggingMiddleware,
	}
}

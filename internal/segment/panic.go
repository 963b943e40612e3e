package segment

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// PanicHandler is told about a job that panicked. The worker survives and the
// job fails with InferenceFailure regardless of what the handler does.
type PanicHandler interface {
	HandlePanic(workerID string, sessionID string, panicValue any, stackTrace []byte)
}

// DefaultPanicHandler logs panics with stack traces.
type DefaultPanicHandler struct{}

// NewDefaultPanicHandler returns the default panic handler.
func NewDefaultPanicHandler() *DefaultPanicHandler {
	return &DefaultPanicHandler{}
}

// HandlePanic logs the panic with its stack trace.
func (h *DefaultPanicHandler) HandlePanic(workerID, sessionID string, panicValue any, stackTrace []byte) {
	slog.Default().ErrorContext(context.Background(), "PANIC in segmentation worker",
		slog.String("worker_id", workerID),
		slog.String("session_id", sessionID),
		slog.Any("panic", panicValue),
		slog.String("stack_trace", string(stackTrace)))
}

// MetricsPanicHandler counts panics before delegating to a wrapped handler.
type MetricsPanicHandler struct {
	wrapped PanicHandler
	onPanic func(workerID string, panicValue any)
}

// NewMetricsPanicHandler wraps another handler to add metrics tracking.
func NewMetricsPanicHandler(wrapped PanicHandler, onPanic func(string, any)) *MetricsPanicHandler {
	return &MetricsPanicHandler{
		wrapped: wrapped,
		onPanic: onPanic,
	}
}

// HandlePanic calls the metrics callback and delegates to the wrapped handler.
func (h *MetricsPanicHandler) HandlePanic(workerID, sessionID string, panicValue any, stackTrace []byte) {
	if h.onPanic != nil {
		h.onPanic(workerID, panicValue)
	}
	if h.wrapped != nil {
		h.wrapped.HandlePanic(workerID, sessionID, panicValue, stackTrace)
	}
}

// handleRecoveredPanic reports a recovered panic to handler, or to the default handler if nil.
func handleRecoveredPanic(workerID, sessionID string, panicValue any, handler PanicHandler) {
	if handler == nil {
		handler = NewDefaultPanicHandler()
	}
	handler.HandlePanic(workerID, sessionID, panicValue, debug.Stack())
}

package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics. workerID is -1 for tasks that
	// did not run on a pool worker.
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics at error level.
type DefaultPanicHandler struct {
	Logger Logger
}

func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	LoggerOrNop(h.Logger).Error("task panicked",
		zap.String("runner", runnerName),
		zap.Int("worker", workerID),
		zap.Any("panic", panicInfo),
		zap.ByteString("stack", stackTrace),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects task execution metrics for runners and frame task queues.
//
// Methods should be non-blocking and fast to avoid impacting task execution.
type Metrics interface {
	RecordTaskDuration(runnerName string, priority TaskPriority, duration time.Duration)
	RecordTaskPanic(runnerName string, panicInfo any)
	// RecordQueueDepth records the number of tasks waiting in a runner or queue.
	RecordQueueDepth(runnerName string, depth int)
	RecordTaskRejected(runnerName string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(runnerName string, priority TaskPriority, duration time.Duration) {
}
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any)     {}
func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int)        {}
func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string) {}

// =============================================================================
// RejectedTaskHandler
// =============================================================================

// RejectedTaskHandler is called when the scheduler refuses a task, which only
// happens once it is shutting down.
type RejectedTaskHandler interface {
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at debug level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	LoggerOrNop(h.Logger).Debug("task rejected",
		zap.String("runner", runnerName),
		zap.String("reason", reason),
	)
}

// =============================================================================
// TaskSchedulerConfig
// =============================================================================

// TaskSchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type TaskSchedulerConfig struct {
	PanicHandler        PanicHandler
	Metrics             Metrics
	RejectedTaskHandler RejectedTaskHandler
	Logger              Logger
}

// DefaultTaskSchedulerConfig returns a config with default handlers.
func DefaultTaskSchedulerConfig() *TaskSchedulerConfig {
	return &TaskSchedulerConfig{
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
	}
}

package pipeline

import (
	"context"
	"time"
)

// Recorder keeps the run status surfaced to operators. Recording failures are
// logged by the executor and never fail a task.
type Recorder interface {
	CreateRun(ctx context.Context, runID string, g *Graph) error
	TaskStarted(ctx context.Context, runID string, task Task) error
	TaskDone(ctx context.Context, runID string, result TaskResult) error
	TaskFailed(ctx context.Context, runID string, result TaskResult) error
	FinishRun(ctx context.Context, runID string, runErr error) error
}

type TaskResult struct {
	Task           Task
	// Output is the transcript path for this run
	Output         string
	ModelName      string
	// AudioDuration is 0 when no prober is configured
	AudioDuration  float64
	ProcessingTime time.Duration
	Err            error
}

type NopRecorder struct{}

func (NopRecorder) CreateRun(context.Context, string, *Graph) error { return nil }
func (NopRecorder) TaskStarted(context.Context, string, Task) error { return nil }
func (NopRecorder) TaskDone(context.Context, string, TaskResult) error { return nil }
func (NopRecorder) TaskFailed(context.Context, string, TaskResult) error { return nil }
func (NopRecorder) FinishRun(context.Context, string, error) error { return nil }

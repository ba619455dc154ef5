package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/K3das/transcript-extraction/asr"
	"github.com/K3das/transcript-extraction/utils"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// sync recognition rejects inline audio over 10MiB
	DefaultChirpMaxAudioSize = 1024 * 1024 * 10
	// the transcription api rejects uploads over 25MB
	DefaultWhisperMaxAudioSize = 1024 * 1024 * 25
)

var ErrNoAdapter = fmt.Errorf("no adapter for component")
var ErrAudioTooBig = fmt.Errorf("audio too big")
var ErrOutputExists = fmt.Errorf("output already exists")

// DefaultMaxAudioSizes are the upload limits of the services behind each component.
func DefaultMaxAudioSizes() map[Component]int {
	return map[Component]int{
		ComponentChirp:   DefaultChirpMaxAudioSize,
		ComponentWhisper: DefaultWhisperMaxAudioSize,
	}
}

type DurationProber interface {
	FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error)
}

type ExecutorOptions struct {
	Adapters map[Component]asr.SpeechRecognitionAPI

	// optional
	Recorder Recorder
	Prober   DurationProber

	// MaxAudioSize is per component, missing entries use DefaultMaxAudioSizes
	MaxAudioSize map[Component]int
	// Parallelism caps concurrently running tasks, 0 means no limit
	Parallelism int
}

// Executor runs every task of a graph as an independent unit. A failing task
// never stops or cancels its siblings.
type Executor struct {
	log *zap.Logger

	adapters map[Component]asr.SpeechRecognitionAPI
	recorder Recorder
	prober   DurationProber

	maxAudioSize map[Component]int
	parallelism  int
}

type RunResult struct {
	RunID string
	Tasks []TaskResult
}

func (r *RunResult) Failed() []TaskResult {
	var failed []TaskResult
	for _, t := range r.Tasks {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

func NewExecutor(parentLogger *zap.Logger, options ExecutorOptions) *Executor {
	e := &Executor{
		log:          parentLogger.Named("executor"),
		adapters:     options.Adapters,
		recorder:     options.Recorder,
		prober:       options.Prober,
		maxAudioSize: DefaultMaxAudioSizes(),
		parallelism:  options.Parallelism,
	}
	if e.recorder == nil {
		e.recorder = NopRecorder{}
	}
	for component, size := range options.MaxAudioSize {
		if size > 0 {
			e.maxAudioSize[component] = size
		}
	}
	return e
}

// Execute runs all tasks of g and waits for them. The returned error combines
// every task failure, the RunResult is always complete.
//
// Final statuses are recorded even when ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, runID string, g *Graph) (*RunResult, error) {
	ctx, log := utils.LogContextWith(ctx, e.log, zap.String("run_id", runID))

	if err := e.recorder.CreateRun(ctx, runID, g); err != nil {
		log.Error("failed to record run", zap.Error(err))
	}

	log.Info("executing graph", zap.Int("artifacts", len(g.Artifacts)), zap.Int("tasks", len(g.Tasks)))

	result := &RunResult{
		RunID: runID,
		Tasks: make([]TaskResult, len(g.Tasks)),
	}

	eg := errgroup.Group{}
	if e.parallelism > 0 {
		eg.SetLimit(e.parallelism)
	}

	for i, task := range g.Tasks {
		eg.Go(func() error {
			result.Tasks[i] = e.runTask(ctx, runID, g, task)
			return nil
		})
	}
	_ = eg.Wait()

	var runErr error
	for _, t := range result.Tasks {
		if t.Err != nil {
			runErr = multierr.Append(runErr, fmt.Errorf("task %s: %w", t.Task.ID, t.Err))
		}
	}

	if err := e.recorder.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
		log.Error("failed to record run result", zap.Error(err))
	}

	log.Info("graph executed", zap.Int("failed", len(multierr.Errors(runErr))))

	return result, runErr
}

func (e *Executor) runTask(ctx context.Context, runID string, g *Graph, task Task) (result TaskResult) {
	ctx, log := utils.LogContextWith(ctx, e.log,
		zap.String("task_id", task.ID),
		zap.String("component", string(task.Component)),
	)

	result.Task = task
	result.Output = g.OutputPath(runID, task)
	start := time.Now()

	if err := e.recorder.TaskStarted(ctx, runID, task); err != nil {
		log.Error("failed to record task start", zap.Error(err))
	}

	defer func() {
		result.ProcessingTime = time.Since(start)
		recordCtx := context.WithoutCancel(ctx)

		if result.Err != nil {
			log.Error("task failed", zap.Error(result.Err))
			if err := e.recorder.TaskFailed(recordCtx, runID, result); err != nil {
				log.Error("failed to mark task as failed", zap.Error(err))
			}
			return
		}

		log.Info("task done", zap.Duration("processing_time", result.ProcessingTime))
		if err := e.recorder.TaskDone(recordCtx, runID, result); err != nil {
			log.Error("failed to mark task as done", zap.Error(err))
		}
	}()

	defer utils.PanicRecovery(log, &result.Err)

	result.ModelName, result.AudioDuration, result.Err = e.transcribe(ctx, log, g, task, result.Output)
	return result
}

func (e *Executor) transcribe(ctx context.Context, log *zap.Logger, g *Graph, task Task, outputPath string) (string, float64, error) {
	adapter, ok := e.adapters[task.Component]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNoAdapter, task.Component)
	}

	artifact, ok := g.Artifact(task.Input)
	if !ok {
		return "", 0, fmt.Errorf("unknown input artifact %q", task.Input)
	}

	// existing outputs fail the task before the adapter is called
	if _, err := os.Stat(outputPath); err == nil {
		return "", 0, fmt.Errorf("%w: %s", ErrOutputExists, outputPath)
	}

	maxAudioSize := e.maxAudioSize[task.Component]
	data, err := utils.ReadFileLimit(artifact.StagedPath, maxAudioSize)
	if errors.Is(err, utils.ErrIOLimitReached) {
		return "", 0, fmt.Errorf("%w: %s is over %d bytes", ErrAudioTooBig, artifact.StagedPath, maxAudioSize)
	} else if err != nil {
		return "", 0, fmt.Errorf("reading staged audio: %w", err)
	}

	var duration float64
	if e.prober != nil {
		duration, err = e.prober.FFprobeDurationFromFile(ctx, artifact.StagedPath)
		if err != nil {
			log.Warn("couldn't probe audio duration", zap.Error(err))
		}
	}

	output, err := adapter.Run(ctx, &asr.Audio{
		Name: filepath.Base(artifact.StagedPath),
		Data: data,
	})
	if err != nil {
		return "", duration, fmt.Errorf("running adapter: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return output.ModelName, duration, fmt.Errorf("creating output dir: %w", err)
	}
	if err := utils.WriteFileOnce(outputPath, []byte(output.Text)); err != nil {
		return output.ModelName, duration, fmt.Errorf("writing transcript: %w", err)
	}

	return output.ModelName, duration, nil
}

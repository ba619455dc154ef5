package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/K3das/transcript-extraction/pipeline"
	"github.com/jackc/pgx/v5"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrRunNotFound = fmt.Errorf("run not found")

type Run struct {
	ID           string
	PipelineName string
	ProjectID    string
	Status       string
	Error        *string
	CreatedAt    time.Time
	FinishedAt   *time.Time
	Tasks        []TaskStatus
}

type TaskStatus struct {
	TaskID             string
	Item               int
	Component          string
	AudioURI           string
	OutputPath         string
	Status             string
	TranscriptionModel *string
	AudioDuration      *float64
	ProcessingTime     *float64
	Error              *string
}

var _ pipeline.Recorder = (*Store)(nil)

// CreateRun stores the run and all its tasks as pending.
func (s *Store) CreateRun(ctx context.Context, runID string, g *pipeline.Graph) error {
	graphJSON, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}

	return pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO runs (id, pipeline_name, project_id, graph, status) VALUES ($1, $2, $3, $4, $5)`,
			runID, g.Name, g.Params.ProjectID, graphJSON, StatusRunning,
		)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		batch := &pgx.Batch{}
		for _, task := range g.Tasks {
			artifact, _ := g.Artifact(task.Input)
			batch.Queue(
				`INSERT INTO tasks (run_id, task_id, item, component, audio_uri, output_path, status) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				runID, task.ID, task.Item, string(task.Component), artifact.URI, g.OutputPath(runID, task), StatusPending,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting tasks: %w", err)
		}

		return nil
	})
}

func (s *Store) TaskStarted(ctx context.Context, runID string, task pipeline.Task) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE tasks SET status = $3, started_at = now() WHERE run_id = $1 AND task_id = $2`,
		runID, task.ID, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

func (s *Store) finishTask(ctx context.Context, runID string, result pipeline.TaskResult, status string) error {
	var model *string
	if result.ModelName != "" {
		model = &result.ModelName
	}
	var duration *float64
	if result.AudioDuration > 0 {
		duration = &result.AudioDuration
	}
	var taskErr *string
	if result.Err != nil {
		msg := result.Err.Error()
		taskErr = &msg
	}

	_, err := s.conn.Exec(ctx,
		`UPDATE tasks SET
			status = $3,
			transcription_model = $4,
			audio_duration = $5,
			processing_time = $6,
			error = $7,
			finished_at = now()
		WHERE run_id = $1 AND task_id = $2`,
		runID, result.Task.ID, status, model, duration, result.ProcessingTime.Seconds(), taskErr,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

func (s *Store) TaskDone(ctx context.Context, runID string, result pipeline.TaskResult) error {
	return s.finishTask(ctx, runID, result, StatusSucceeded)
}

func (s *Store) TaskFailed(ctx context.Context, runID string, result pipeline.TaskResult) error {
	return s.finishTask(ctx, runID, result, StatusFailed)
}

func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	status := StatusSucceeded
	var msg *string
	if runErr != nil {
		status = StatusFailed
		m := runErr.Error()
		msg = &m
	}

	_, err := s.conn.Exec(ctx,
		`UPDATE runs SET status = $2, error = $3, finished_at = now() WHERE id = $1`,
		runID, status, msg,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return nil
}

// GetRun returns the run with its tasks ordered by item and component.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	run := &Run{}
	err := s.conn.QueryRow(ctx,
		`SELECT id, pipeline_name, project_id, status, error, created_at, finished_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.PipelineName, &run.ProjectID, &run.Status, &run.Error, &run.CreatedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	rows, err := s.conn.Query(ctx,
		`SELECT task_id, item, component, audio_uri, output_path, status, transcription_model, audio_duration, processing_time, error
		FROM tasks WHERE run_id = $1 ORDER BY item, component`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting tasks: %w", err)
	}

	run.Tasks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (TaskStatus, error) {
		var t TaskStatus
		err := row.Scan(
			&t.TaskID, &t.Item, &t.Component, &t.AudioURI, &t.OutputPath, &t.Status,
			&t.TranscriptionModel, &t.AudioDuration, &t.ProcessingTime, &t.Error,
		)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning tasks: %w", err)
	}

	return run, nil
}

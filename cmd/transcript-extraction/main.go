package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/K3das/transcript-extraction/asr"
	"github.com/K3das/transcript-extraction/asr/chirp"
	"github.com/K3das/transcript-extraction/asr/whisper"
	"github.com/K3das/transcript-extraction/compiler"
	"github.com/K3das/transcript-extraction/media"
	"github.com/K3das/transcript-extraction/pipeline"
	"github.com/K3das/transcript-extraction/store"
	"github.com/caarlos0/env/v9"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var CommitHash = ""

type config struct {
	ProjectID string   `env:"PROJECT_ID"`
	AudioURIs []string `env:"AUDIO_URIS"`

	OutputDir    string `env:"OUTPUT_DIR" envDefault:"out"`
	MountRoot    string `env:"GCS_MOUNT_ROOT" envDefault:"/gcs"`
	PipelineFile string `env:"PIPELINE_FILE" envDefault:"pipeline.yaml"`

	Parallelism int `env:"PARALLELISM"`

	ProbeDuration bool   `env:"PROBE_DURATION"`
	FFprobeBinary string `env:"FFPROBE_BINARY" envDefault:"ffprobe"`

	PostgresDSN            string        `env:"POSTGRES_DSN"`
	PostgresConnectTimeout time.Duration `env:"POSTGRES_CONNECT_TIMEOUT" envDefault:"30s"`

	ChirpOptions   chirp.ChirpClientOptions     `envPrefix:"CHIRP_"`
	WhisperOptions whisper.WhisperClientOptions `envPrefix:"WHISPER_"`
}

const environmentPrefix = "TRANSCRIPTS_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

const usage = `usage: transcript-extraction [run|compile] [audio uri...]
       transcript-extraction status <run id>`

func createLog() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = ""

	logLevelValue := os.Getenv(logLevelEnvKey)
	logLevel, logLevelErr := zapcore.ParseLevel(logLevelValue)

	if logLevelErr != nil {
		logLevel = zapcore.InfoLevel
	}

	rawLog := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)).Named("transcript-extraction")

	if CommitHash != "" {
		rawLog = rawLog.With(zap.String("commit", CommitHash))
	}

	if logLevelErr != nil && logLevelValue != "" {
		rawLog.With(zap.String(logLevelEnvKey, logLevelValue)).Warn("unable to parse log level, using INFO")
	}

	return rawLog
}

func main() {
	// a missing .env is fine, everything can come from the environment
	_ = godotenv.Load()

	parentLogger := createLog()
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.With(zap.String("min_log_level", parentLogger.Level().String())).Info("starting")

	cfg := config{}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	}); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	command, args := "run", os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var cmd func(ctx context.Context) error
	switch command {
	case "run", "compile":
		if len(args) > 0 {
			cfg.AudioURIs = args
		}
		if command == "run" {
			cmd = func(ctx context.Context) error { return runPipeline(ctx, parentLogger, cfg) }
		} else {
			cmd = func(ctx context.Context) error { return compilePipeline(parentLogger, cfg) }
		}
	case "status":
		if len(args) != 1 {
			log.Fatal(usage)
		}
		cmd = func(ctx context.Context) error { return runStatus(ctx, parentLogger, cfg, args[0]) }
	default:
		log.Fatal(usage, zap.String("command", command))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := errgroup.Group{}

	g.Go(func() error {
		defer cancel()

		return cmd(ctx)
	})

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdownSignal:
		cancel()
		log.Info("received signal, shutting down")
	case <-ctx.Done():
	}

	if err := g.Wait(); err != nil {
		log.Fatal(command+" failed", zap.Error(err))
	}
	log.Info("done")
}

func plan(cfg config, keys whisper.KeySource) (*pipeline.Graph, error) {
	return pipeline.Plan(pipeline.Params{
		AudioURIs:     cfg.AudioURIs,
		ProjectID:     cfg.ProjectID,
		CredentialRef: keys.String(),
	}, pipeline.PlanOptions{
		OutputDir: cfg.OutputDir,
		MountRoot: cfg.MountRoot,
	})
}

func compilePipeline(parentLogger *zap.Logger, cfg config) error {
	keys, err := whisper.ParseKeySource(cfg.WhisperOptions.KeyRef)
	if err != nil {
		return fmt.Errorf("parsing key reference: %w", err)
	}

	g, err := plan(cfg, keys)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	c, err := compiler.NewCompiler()
	if err != nil {
		return fmt.Errorf("creating compiler: %w", err)
	}

	if err := c.CompileToFile(g, cfg.PipelineFile); err != nil {
		return err
	}

	parentLogger.Named("compiler").Info("compiled pipeline",
		zap.String("path", cfg.PipelineFile),
		zap.Int("tasks", len(g.Tasks)),
	)
	return nil
}

func connectStore(ctx context.Context, parentLogger *zap.Logger, cfg config) (*store.Store, error) {
	s := store.NewStore(ctx, parentLogger)
	if err := s.Connect(ctx, cfg.PostgresDSN, cfg.PostgresConnectTimeout); err != nil {
		return nil, fmt.Errorf("connecting store: %w", err)
	}
	return s, nil
}

func runPipeline(ctx context.Context, parentLogger *zap.Logger, cfg config) error {
	log := parentLogger.Named("main")
	runID := uuid.NewString()

	keys, err := whisper.ParseKeySource(cfg.WhisperOptions.KeyRef)
	if err != nil {
		return fmt.Errorf("parsing key reference: %w", err)
	}

	g, err := plan(cfg, keys)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	chirpOptions := cfg.ChirpOptions
	if chirpOptions.RunScopedRecognizer {
		chirpOptions.RecognizerID = chirp.RunScopedRecognizerID(chirpOptions.RecognizerID, runID)
	}

	chirpClient, err := chirp.NewChirpClient(ctx, parentLogger, cfg.ProjectID, chirpOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := chirpClient.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to close chirp client", zap.Error(err))
		}
	}()

	options := pipeline.ExecutorOptions{
		Adapters: map[pipeline.Component]asr.SpeechRecognitionAPI{
			pipeline.ComponentChirp:   chirpClient,
			pipeline.ComponentWhisper: whisper.NewWhisperClient(parentLogger, keys, cfg.WhisperOptions),
		},
		MaxAudioSize: map[pipeline.Component]int{
			pipeline.ComponentChirp:   cfg.ChirpOptions.MaxAudioSize,
			pipeline.ComponentWhisper: cfg.WhisperOptions.MaxAudioSize,
		},
		Parallelism: cfg.Parallelism,
	}

	if cfg.PostgresDSN != "" {
		s, err := connectStore(ctx, parentLogger, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		options.Recorder = s
	}

	if cfg.ProbeDuration {
		options.Prober = media.NewFFprobe(media.WithFFprobeBinary(cfg.FFprobeBinary))
	}

	log.Info("starting run",
		zap.String("run_id", runID),
		zap.String("recognizer", chirpClient.RecognizerName()),
		zap.String("credential_ref", keys.String()),
	)

	result, err := pipeline.NewExecutor(parentLogger, options).Execute(ctx, runID, g)
	if err != nil {
		return fmt.Errorf("%d of %d tasks failed: %w", len(result.Failed()), len(result.Tasks), err)
	}

	return nil
}

func runStatus(ctx context.Context, parentLogger *zap.Logger, cfg config, runID string) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("%sPOSTGRES_DSN is required for status", environmentPrefix)
	}

	s, err := connectStore(ctx, parentLogger, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	log := parentLogger.Named("status").With(zap.String("run_id", run.ID))
	log.Info("run",
		zap.String("status", run.Status),
		zap.String("project_id", run.ProjectID),
		zap.Time("created_at", run.CreatedAt),
		zap.Stringp("error", run.Error),
	)
	for _, task := range run.Tasks {
		log.Info("task",
			zap.String("task_id", task.TaskID),
			zap.String("status", task.Status),
			zap.String("audio_uri", task.AudioURI),
			zap.String("output_path", task.OutputPath),
			zap.Stringp("transcription_model", task.TranscriptionModel),
			zap.Float64p("processing_time", task.ProcessingTime),
			zap.Stringp("error", task.Error),
		)
	}

	return nil
}

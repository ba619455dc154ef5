package whisper

import (
	"bytes"
	"context"
	"fmt"

	"github.com/K3das/transcript-extraction/asr"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// used for the model name in the run store
const apiPrefix = "openai-"

type WhisperClientOptions struct {
	Model   string `env:"MODEL" envDefault:"whisper-1"`
	BaseURL string `env:"BASE_URL"`
	// KeyRef points at the API key, see ParseKeySource
	KeyRef  string `env:"API_KEY_REF" envDefault:"env:OPENAI_API_KEY"`

	// the api rejects uploads over 25MB
	MaxAudioSize int `env:"MAX_AUDIO_SIZE" envDefault:"26214400"`
}

type WhisperClient struct {
	log *zap.Logger

	keys    KeySource
	model   string
	baseURL string
}

func NewWhisperClient(parentLogger *zap.Logger, keys KeySource, options WhisperClientOptions) *WhisperClient {
	return &WhisperClient{
		log:     parentLogger.Named("whisper"),
		keys:    keys,
		model:   options.Model,
		baseURL: options.BaseURL,
	}
}

// client builds an API client with a freshly acquired key. The key is not kept
// around after the request.
func (w *WhisperClient) client(ctx context.Context) (*openai.Client, error) {
	key, err := w.keys.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring api key from %s: %w", w.keys, err)
	}

	config := openai.DefaultConfig(key)
	if w.baseURL != "" {
		config.BaseURL = w.baseURL
	}

	return openai.NewClientWithConfig(config), nil
}

func (w *WhisperClient) Run(ctx context.Context, audio *asr.Audio) (*asr.ASROutput, error) {
	client, err := w.client(ctx)
	if err != nil {
		return nil, err
	}

	w.log.Info("transcribing", zap.String("model", w.model), zap.String("audio", audio.Name))

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audio.Name,
		Reader:   bytes.NewReader(audio.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("creating transcription: %w", err)
	}

	return &asr.ASROutput{
		ModelName: apiPrefix + w.model,
		Text:      resp.Text,
	}, nil
}

package chirp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/K3das/transcript-extraction/asr"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// used for the model name in the run store
const apiPrefix = "google_speech_v2-"

// recognizer ids are limited to 63 characters
const maxRecognizerIDLength = 63

type ChirpClientOptions struct {
	Region       string `env:"REGION" envDefault:"us-central1"`
	RecognizerID string `env:"RECOGNIZER_ID" envDefault:"chirp-experiment-004"`
	LanguageCode string `env:"LANGUAGE_CODE" envDefault:"en-US"`
	Model        string `env:"MODEL" envDefault:"chirp"`
	// sync recognition rejects inline audio over 10MiB
	MaxAudioSize int    `env:"MAX_AUDIO_SIZE" envDefault:"10485760"`

	// RunScopedRecognizer derives the recognizer id from the run id instead of
	// sharing RecognizerID across runs.
	RunScopedRecognizer bool `env:"RUN_SCOPED_RECOGNIZER"`
}

// speechService is the subset of the Speech-to-Text v2 API the adapter uses.
type speechService interface {
	CreateRecognizer(ctx context.Context, req *speechpb.CreateRecognizerRequest) (*speechpb.Recognizer, error)
	GetRecognizer(ctx context.Context, req *speechpb.GetRecognizerRequest) (*speechpb.Recognizer, error)
	DeleteRecognizer(ctx context.Context, req *speechpb.DeleteRecognizerRequest) (*speechpb.Recognizer, error)
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type recognizerOperation interface {
	Wait(ctx context.Context, opts ...gax.CallOption) (*speechpb.Recognizer, error)
}

// recognizerOperations starts the long-running recognizer calls.
type recognizerOperations interface {
	CreateRecognizer(ctx context.Context, req *speechpb.CreateRecognizerRequest) (recognizerOperation, error)
	DeleteRecognizer(ctx context.Context, req *speechpb.DeleteRecognizerRequest) (recognizerOperation, error)
}

type clientOperations struct {
	client *speech.Client
}

func (c clientOperations) CreateRecognizer(ctx context.Context, req *speechpb.CreateRecognizerRequest) (recognizerOperation, error) {
	op, err := c.client.CreateRecognizer(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (c clientOperations) DeleteRecognizer(ctx context.Context, req *speechpb.DeleteRecognizerRequest) (recognizerOperation, error) {
	op, err := c.client.DeleteRecognizer(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

type gcpSpeech struct {
	client *speech.Client
	ops    recognizerOperations
}

func newGCPSpeech(client *speech.Client) *gcpSpeech {
	return &gcpSpeech{client: client, ops: clientOperations{client: client}}
}

// CreateRecognizer waits for the create operation, so AlreadyExists can come
// from either the call or the operation.
func (g *gcpSpeech) CreateRecognizer(ctx context.Context, req *speechpb.CreateRecognizerRequest) (*speechpb.Recognizer, error) {
	op, err := g.ops.CreateRecognizer(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (g *gcpSpeech) GetRecognizer(ctx context.Context, req *speechpb.GetRecognizerRequest) (*speechpb.Recognizer, error) {
	return g.client.GetRecognizer(ctx, req)
}

func (g *gcpSpeech) DeleteRecognizer(ctx context.Context, req *speechpb.DeleteRecognizerRequest) (*speechpb.Recognizer, error) {
	op, err := g.ops.DeleteRecognizer(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (g *gcpSpeech) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return g.client.Recognize(ctx, req)
}

func (g *gcpSpeech) Close() error {
	return g.client.Close()
}

type ChirpClient struct {
	log *zap.Logger

	speech speechService

	projectID    string
	region       string
	recognizerID string
	languageCode string
	model        string
	runScoped    bool

	mu         sync.Mutex
	recognizer *speechpb.Recognizer
}

// RegionalEndpoint is the Speech-to-Text endpoint serving recognizers in region.
func RegionalEndpoint(region string) string {
	return fmt.Sprintf("%s-speech.googleapis.com:443", region)
}

// RunScopedRecognizerID appends the first block of runID to base, keeping
// the result inside the recognizer id length limit.
func RunScopedRecognizerID(base, runID string) string {
	suffix, _, _ := strings.Cut(strings.ToLower(runID), "-")
	if suffix == "" {
		return base
	}
	if limit := maxRecognizerIDLength - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}

func NewChirpClient(ctx context.Context, parentLogger *zap.Logger, projectID string, options ChirpClientOptions, clientOptions ...option.ClientOption) (*ChirpClient, error) {
	clientOptions = append([]option.ClientOption{option.WithEndpoint(RegionalEndpoint(options.Region))}, clientOptions...)

	client, err := speech.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating speech client: %w", err)
	}

	return newChirpClient(parentLogger, newGCPSpeech(client), projectID, options), nil
}

func newChirpClient(parentLogger *zap.Logger, svc speechService, projectID string, options ChirpClientOptions) *ChirpClient {
	return &ChirpClient{
		log:          parentLogger.Named("chirp"),
		speech:       svc,
		projectID:    projectID,
		region:       options.Region,
		recognizerID: options.RecognizerID,
		languageCode: options.LanguageCode,
		model:        options.Model,
		runScoped:    options.RunScopedRecognizer,
	}
}

func (c *ChirpClient) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.projectID, c.region)
}

// RecognizerName is the full resource name of the configured recognizer.
func (c *ChirpClient) RecognizerName() string {
	return fmt.Sprintf("%s/recognizers/%s", c.parent(), c.recognizerID)
}

func (c *ChirpClient) recognitionConfig() *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		Model:         c.model,
		LanguageCodes: []string{c.languageCode},
		Features: &speechpb.RecognitionFeatures{
			EnableAutomaticPunctuation: true,
		},
		DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
			AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
		},
	}
}

// ResolveRecognizer returns the configured recognizer, creating it if it
// doesn't exist yet.
//
// Concurrent runs share the recognizer id, so an AlreadyExists error from the
// create call is expected and answered with a lookup. Every other error is
// returned as is, including transient ones.
func (c *ChirpClient) ResolveRecognizer(ctx context.Context) (*speechpb.Recognizer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recognizer != nil {
		return c.recognizer, nil
	}

	recognizer, err := c.speech.CreateRecognizer(ctx, &speechpb.CreateRecognizerRequest{
		Parent:       c.parent(),
		RecognizerId: c.recognizerID,
		Recognizer: &speechpb.Recognizer{
			DefaultRecognitionConfig: c.recognitionConfig(),
		},
	})
	if status.Code(err) == codes.AlreadyExists {
		c.log.Debug("recognizer already exists, fetching", zap.String("recognizer", c.RecognizerName()))

		recognizer, err = c.speech.GetRecognizer(ctx, &speechpb.GetRecognizerRequest{
			Name: c.RecognizerName(),
		})
		if err != nil {
			return nil, fmt.Errorf("getting recognizer: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("creating recognizer: %w", err)
	}

	c.recognizer = recognizer
	return recognizer, nil
}

func (c *ChirpClient) Run(ctx context.Context, audio *asr.Audio) (*asr.ASROutput, error) {
	recognizer, err := c.ResolveRecognizer(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving recognizer: %w", err)
	}

	c.log.Info("recognizing", zap.String("recognizer", recognizer.GetName()), zap.String("audio", audio.Name))

	resp, err := c.speech.Recognize(ctx, &speechpb.RecognizeRequest{
		Recognizer: recognizer.GetName(),
		Config: &speechpb.RecognitionConfig{
			DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
				AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
			},
		},
		AudioSource: &speechpb.RecognizeRequest_Content{
			Content: audio.Data,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recognizing: %w", err)
	}

	return &asr.ASROutput{
		ModelName: apiPrefix + c.model,
		Text:      TranscriptLines(resp),
	}, nil
}

// TranscriptLines renders the top alternative of every result as one line,
// in response order. A result without alternatives becomes an empty line.
func TranscriptLines(resp *speechpb.RecognizeResponse) string {
	var sb strings.Builder
	for _, result := range resp.GetResults() {
		if alternatives := result.GetAlternatives(); len(alternatives) > 0 {
			sb.WriteString(alternatives[0].GetTranscript())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Close deletes the recognizer if it is run scoped and was resolved, then
// closes the underlying client.
func (c *ChirpClient) Close(ctx context.Context) error {
	c.mu.Lock()
	recognizer := c.recognizer
	c.recognizer = nil
	c.mu.Unlock()

	var err error
	if c.runScoped && recognizer != nil {
		if _, deleteErr := c.speech.DeleteRecognizer(ctx, &speechpb.DeleteRecognizerRequest{
			Name: recognizer.GetName(),
		}); deleteErr != nil {
			err = fmt.Errorf("deleting recognizer: %w", deleteErr)
		} else {
			c.log.Info("deleted run scoped recognizer", zap.String("recognizer", recognizer.GetName()))
		}
	}

	return multierr.Append(err, c.speech.Close())
}

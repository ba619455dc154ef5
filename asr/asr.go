package asr

import "context"

type SpeechRecognitionAPI interface {
	Run(ctx context.Context, audio *Audio) (*ASROutput, error)
}

// Audio is the full content of one staged audio artifact.
type Audio struct {
	// base name of the staged file, some APIs need it to guess the container
	Name string
	Data []byte
}

type ASROutput struct {
	// Text is written to the transcript artifact as is
	Text      string
	ModelName string
}

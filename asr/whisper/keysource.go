package whisper

import (
	"context"
	"fmt"
	"os"
	"strings"
)

var ErrEmptyKey = fmt.Errorf("api key is empty")

// KeySource hands out the API key at the point of use. String must never
// reveal the key itself, it ends up in logs and the compiled pipeline.
type KeySource interface {
	Key(ctx context.Context) (string, error)
	String() string
}

// FileKeySource reads the key from a file, typically a mounted secret.
type FileKeySource struct {
	Path string
}

func (f FileKeySource) Key(_ context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}

func (f FileKeySource) String() string {
	return "file:" + f.Path
}

// EnvKeySource reads the key from an environment variable.
type EnvKeySource struct {
	Name string
}

func (e EnvKeySource) Key(_ context.Context) (string, error) {
	key := strings.TrimSpace(os.Getenv(e.Name))
	if key == "" {
		return "", fmt.Errorf("%s: %w", e.Name, ErrEmptyKey)
	}
	return key, nil
}

func (e EnvKeySource) String() string {
	return "env:" + e.Name
}

// ParseKeySource parses a key reference of the form `file:<path>` or `env:<name>`.
func ParseKeySource(ref string) (KeySource, error) {
	kind, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return nil, fmt.Errorf("invalid key reference %q", ref)
	}

	switch kind {
	case "file":
		return FileKeySource{Path: value}, nil
	case "env":
		return EnvKeySource{Name: value}, nil
	default:
		return nil, fmt.Errorf("unknown key reference kind %q", kind)
	}
}

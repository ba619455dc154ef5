package pipeline

import (
	"fmt"
	"path"
	"strings"
)

const DefaultMountRoot = "/gcs"

var ErrUnsupportedURI = fmt.Errorf("unsupported audio uri")

// StagedPath maps an audio uri to the local path tasks read it from.
//
// Bucket objects are expected under mountRoot (`gs://b/o` -> `/gcs/b/o`),
// `file://` uris and plain paths are used as is.
func StagedPath(uri, mountRoot string) (string, error) {
	if mountRoot == "" {
		mountRoot = DefaultMountRoot
	}

	switch {
	case strings.HasPrefix(uri, "gs://"):
		object := strings.TrimPrefix(uri, "gs://")
		bucket, name, _ := strings.Cut(object, "/")
		if bucket == "" || name == "" {
			return "", fmt.Errorf("%w: %q has no bucket or object", ErrUnsupportedURI, uri)
		}
		return path.Join(mountRoot, object), nil
	case strings.HasPrefix(uri, "file://"):
		p := strings.TrimPrefix(uri, "file://")
		if p == "" {
			return "", fmt.Errorf("%w: %q is empty", ErrUnsupportedURI, uri)
		}
		return p, nil
	case strings.Contains(uri, "://"):
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
	case uri == "":
		return "", fmt.Errorf("%w: empty uri", ErrUnsupportedURI)
	default:
		return uri, nil
	}
}

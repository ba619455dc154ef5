package media

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDurationFromPackets(t *testing.T) {
	packets, err := parsePackets([]byte(`{"packets": [
		{"codec_type": "audio", "stream_index": 0, "pts_time": "0.000000", "duration_time": "0.020000"},
		{"codec_type": "audio", "stream_index": 0, "pts_time": "2.480000", "duration_time": "0.020000"},
		{"codec_type": "audio", "stream_index": 0, "pts_time": "1.000000", "duration_time": "0.020000"}
	]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := durationFromPackets(packets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-2.5) > 1e-9 {
		t.Fatalf("expected 2.5, got %f", got)
	}
}

func TestDurationFromPackets_Empty(t *testing.T) {
	packets, err := parsePackets([]byte(`{"packets": []}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := durationFromPackets(packets); !errors.Is(err, ErrFFprobeDurationInvalid) {
		t.Fatalf("expected ErrFFprobeDurationInvalid, got %v", err)
	}
}

func TestParsePackets_Invalid(t *testing.T) {
	for _, input := range []string{
		`not json`,
		`{"packets": [{"pts_time": "N/A", "duration_time": "0.02"}]}`,
	} {
		if _, err := parsePackets([]byte(input)); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestFFprobeDurationFromFile_MissingBinary(t *testing.T) {
	f := NewFFprobe(WithFFprobeBinary("/nonexistent/ffprobe"), WithCommandTimeout(time.Second))
	if _, err := f.FFprobeDurationFromFile(context.Background(), "a.wav"); err == nil {
		t.Fatal("expected error")
	}
}

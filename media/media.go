package media

import (
	"time"
)

const DefaultFFprobeBinary = "ffprobe"

const DefaultCommandTimeout = time.Second * 30

type FFprobeOptions func(*FFprobe)

// FFprobe reads audio metadata for the run store.
type FFprobe struct {
	binary         string
	commandTimeout time.Duration
}

func WithFFprobeBinary(binary string) FFprobeOptions {
	return func(f *FFprobe) {
		f.binary = binary
	}
}

func WithCommandTimeout(timeout time.Duration) FFprobeOptions {
	return func(f *FFprobe) {
		f.commandTimeout = timeout
	}
}

func NewFFprobe(options ...FFprobeOptions) *FFprobe {
	ffprobe := &FFprobe{
		binary:         DefaultFFprobeBinary,
		commandTimeout: DefaultCommandTimeout,
	}

	for _, option := range options {
		option(ffprobe)
	}

	return ffprobe
}

package peering

import (
	"os"
	"time"
)

type Options struct {
	// MaxConcurrent caps in-flight chunk fetches.
	MaxConcurrent int64
	DialTimeout   time.Duration
	IOTimeout     time.Duration

	// ScratchDir holds one per-session directory of chunk files.
	ScratchDir string
	OutputDir  string
	// OutputPrefix is prepended to the file name; empty means "New_".
	OutputPrefix string

	// ExpectedDigest is a hex SHA-256. When empty the assembled file is
	// compared against ReferencePath, which defaults to the file name in
	// the working directory.
	ExpectedDigest string
	ReferencePath  string

	// OnEvent receives status events. Fetch tasks call it concurrently.
	OnEvent func(Event)
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 16,
		DialTimeout:   3 * time.Second,
		IOTimeout:     10 * time.Second,
		ScratchDir:    os.TempDir(),
		OutputDir:     ".",
		OutputPrefix:  "New_",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = d.IOTimeout
	}
	if o.ScratchDir == "" {
		o.ScratchDir = d.ScratchDir
	}
	if o.OutputDir == "" {
		o.OutputDir = d.OutputDir
	}
	if o.OutputPrefix == "" {
		o.OutputPrefix = d.OutputPrefix
	}
	return o
}

// Package logging builds the daemon's loggers over a rotated log file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log rotation.
type Options struct {
	// File is the log destination. Empty logs to stderr only.
	File string

	// MaxSizeMB rotates the file past this size (default 10).
	MaxSizeMB int

	// MaxBackups bounds retained rotated files (default 3).
	MaxBackups int

	// MaxAgeDays bounds retained file age (default 30).
	MaxAgeDays int
}

// Sink is a logger factory over a shared destination. Close releases the
// underlying rotated file, if any.
type Sink struct {
	out    io.Writer
	closer io.Closer
}

// New creates a sink. With a file configured, output tees to stderr and
// the rotated file so daemon logs survive restarts.
func New(opts Options) *Sink {
	if opts.File == "" {
		return &Sink{out: os.Stderr}
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 30
	}

	rotated := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Sink{
		out:    io.MultiWriter(os.Stderr, rotated),
		closer: rotated,
	}
}

// Logger returns a prefixed logger writing to the sink.
func (s *Sink) Logger(prefix string) *log.Logger {
	return log.New(s.out, "["+prefix+"] ", log.LstdFlags)
}

// Close releases the rotated file.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

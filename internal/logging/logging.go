// Package logging builds the component loggers.
//
// Every component takes a *log.Logger whose prefix names it, e.g.
// "[engine] ". Output goes to stderr unless a log file is configured, in
// which case it goes to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/lifesync/internal/config"
)

// Sink is the shared destination of every component logger.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// NewSink returns a stderr sink, or a rotating file sink when cfg.File is set.
func NewSink(cfg config.LogConfig) (*Sink, error) {
	if cfg.File == "" {
		return &Sink{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Sink{w: lj, closer: lj}, nil
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer { return s.w }

// Logger returns a logger for component, prefixed "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes a file sink.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

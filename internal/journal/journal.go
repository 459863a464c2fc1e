// Package journal receives entry and exit events for visits registered at this station.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tunnelmonitor/tunnelmon/internal/visit"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink receives one event per local entry or exit.
type Sink interface {
	EntryLogged(r visit.Record) error
	ExitLogged(r visit.Record) error
}

// FileSink appends "ENTRY: ..." and "EXIT: ..." lines to the tunnel log.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// FileConfig configures the tunnel log file.
type FileConfig struct {
	// Path of the log file, normally tunnel.log in the shared folder.
	Path string

	// MaxSizeMB is the size at which the file is rotated. Zero disables
	// rotation; leave it off while the log is shared between stations.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (0 keeps all).
	MaxBackups int
}

// NewFileSink opens the tunnel log described by cfg.
//
// Without rotation every line is appended with its own open and close, so
// other stations can append to the same file in between. With rotation the
// file is held open by lumberjack and renamed when full, which is only safe
// when this station is the sole writer.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log path cannot be empty")
	}
	if cfg.MaxSizeMB <= 0 {
		return &FileSink{w: appendFile(cfg.Path)}, nil
	}
	return &FileSink{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		},
	}, nil
}

// appendFile is a log file opened in append mode for each write.
type appendFile string

func (a appendFile) Write(p []byte) (int, error) {
	f, err := os.OpenFile(string(a), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(p)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func (appendFile) Close() error { return nil }

// EntryLogged implements Sink.
func (s *FileSink) EntryLogged(r visit.Record) error {
	return s.writeLine("ENTRY: " + r.String())
}

// ExitLogged implements Sink.
func (s *FileSink) ExitLogged(r visit.Record) error {
	return s.writeLine("EXIT: " + r.String())
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

func (s *FileSink) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return fmt.Errorf("failed to append to tunnel log: %w", err)
	}
	return nil
}

// Multi fans every event out to all sinks. All sinks are called even if
// one fails; the errors are joined.
type Multi []Sink

// EntryLogged implements Sink.
func (m Multi) EntryLogged(r visit.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.EntryLogged(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExitLogged implements Sink.
func (m Multi) ExitLogged(r visit.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.ExitLogged(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) EntryLogged(visit.Record) error { return nil }
func (discard) ExitLogged(visit.Record) error  { return nil }

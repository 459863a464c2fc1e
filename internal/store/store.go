// Package store maps visit records to individual files in the shared folder.
//
// One file per visit, named by the record ID. Every station writes to the
// same folder; the last writer wins.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

// IOError reports a failed file operation in the shared folder.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s visit file %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FileError is a per-file failure reported by List.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

// ScanResult is the outcome of a directory scan.
type ScanResult struct {
	Records  []visit.Record
	Failures []FileError
}

// Store is a directory of visit files.
type Store struct {
	dir    string
	logger *log.Logger
}

// New returns a Store for dir. The directory must exist.
// If logger is nil, a default logger writing to stderr is used.
func New(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open visit directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("visit directory %s is not a directory", dir)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the shared folder path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of the file backing id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id)
}

// IsVisitFile reports whether name passes the shared folder's extension filter.
func IsVisitFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), visit.FileExt) && !strings.HasPrefix(name, ".")
}

// List reads and decodes every visit file in the folder.
//
// A file that cannot be read or decoded is reported in Failures and the scan
// continues. Only a failure to read the directory itself returns an error.
func (s *Store) List() (*ScanResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: s.dir, Err: err}
	}

	result := &ScanResult{}
	for _, entry := range entries {
		if entry.IsDir() || !IsVisitFile(entry.Name()) {
			continue
		}

		r, err := s.Read(entry.Name())
		if err != nil {
			s.logger.Printf("Warning: skipping visit file %s: %v", entry.Name(), err)
			result.Failures = append(result.Failures, FileError{Name: entry.Name(), Err: err})
			continue
		}
		result.Records = append(result.Records, r)
	}

	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].ID < result.Records[j].ID
	})
	return result, nil
}

// Read loads and decodes the file backing id.
func (s *Store) Read(id string) (visit.Record, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		return visit.Record{}, &IOError{Op: "read", Path: s.Path(id), Err: err}
	}
	return visit.DecodeFile(id, data)
}

// Write stores r in the file named by its ID, replacing any previous content.
//
// The content goes to a hidden temp file first and is renamed into place, so
// a watcher on another station never sees a half-written record.
func (s *Store) Write(r visit.Record) error {
	if r.ID == "" {
		return fmt.Errorf("cannot write visit without an id")
	}
	path := s.Path(r.ID)

	tmp, err := os.CreateTemp(s.dir, ".visit-*.tmp")
	if err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(visit.Encode(r)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		s.logger.Printf("Warning: failed to set permissions on %s: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Delete removes the file backing id. Deleting a file that is already gone
// is not an error.
func (s *Store) Delete(id string) error {
	path := s.Path(id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("Visit file %s already removed", id)
			return nil
		}
		return &IOError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

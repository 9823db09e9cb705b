package tracking

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileSink appends points as JSON lines to <dir>/<run>.jsonl. Resumed runs
// keep appending to the same file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewFileSink opens (or creates) the metrics file of run in dir.
func NewFileSink(dir, run string) (*FileSink, error) {
	if run == "" {
		return nil, errors.New("tracking requires a run id")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create tracking directory")
	}
	file, err := os.OpenFile(filepath.Join(dir, run+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tracking file")
	}
	return &FileSink{file: file, w: bufio.NewWriter(file)}, nil
}

// Path is the file being written.
func (s *FileSink) Path() string {
	return s.file.Name()
}

func (s *FileSink) Write(points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for _, p := range points {
		if err := enc.Encode(p); err != nil {
			return errors.Wrap(err, "failed to encode metric")
		}
	}
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

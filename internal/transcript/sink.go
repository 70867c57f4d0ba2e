// Package transcript persists every broadcast line to a day-named,
// append-only text file.
package transcript

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// DateLayout names one file per calendar day, e.g. 2023-12-05.txt.
const DateLayout = "2006-01-02"

// Sink is an append-only destination for formatted lines.
type Sink interface {
	Append(at time.Time, line string) error
}

// FileSink opens the day's file for every append and closes it right
// after, so no handle outlives a single line.
type FileSink struct {
	fs  afero.Fs
	dir string

	// serializes appends so lines from different sessions never interleave
	mu sync.Mutex
}

// NewFileSink writes under dir on the OS filesystem.
func NewFileSink(dir string) (*FileSink, error) {
	return NewFileSinkFs(afero.NewOsFs(), dir)
}

func NewFileSinkFs(fs afero.Fs, dir string) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "stat transcript dir %s", dir)
	}
	if !exists {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create transcript dir %s", dir)
		}
	}
	return &FileSink{fs: fs, dir: dir}, nil
}

// Path returns the file that holds lines written at at.
func (s *FileSink) Path(at time.Time) string {
	return filepath.Join(s.dir, at.Format(DateLayout)+".txt")
}

func (s *FileSink) Append(at time.Time, line string) error {
	path := s.Path(at)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "append to %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// Nop discards every line.
type Nop struct{}

func (Nop) Append(time.Time, string) error { return nil }

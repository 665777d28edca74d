package message

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/corvidmail/submit/moxio"
)

// SpillMaxSize bounds how large a spilled-to-disk body stream may grow
// before reads fail with moxio.ErrLimit. The body is fully read once
// before the DKIM pass, so this guards against a misbehaving source that
// keeps handing back data across the read-twice boundary rather than
// reporting EOF.
const SpillMaxSize = 64 * 1024 * 1024

// NewSpillRestartable buffers r into memory up to memLimit bytes. If r has
// more to give after that, the already-read prefix and the remainder are
// written to a temporary file under dir, and subsequent reads come from
// there instead. The returned Restartable must be Closed once the caller is
// done with it, to remove any spill file.
func NewSpillRestartable(r io.Reader, memLimit int64, dir string) (Restartable, error) {
	buf, err := io.ReadAll(io.LimitReader(r, memLimit+1))
	if err != nil {
		return nil, fmt.Errorf("buffering body: %w", err)
	}
	if int64(len(buf)) <= memLimit {
		return &bytesRestartable{r: bytes.NewReader(buf), buf: buf}, nil
	}

	f, err := os.CreateTemp(dir, "submit-spill-*.eml")
	if err != nil {
		return nil, fmt.Errorf("creating spill file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing spill prefix: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("spilling body to disk: %w", err)
	}
	// The file's directory entry must survive a crash between here and the
	// DATA pass, or the restart would read an empty/missing file.
	if err := moxio.SyncDir(filepath.Dir(f.Name())); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("syncing spill directory: %w", err)
	}

	sr := &fileRestartable{f: f}
	sr.lim = moxio.LimitAtReader{R: f, Limit: SpillMaxSize}
	sr.r = moxio.AtReader{R: &sr.lim}
	return sr, nil
}

// fileRestartable is a Restartable backed by a spilled-to-disk temp file,
// read through moxio.LimitAtReader (capping how far a read may reach) and
// moxio.AtReader (adapting that back to an io.Reader with a tracked offset).
type fileRestartable struct {
	f   *os.File
	lim moxio.LimitAtReader
	r   moxio.AtReader
}

func (s *fileRestartable) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *fileRestartable) Restart() error {
	s.r.Offset = 0
	return nil
}

func (s *fileRestartable) Close() error {
	name := s.f.Name()
	err := s.f.Close()
	if err != nil && !moxio.IsClosed(err) {
		os.Remove(name)
		return fmt.Errorf("closing spill file: %w", err)
	}
	return os.Remove(name)
}

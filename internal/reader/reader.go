package reader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/model"
	"github.com/slsolucije/astlog/internal/watcher"
)

// pollInterval is the idle fallback when no file notification arrives.
const pollInterval = 250 * time.Millisecond

// Reader supplies raw lines from one input file. Historical reads are
// bounded and restartable; Tail streams new lines until the context is
// cancelled, reopening the file when it is truncated or replaced.
type Reader struct {
	path   string
	source model.Source
	log    zerolog.Logger

	file   *os.File
	offset int64
	ino    uint64
	buf    string // partial trailing line
	lineNo int
}

// Open prepares a reader for the given file. Missing files and
// permission problems are fatal; the caller exits on error.
func Open(path string, source model.Source, log zerolog.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r := &Reader{
		path:   path,
		source: source,
		log:    log.With().Str("component", "reader").Str("path", path).Logger(),
		file:   f,
		ino:    inodeOf(f),
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the file path this reader follows.
func (r *Reader) Path() string { return r.path }

// ReadRange streams lines whose timestamps fall inside [from, to] to
// out. Zero bounds mean "from the start" / "until EOF". Positions are
// located by bisecting on line timestamps, so only the needed region of
// a large file is scanned. Restartable: each call seeks independently.
func (r *Reader) ReadRange(ctx context.Context, from, to time.Time, out chan<- model.RawLine) error {
	when := whenFuncFor(r.source)

	start := int64(0)
	if !from.IsZero() {
		pos, ok, err := FindPosition(r.file, from, SearchAfter, when)
		if err != nil {
			return fmt.Errorf("locate %s in %s: %w", from, r.path, err)
		}
		if !ok {
			return r.seekEnd() // nothing at or after from
		}
		start = pos
	}

	end := int64(-1)
	if !to.IsZero() {
		pos, ok, err := FindPosition(r.file, to, SearchBefore, when)
		if err != nil {
			return fmt.Errorf("locate %s in %s: %w", to, r.path, err)
		}
		if !ok {
			return r.seekEnd() // nothing at or before to
		}
		// Include the located line plus a little slack; the engine
		// filters by timestamp.
		end = pos + probeSize/4
	}

	if _, err := r.file.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", r.path, err)
	}

	var src io.Reader = r.file
	if end >= 0 {
		src = io.LimitReader(r.file, end-start)
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.RawLine{Text: scanner.Text(), Source: r.source, Path: r.path, LineNo: lineNo}:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}

	r.lineNo = lineNo
	// Leave the offset at EOF so a following Tail picks up from here.
	return r.seekEnd()
}

// seekEnd positions the tail offset at the current end of file.
func (r *Reader) seekEnd() error {
	pos, err := r.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek %s: %w", r.path, err)
	}
	r.offset = pos
	return nil
}

// Tail streams newly appended lines until ctx is cancelled. It parks on
// file-change notifications from the watcher when one is provided, with
// a polling ticker as fallback. On truncation or inode change the file
// is reopened from the start and a Rotated marker is emitted first.
func (r *Reader) Tail(ctx context.Context, events <-chan watcher.Event, out chan<- model.RawLine) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Start from the current offset (set by a preceding ReadRange, or
	// the start of the file for a fresh reader).
	for {
		if err := r.drain(ctx, out); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			// Flush whatever arrived between the last drain and the
			// cancellation, then stop.
			flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = r.drain(flushCtx, out)
			cancel()
			return nil
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// drain reads complete lines from the current offset to EOF, checking
// for rotation first.
func (r *Reader) drain(ctx context.Context, out chan<- model.RawLine) error {
	rotated, err := r.checkRotation()
	if err != nil {
		return err
	}
	if rotated {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.RawLine{Source: r.source, Path: r.path, Rotated: true}:
		}
	}

	if _, err := r.file.Seek(r.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", r.path, err)
	}

	rd := bufio.NewReader(r.file)
	for {
		chunk, err := rd.ReadString('\n')
		if err == io.EOF {
			// Incomplete trailing line: keep for the next round and
			// advance past it so it is not read twice.
			r.buf += chunk
			r.offset += int64(len(chunk))
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", r.path, err)
		}
		r.offset += int64(len(chunk))
		line := r.buf + strings.TrimRight(chunk, "\r\n")
		r.buf = ""
		r.lineNo++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.RawLine{Text: line, Source: r.source, Path: r.path, LineNo: r.lineNo}:
		}
	}
	return nil
}

// checkRotation detects truncation (size below our offset) or file
// replacement (inode change) and reopens from the start.
func (r *Reader) checkRotation() (bool, error) {
	st, err := os.Stat(r.path)
	if err != nil {
		// File momentarily missing mid-rotation; keep the old handle
		// and try again on the next wakeup.
		return false, nil
	}

	ino := inodeOfInfo(st)
	if st.Size() >= r.offset && (ino == 0 || ino == r.ino) {
		return false, nil
	}

	r.log.Info().
		Int64("size", st.Size()).
		Int64("offset", r.offset).
		Msg("rotation detected, reopening from start")

	f, err := os.Open(r.path)
	if err != nil {
		return false, fmt.Errorf("reopen %s: %w", r.path, err)
	}
	r.file.Close()
	r.file = f
	r.offset = 0
	r.ino = inodeOf(f)
	r.buf = ""
	r.lineNo = 0
	return true, nil
}

func inodeOf(f *os.File) uint64 {
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	return inodeOfInfo(st)
}

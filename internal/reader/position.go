package reader

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/slsolucije/astlog/internal/model"
	"github.com/slsolucije/astlog/internal/parser"
)

// SearchDir selects which side of the target timestamp a position
// search converges on.
type SearchDir int

const (
	// SearchAfter finds the first line at or after the timestamp.
	SearchAfter SearchDir = iota
	// SearchBefore finds the last line at or before the timestamp.
	SearchBefore
)

const (
	probeSize      = 64 * 1024
	maxBisectSteps = 40
	seedProbeSize  = 32 * 1024
)

// WhenFunc extracts the timestamp of a raw line, returning the zero
// time for lines without one.
type WhenFunc func(line string) time.Time

// whenFuncFor picks the timestamp extractor for a source.
func whenFuncFor(source model.Source) WhenFunc {
	if source == model.SourceCDR {
		return cdrLineWhen
	}
	return logLineWhen
}

// logLineWhen reads the bracketed timestamp prefix of a switch log line.
func logLineWhen(line string) time.Time {
	if len(line) == 0 || line[0] != '[' {
		return time.Time{}
	}
	end := strings.IndexByte(line, ']')
	if end < 2 {
		return time.Time{}
	}
	return parser.ParseWhen(line[1:end])
}

// cdrLineWhen reads the start-time column of a CDR row.
func cdrLineWhen(line string) time.Time {
	r := csv.NewReader(strings.NewReader(line))
	row, err := r.Read()
	if err != nil || len(row) < 16 {
		return time.Time{}
	}
	return parser.ParseWhen(row[9])
}

// FindPosition returns the byte offset of the boundary line: the first
// line at/after ts (SearchAfter) or the last line at/before ts
// (SearchBefore). A coarse bisect on probed line timestamps narrows the
// candidate window, then a linear scan of that window decides exactly.
// ok is false when no line satisfies the direction relative to ts. The
// file's read position is clobbered.
func FindPosition(f *os.File, ts time.Time, dir SearchDir, when WhenFunc) (int64, bool, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false, err
	}

	a, b := int64(0), size
	buf := make([]byte, probeSize)

	for steps := 0; b-a > probeSize && steps < maxBisectSteps; steps++ {
		mid := a + (b-a)/2

		n, err := f.ReadAt(buf, mid)
		if err != nil && err != io.EOF {
			return 0, false, err
		}
		w, _, found := probeWhen(buf[:n], mid > 0, when)
		if !found {
			// No timestamped line visible after mid; look earlier.
			b = mid
			continue
		}
		var isHigh bool
		if dir == SearchAfter {
			isHigh = !w.Before(ts)
		} else {
			isHigh = w.After(ts)
		}
		if isHigh {
			b = mid
		} else {
			a = mid
		}
	}

	hi := b + probeSize
	if hi > size {
		hi = size
	}
	return linearSearch(f, a, hi, ts, dir, when)
}

// linearSearch scans [lo, hi) line by line and returns the exact
// boundary offset.
func linearSearch(f *os.File, lo, hi int64, ts time.Time, dir SearchDir, when WhenFunc) (int64, bool, error) {
	if _, err := f.Seek(lo, io.SeekStart); err != nil {
		return 0, false, err
	}
	rd := bufio.NewReaderSize(io.LimitReader(f, hi-lo), 64*1024)

	pos := lo
	skip := lo > 0
	best := int64(-1)
	for {
		chunk, err := rd.ReadString('\n')
		full := err == nil
		lineStart := pos
		pos += int64(len(chunk))
		if skip {
			skip = false
			if full {
				continue
			}
		}
		if full {
			line := strings.TrimRight(chunk, "\r\n")
			if w := when(line); !w.IsZero() {
				if dir == SearchAfter {
					if !w.Before(ts) {
						return lineStart, true, nil
					}
				} else {
					if !w.After(ts) {
						best = lineStart
					} else {
						break
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return 0, false, err
		}
	}
	if best >= 0 {
		return best, true, nil
	}
	return 0, false, nil
}

// probeWhen scans a probe buffer for the first line with a parseable
// timestamp, returning the timestamp and the line's offset within the
// buffer. skipFirst drops the leading (likely partial) line.
func probeWhen(data []byte, skipFirst bool, when WhenFunc) (time.Time, int64, bool) {
	pos := 0
	if skipFirst {
		idx := indexByte(data, '\n', 0)
		if idx < 0 {
			return time.Time{}, 0, false
		}
		pos = idx + 1
	}
	for pos < len(data) {
		eol := indexByte(data, '\n', pos)
		if eol < 0 {
			break // ignore the trailing partial line
		}
		line := strings.TrimRight(string(data[pos:eol]), "\r")
		if w := when(line); !w.IsZero() {
			return w, int64(pos), true
		}
		pos = eol + 1
	}
	return time.Time{}, 0, false
}

func indexByte(data []byte, c byte, from int) int {
	for i := from; i < len(data); i++ {
		if data[i] == c {
			return i
		}
	}
	return -1
}

// SeedTailStart inspects the newest timestamps at the end of the file
// and returns the window start for "last N minutes" tail seeding.
func (r *Reader) SeedTailStart(minutes int) (time.Time, error) {
	size, err := r.file.Seek(0, io.SeekEnd)
	if err != nil {
		return time.Time{}, err
	}
	start := size - seedProbeSize
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	if _, err := r.file.ReadAt(buf, start); err != nil && err != io.EOF {
		return time.Time{}, err
	}

	when := whenFuncFor(r.source)
	var newest time.Time
	pos := 0
	for pos < len(buf) {
		eol := indexByte(buf, '\n', pos)
		if eol < 0 {
			break
		}
		line := strings.TrimRight(string(buf[pos:eol]), "\r")
		if w := when(line); !w.IsZero() && w.After(newest) {
			newest = w
		}
		pos = eol + 1
	}
	if newest.IsZero() {
		return time.Time{}, fmt.Errorf("no timestamped lines near the end of %s", r.path)
	}
	return newest.Add(-time.Duration(minutes) * time.Minute), nil
}

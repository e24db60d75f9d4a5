package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Event notifies a change on a watched file.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Watcher forwards OS-level change notifications for the engine's input
// files. Tail readers use it to wake up early instead of waiting for
// their polling tick.
type Watcher struct {
	fsw    *fsnotify.Watcher
	Events chan Event
	paths  []string
	log    zerolog.Logger
}

// New creates a Watcher for the given file paths. The parent directories
// are watched too so rotation (remove + recreate) is seen.
func New(paths []string, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:    fsw,
		Events: make(chan Event, 256),
		log:    log.With().Str("component", "watcher").Logger(),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if err := fsw.Add(abs); err != nil {
			w.log.Warn().Str("path", abs).Err(err).Msg("cannot watch file")
		}
		w.paths = append(w.paths, abs)
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			w.log.Warn().Str("dir", d).Err(err).Msg("cannot watch directory")
		}
	}

	return w, nil
}

// Start forwards events until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	defer w.fsw.Close()
	defer close(w.Events)

	watched := make(map[string]bool, len(w.paths))
	for _, p := range w.paths {
		watched[p] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !watched[ev.Name] {
				continue
			}
			switch {
			case ev.Op&fsnotify.Write != 0,
				ev.Op&fsnotify.Create != 0,
				ev.Op&fsnotify.Remove != 0,
				ev.Op&fsnotify.Rename != 0:
				select {
				case w.Events <- Event{Path: ev.Name, Op: ev.Op}:
				default:
					// Readers poll anyway; a dropped wakeup is harmless.
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// Paths returns the watched file paths.
func (w *Watcher) Paths() []string { return w.paths }

// Resolve expands a path that may contain glob patterns and returns the
// most recently modified match. A plain existing path is returned as-is.
func Resolve(pattern string) (string, error) {
	if _, err := os.Stat(pattern); err == nil {
		return pattern, nil
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no file matches %q", pattern)
	}
	sort.Slice(matches, func(i, j int) bool {
		si, errI := os.Stat(matches[i])
		sj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] < matches[j]
		}
		return si.ModTime().After(sj.ModTime())
	})
	return matches[0], nil
}

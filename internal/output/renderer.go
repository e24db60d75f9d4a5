package output

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"

	"github.com/slsolucije/astlog/internal/model"
)

// Renderer writes events to an output stream.
type Renderer interface {
	Render(ev *model.Event) error
}

// timeFormat for human-readable renderers.
const timeFormat = "2006-01-02 15:04:05.000"

// ---------------------------------------------------------------------------
// Text Renderer (colorized terminal output)
// ---------------------------------------------------------------------------

var (
	styleSIP    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // cyan
	styleCDR    = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // yellow
	styleOther  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Faint(true)
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color("141")) // violet
)

// TextRenderer prints events with kind-based colors.
type TextRenderer struct {
	w io.Writer
}

// NewTextRenderer returns a Renderer writing colorized text to stdout.
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{w: os.Stdout}
}

func (r *TextRenderer) Render(ev *model.Event) error {
	tag := kindTag(ev)
	key := ""
	if ev.Key != "" {
		key = styleKey.Render(ev.Key) + " "
	}
	_, err := fmt.Fprintf(r.w, "%s %s %s%s\n",
		ev.Timestamp.Format(timeFormat), tag, key, ev.Summary())
	return err
}

func kindTag(ev *model.Event) string {
	padded := fmt.Sprintf("%-11s", ev.Kind)
	switch ev.Kind {
	case model.KindSIP:
		if ev.StatusCode >= 400 {
			return styleFailed.Render(padded)
		}
		return styleSIP.Render(padded)
	case model.KindCDR:
		return styleCDR.Render(padded)
	default:
		return styleOther.Render(padded)
	}
}

// ---------------------------------------------------------------------------
// JSON Renderer (structured output for piping)
// ---------------------------------------------------------------------------

// JSONRenderer prints each event as one JSON object per line.
type JSONRenderer struct {
	enc *json.Encoder
}

// NewJSONRenderer returns a Renderer writing JSON lines to w.
func NewJSONRenderer(w io.Writer) *JSONRenderer {
	return &JSONRenderer{enc: json.NewEncoder(w)}
}

func (r *JSONRenderer) Render(ev *model.Event) error {
	return r.enc.Encode(ev)
}

// ---------------------------------------------------------------------------
// TSV writer (normalized log-output file)
// ---------------------------------------------------------------------------

// TSVWriter appends every ingested event to a file in the normalized
// form: timestamp, kind, key and summary, tab-separated, one per line.
type TSVWriter struct {
	f *os.File
}

// NewTSVWriter opens (appending) the normalized output file.
func NewTSVWriter(path string) (*TSVWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log-output %s: %w", path, err)
	}
	return &TSVWriter{f: f}, nil
}

func (w *TSVWriter) Render(ev *model.Event) error {
	_, err := fmt.Fprintf(w.f, "%s\t%s\t%s\t%s\n",
		ev.Timestamp.Format(timeFormat), ev.Kind, ev.Key, ev.Summary())
	return err
}

// Close flushes and closes the underlying file.
func (w *TSVWriter) Close() error { return w.f.Close() }

// Package engine wires the ingestion pipeline (reader -> parser ->
// correlator -> store) and answers range and tail queries over the
// windowed working set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/correlator"
	"github.com/slsolucije/astlog/internal/hub"
	"github.com/slsolucije/astlog/internal/metrics"
	"github.com/slsolucije/astlog/internal/model"
	"github.com/slsolucije/astlog/internal/output"
	"github.com/slsolucije/astlog/internal/parser"
	"github.com/slsolucije/astlog/internal/reader"
	"github.com/slsolucije/astlog/internal/store"
	"github.com/slsolucije/astlog/internal/watcher"
)

// evictionInterval drives periodic eviction while tailing.
const evictionInterval = 2 * time.Second

// Config carries everything resolved before engine construction.
type Config struct {
	LogFile     string    // required
	CDRFile     string    // optional
	From        time.Time // historical lower bound; zero = file start
	To          time.Time // historical upper bound; zero = until now
	TailMinutes int       // >0 seeds the tail window to the last N minutes
	LogOutput   string    // optional normalized TSV append path
	MemoryPct   int       // window budget as percent of memory
	KeyStrategy string    // auto, call-id or channel

	// BudgetFn overrides the budget computation (tests); nil means
	// percent of total system memory.
	BudgetFn store.BudgetFunc
}

// Engine owns the window store and correlator state for one run. No
// ambient state: construct once, pass by reference.
type Engine struct {
	cfg Config
	log zerolog.Logger

	// mu serializes session mutation during correlation against the
	// snapshot queries; the store's own lock only covers its indexes.
	mu sync.RWMutex

	parser *parser.Parser
	corr   *correlator.Correlator
	store  *store.Store
	hub    *hub.Hub
	logOut *output.TSVWriter

	from, to time.Time // effective bounds after tail seeding

	lines       atomic.Int64
	parseErrors atomic.Int64
	sipEvents   atomic.Int64
	cdrEvents   atomic.Int64
	otherEvents atomic.Int64
	rotations   atomic.Int64

	lastParseWarn atomic.Int64 // unix seconds, for warn rate limiting
}

// New builds an engine from a resolved configuration.
func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	keys, err := parser.NewKeyExtractor(cfg.KeyStrategy)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.MemoryPct, cfg.BudgetFn, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		log:    log.With().Str("component", "engine").Logger(),
		parser: parser.New(keys),
		corr:   correlator.New(log),
		store:  st,
		hub:    hub.New(log),
		from:   cfg.From,
		to:     cfg.To,
	}
	st.SetOnEvict(e.corr.Forget)
	e.corr.SetAdoptHook(func(ev *model.Event) {
		e.store.Insert(ev, true)
	})

	if cfg.LogOutput != "" {
		w, err := output.NewTSVWriter(cfg.LogOutput)
		if err != nil {
			return nil, err
		}
		e.logOut = w
	}
	return e, nil
}

// Close releases engine resources and closes all subscriptions.
func (e *Engine) Close() {
	e.hub.Close()
	if e.logOut != nil {
		e.logOut.Close()
	}
}

// openReaders opens the log reader and, when configured, the CDR
// reader. Open failures are fatal to the run.
func (e *Engine) openReaders() (*reader.Reader, *reader.Reader, error) {
	logRd, err := reader.Open(e.cfg.LogFile, model.SourceLog, e.log)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.CDRFile == "" {
		return logRd, nil, nil
	}
	cdrRd, err := reader.Open(e.cfg.CDRFile, model.SourceCDR, e.log)
	if err != nil {
		logRd.Close()
		return nil, nil, err
	}
	return logRd, cdrRd, nil
}

// loadHistory performs the bounded historical load through the given
// readers, leaving their offsets at EOF so a following tail picks up
// without a gap.
func (e *Engine) loadHistory(ctx context.Context, logRd, cdrRd *reader.Reader) error {
	if e.cfg.TailMinutes > 0 {
		from, err := logRd.SeedTailStart(e.cfg.TailMinutes)
		if err != nil {
			return fmt.Errorf("seed tail window: %w", err)
		}
		e.from = from
		e.to = time.Time{}
		e.log.Info().Time("from", from).Int("minutes", e.cfg.TailMinutes).
			Msg("window seeded from newest timestamps")
	}

	if err := e.ingestHistorical(ctx, logRd); err != nil {
		return err
	}
	if cdrRd != nil {
		if err := e.ingestHistorical(ctx, cdrRd); err != nil {
			return err
		}
	}
	e.store.Evict()
	return nil
}

// RunHistorical loads the bounded window from the log (and CDR) file,
// then returns. Used for one-shot analysis.
func (e *Engine) RunHistorical(ctx context.Context) error {
	logRd, cdrRd, err := e.openReaders()
	if err != nil {
		return err
	}
	defer logRd.Close()
	if cdrRd != nil {
		defer cdrRd.Close()
	}

	if err := e.loadHistory(ctx, logRd, cdrRd); err != nil {
		return err
	}
	e.logSummary()
	return nil
}

// RunTail performs the historical seed, then follows both files until
// the context is cancelled.
func (e *Engine) RunTail(ctx context.Context) error {
	logRd, cdrRd, err := e.openReaders()
	if err != nil {
		return err
	}
	defer logRd.Close()
	if cdrRd != nil {
		defer cdrRd.Close()
	}

	if err := e.loadHistory(ctx, logRd, cdrRd); err != nil {
		return err
	}
	// Tail bounds are open ended from here on.
	e.to = time.Time{}

	paths := []string{e.cfg.LogFile}
	if cdrRd != nil {
		paths = append(paths, e.cfg.CDRFile)
	}
	w, err := watcher.New(paths, e.log)
	if err != nil {
		return err
	}
	go w.Start(ctx)

	lines := make(chan model.RawLine, 512)
	errs := make(chan error, 2)
	go func() { errs <- logRd.Tail(ctx, w.Events, lines) }()
	if cdrRd != nil {
		// The watcher channel is consumed by the log reader; the CDR
		// reader relies on its polling tick.
		go func() { errs <- cdrRd.Tail(ctx, nil, lines) }()
	}

	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainRemaining(lines)
			e.store.Evict()
			e.logSummary()
			return nil
		case err := <-errs:
			if err != nil && !errors.Is(err, context.Canceled) {
				e.drainRemaining(lines)
				e.store.Evict()
				e.logSummary()
				return err
			}
		case raw := <-lines:
			e.ingestLine(raw)
		case <-ticker.C:
			e.store.Evict()
		}
	}
}

// ingestHistorical streams one bounded read through the pipeline.
func (e *Engine) ingestHistorical(ctx context.Context, r *reader.Reader) error {
	lines := make(chan model.RawLine, 512)
	done := make(chan error, 1)
	go func() {
		defer close(lines)
		done <- r.ReadRange(ctx, e.from, e.to, lines)
	}()

	batch := 0
	for raw := range lines {
		e.ingestLine(raw)
		batch++
		if batch%1000 == 0 {
			e.store.Evict()
		}
	}
	e.store.Evict()
	return <-done
}

// ingestLine runs one raw line through parse -> correlate -> store and
// notifies subscribers. Single goroutine: the ingestion discipline is
// one writer, many snapshot readers.
func (e *Engine) ingestLine(raw model.RawLine) {
	if raw.Rotated {
		e.rotations.Add(1)
		e.mu.Lock()
		e.corr.Rotate()
		e.mu.Unlock()
		return
	}

	e.lines.Add(1)
	sourceLabel := "log"
	if raw.Source == model.SourceCDR {
		sourceLabel = "cdr"
	}
	metrics.LinesTotal.WithLabelValues(sourceLabel).Inc()

	ev, err := e.parser.Parse(raw.Text, raw.Source)
	if err != nil {
		e.parseErrors.Add(1)
		metrics.ParseErrorsTotal.Inc()
		e.warnParse(err)
		return
	}
	if ev == nil {
		return
	}

	// Bounded loads read with byte slack around the located positions;
	// enforce the window exactly here.
	if !e.from.IsZero() && ev.Timestamp.Before(e.from) {
		return
	}
	if !e.to.IsZero() && ev.Timestamp.After(e.to) {
		return
	}

	switch ev.Kind {
	case model.KindSIP:
		e.sipEvents.Add(1)
	case model.KindCDR:
		e.cdrEvents.Add(1)
	default:
		e.otherEvents.Add(1)
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	e.mu.Lock()
	outcome, sess := e.corr.Ingest(ev)
	switch outcome {
	case correlator.OutcomeCreated:
		e.store.AddSession(sess)
		e.store.Insert(ev, true)
	case correlator.OutcomeAppended, correlator.OutcomeAttached, correlator.OutcomeDuplicateCDR:
		e.store.Insert(ev, true)
	case correlator.OutcomePending:
		// Indexed only if the signaling ever shows up (adopt hook).
	default:
		e.store.Insert(ev, false)
	}
	e.mu.Unlock()

	e.hub.Publish(ev)
	if e.logOut != nil {
		if err := e.logOut.Render(ev); err != nil {
			e.log.Warn().Err(err).Msg("log-output write failed")
		}
	}
}

// warnParse logs dropped lines at most once per second; every drop is
// still counted.
func (e *Engine) warnParse(err error) {
	now := time.Now().Unix()
	last := e.lastParseWarn.Load()
	if now != last && e.lastParseWarn.CompareAndSwap(last, now) {
		e.log.Warn().Err(err).Int64("dropped_total", e.parseErrors.Load()).
			Msg("malformed line dropped")
	}
}

// drainRemaining flushes in-flight lines after cancellation.
func (e *Engine) drainRemaining(lines <-chan model.RawLine) {
	for {
		select {
		case raw := <-lines:
			e.ingestLine(raw)
		default:
			return
		}
	}
}

func (e *Engine) logSummary() {
	snap := e.store.Snapshot()
	e.log.Info().
		Int64("lines", e.lines.Load()).
		Int64("sip_events", e.sipEvents.Load()).
		Int64("cdr_events", e.cdrEvents.Load()).
		Int64("other_events", e.otherEvents.Load()).
		Int64("parse_errors", e.parseErrors.Load()).
		Int64("rotations", e.rotations.Load()).
		Int("sessions", snap.Sessions).
		Int64("window_bytes", snap.Bytes).
		Bool("degraded", snap.Degraded).
		Msg("ingestion summary")
}

// Package poller runs one periodic retrieval task per running session.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"XEWatch/internal/pool"
	"XEWatch/internal/session"
	"XEWatch/internal/tsql"
	"XEWatch/internal/xevent"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultMaxEvents      = 1000
	defaultCommandTimeout = 30 * time.Second
)

// Acquirer hands out live connections; *pool.Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context, d pool.Descriptor) (pool.Conn, error)
}

// Sink receives every batch of newly merged events, newest first.
type Sink interface {
	Append(ctx context.Context, s *session.Session, events []xevent.Event) error
}

// Update describes the outcome of a tick that added events.
type Update struct {
	Session   string         `json:"session"`
	State     session.State  `json:"state"`
	NewEvents []xevent.Event `json:"new_events"`
	Total     int            `json:"total"`
}

type Options struct {
	Interval       time.Duration
	MaxEvents      int
	CommandTimeout time.Duration
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// Scheduler starts and tracks poll tasks.
type Scheduler struct {
	conns          Acquirer
	interval       time.Duration
	maxEvents      int
	commandTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer

	ticks    metric.Int64Counter
	failures metric.Int64Counter
	ingested metric.Int64Counter
	duration metric.Float64Histogram

	mu       sync.RWMutex
	sink     Sink
	onUpdate []func(Update)
}

func New(conns Acquirer, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("xewatch/poller")
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("xewatch/poller")
	}

	sc := &Scheduler{
		conns:          conns,
		interval:       opts.Interval,
		maxEvents:      opts.MaxEvents,
		commandTimeout: opts.CommandTimeout,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
	}

	// A failed instrument is left nil and skipped when recording.
	var err error
	if sc.ticks, err = opts.Meter.Int64Counter("xewatch.poll.ticks",
		metric.WithDescription("Poll ticks executed")); err != nil {
		sc.logger.Warn("failed to create counter", "name", "xewatch.poll.ticks", "error", err)
	}
	if sc.failures, err = opts.Meter.Int64Counter("xewatch.poll.failures",
		metric.WithDescription("Poll ticks that failed, by stage")); err != nil {
		sc.logger.Warn("failed to create counter", "name", "xewatch.poll.failures", "error", err)
	}
	if sc.ingested, err = opts.Meter.Int64Counter("xewatch.events.ingested",
		metric.WithDescription("Events added to session lists")); err != nil {
		sc.logger.Warn("failed to create counter", "name", "xewatch.events.ingested", "error", err)
	}
	if sc.duration, err = opts.Meter.Float64Histogram("xewatch.poll.duration",
		metric.WithDescription("Poll tick duration in milliseconds")); err != nil {
		sc.logger.Warn("failed to create histogram", "name", "xewatch.poll.duration", "error", err)
	}
	return sc
}

// SetSink configures where merged batches are persisted. nil disables it.
func (sc *Scheduler) SetSink(sink Sink) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.sink = sink
}

// OnUpdate registers a callback invoked after a tick adds events. Callbacks
// run on the poll goroutine and must not block.
func (sc *Scheduler) OnUpdate(fn func(Update)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.onUpdate = append(sc.onUpdate, fn)
}

func (sc *Scheduler) MaxEvents() int { return sc.maxEvents }

// Task is a running poll loop for one session.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop and waits until it has exited, so no tick runs
// after Stop returns.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Start launches the poll loop for s. The first tick runs immediately.
func (sc *Scheduler) Start(s *session.Session) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go sc.run(ctx, s, t.done)
	return t
}

func (sc *Scheduler) run(ctx context.Context, s *session.Session, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.logger.Info("polling started", "session", s.Name, "interval", sc.interval)
	for {
		if _, err := sc.tick(ctx, s); err != nil && ctx.Err() == nil {
			sc.logger.Warn("poll tick failed", "session", s.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			sc.logger.Info("polling stopped", "session", s.Name)
			return
		case <-ticker.C:
		}
	}
}

// tick runs one retrieve-parse-merge cycle and returns the number of new
// events. Failures leave the session untouched.
func (sc *Scheduler) tick(ctx context.Context, s *session.Session) (int, error) {
	ctx, span := sc.tracer.Start(ctx, "poll.tick", trace.WithAttributes(attribute.String("session", s.Name)))
	defer span.End()

	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("session", s.Name))
	defer func() {
		if sc.duration != nil {
			sc.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	}()
	if sc.ticks != nil {
		sc.ticks.Add(ctx, 1, attrs)
	}

	ctx, cancel := context.WithTimeout(ctx, sc.commandTimeout)
	defer cancel()

	fail := func(stage string, err error) (int, error) {
		if sc.failures != nil && !errors.Is(err, context.Canceled) {
			sc.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("session", s.Name), attribute.String("stage", stage)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		return 0, fmt.Errorf("%s: %w", stage, err)
	}

	conn, err := sc.conns.Acquire(ctx, s.Connection)
	if err != nil {
		return fail("acquire", err)
	}

	scope := tsql.ScopeFor(s.Connection.IsManagedCloud)
	payload, ok, err := conn.QueryString(ctx, tsql.RetrieveQuery(scope), sql.Named(tsql.SessionNameParam, s.Name))
	if err != nil {
		return fail("retrieve", err)
	}
	if !ok {
		return 0, nil
	}

	res, err := xevent.Parse(payload)
	if err != nil {
		return fail("parse", err)
	}
	if len(res.Skipped) > 0 {
		sc.logger.Debug("skipped malformed events", "session", s.Name, "count", len(res.Skipped), "first", res.Skipped[0])
	}

	s.Lookup.ResolveAll(res.Events)
	fresh := s.Merge(res.Events, sc.maxEvents)
	span.SetAttributes(attribute.Int("events.parsed", len(res.Events)), attribute.Int("events.new", len(fresh)))
	if len(fresh) == 0 {
		return 0, nil
	}
	if sc.ingested != nil {
		sc.ingested.Add(ctx, int64(len(fresh)), attrs)
	}

	sc.publish(ctx, s, fresh)
	return len(fresh), nil
}

func (sc *Scheduler) publish(ctx context.Context, s *session.Session, fresh []xevent.Event) {
	sc.mu.RLock()
	sink := sc.sink
	hooks := sc.onUpdate
	sc.mu.RUnlock()

	if sink != nil {
		if err := sink.Append(ctx, s, fresh); err != nil {
			sc.logger.Warn("failed to journal events", "session", s.Name, "error", err)
		}
	}

	u := Update{
		Session:   s.Name,
		State:     s.State(),
		NewEvents: fresh,
		Total:     s.EventCount(),
	}
	for _, fn := range hooks {
		fn(u)
	}
}

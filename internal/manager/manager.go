// Package manager drives the lifecycle of remote capture sessions: it issues
// the remote commands, owns the registry and starts or halts polling.
package manager

import (
	"context"
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

	"XEWatch/internal/catalog"
	"XEWatch/internal/poller"
	"XEWatch/internal/pool"
	"XEWatch/internal/session"
	"XEWatch/internal/template"
	"XEWatch/internal/tsql"
)

// ErrInvalidArgument marks requests rejected before any remote call.
var ErrInvalidArgument = errors.New("invalid argument")

const defaultCommandTimeout = 30 * time.Second

// ConnPool is the subset of *pool.Pool the manager needs.
type ConnPool interface {
	Acquire(ctx context.Context, d pool.Descriptor) (pool.Conn, error)
	Reconnect(ctx context.Context, d pool.Descriptor) (pool.Conn, error)
	Release(d pool.Descriptor) error
	Close() error
}

// Recorder persists session lifecycle milestones. *journal.Journal
// implements it.
type Recorder interface {
	RecordSession(ctx context.Context, snap session.Snapshot) error
	MarkDropped(ctx context.Context, id string, at time.Time) error
}

type Options struct {
	CommandTimeout time.Duration
	Target         tsql.TargetOptions
	Templates      *template.Store
	Recorder       Recorder
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// Manager implements create/start/pause/resume/stop/drop/reconnect.
type Manager struct {
	registry       *session.Registry
	conns          ConnPool
	scheduler      *poller.Scheduler
	templates      *template.Store
	target         tsql.TargetOptions
	commandTimeout time.Duration
	recorder       Recorder
	logger         *slog.Logger
	tracer         trace.Tracer
	commandLatency metric.Float64Histogram

	mu        sync.RWMutex
	listeners []func(poller.Update)
}

func New(conns ConnPool, scheduler *poller.Scheduler, opts Options) *Manager {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Templates == nil {
		opts.Templates = template.NewStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("xewatch/manager")
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("xewatch/manager")
	}

	m := &Manager{
		registry:       session.NewRegistry(),
		conns:          conns,
		scheduler:      scheduler,
		templates:      opts.Templates,
		target:         opts.Target,
		commandTimeout: opts.CommandTimeout,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
	}

	var err error
	if m.commandLatency, err = opts.Meter.Float64Histogram("xewatch.remote.command.duration",
		metric.WithDescription("Remote lifecycle command duration in milliseconds")); err != nil {
		m.logger.Warn("failed to create histogram", "name", "xewatch.remote.command.duration", "error", err)
	}

	scheduler.OnUpdate(m.notify)
	return m
}

// Templates returns the capture templates sessions can be created from.
func (m *Manager) Templates() []template.Template {
	return m.templates.List()
}

// Subscribe registers fn for event batches and state changes. fn runs on
// the goroutine that caused the change and must not block.
func (m *Manager) Subscribe(fn func(poller.Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(u poller.Update) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(u)
	}
}

func (m *Manager) stateChanged(s *session.Session) {
	m.notify(poller.Update{Session: s.Name, State: s.State(), Total: s.EventCount()})
}

// Create defines a session on the remote engine from a template and
// registers it as Stopped.
func (m *Manager) Create(ctx context.Context, conn pool.Descriptor, name, templateName string) (snap session.Snapshot, err error) {
	ctx, span := m.startSpan(ctx, "session.create", name)
	defer func() { endSpan(span, err) }()

	if err := tsql.ValidateSessionName(name); err != nil {
		return snap, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	conn = conn.WithDefaults()
	if err := conn.Validate(); err != nil {
		return snap, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	tmpl, err := m.templates.Get(templateName)
	if err != nil {
		return snap, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	release, err := m.registry.Reserve(name)
	if err != nil {
		return snap, fmt.Errorf("%w: %q", err, name)
	}
	defer release()

	scope := tsql.ScopeFor(conn.IsManagedCloud)
	for _, stmt := range tsql.CreateStatements(scope, name, tmpl.Definition, m.target) {
		if err := m.exec(ctx, conn, "create", stmt); err != nil {
			return snap, fmt.Errorf("%w: session %q on %s: %w", session.ErrSessionCreationFailed, name, conn, err)
		}
	}

	lookup, err := m.loadCatalog(ctx, conn)
	if err != nil {
		m.logger.Warn("database catalog unavailable, ids stay unresolved", "session", name, "connection", conn.String(), "error", err)
	}

	s := session.New(name, conn, tmpl, lookup)
	if err := m.registry.Add(s); err != nil {
		return snap, fmt.Errorf("%w: %q", err, name)
	}
	m.logger.Info("session created", "session", name, "connection", conn.String(), "template", tmpl.Name, "databases", len(lookup))

	snap = s.Snapshot(false)
	m.record(ctx, snap)
	m.stateChanged(s)
	return snap, nil
}

func (m *Manager) loadCatalog(ctx context.Context, d pool.Descriptor) (catalog.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()
	conn, err := m.conns.Acquire(ctx, d)
	if err != nil {
		return catalog.Table{}, err
	}
	return catalog.Load(ctx, conn)
}

// Start begins remote capture and polling. Starting a Paused session
// resumes polling without a remote command.
func (m *Manager) Start(ctx context.Context, name string) (err error) {
	ctx, span := m.startSpan(ctx, "session.start", name)
	defer func() { endSpan(span, err) }()

	s, err := m.lock(name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	switch from := s.State(); from {
	case session.Stopped:
	case session.Paused:
		m.resumePolling(s)
		return nil
	default:
		return session.InvalidTransition("start", name, from)
	}

	s.SetState(session.Starting)
	scope := tsql.ScopeFor(s.Connection.IsManagedCloud)
	if err := m.exec(ctx, s.Connection, "start", tsql.StartStatement(scope, name)); err != nil {
		s.SetState(session.Stopped)
		return session.RemoteFailed("start", name, err)
	}

	s.MarkStarted(time.Now())
	s.AttachTask(m.scheduler.Start(s))
	m.logger.Info("session started", "session", name)
	m.record(ctx, s.Snapshot(false))
	m.stateChanged(s)
	return nil
}

// Pause halts local polling only; the remote session keeps capturing.
func (m *Manager) Pause(ctx context.Context, name string) (err error) {
	_, span := m.startSpan(ctx, "session.pause", name)
	defer func() { endSpan(span, err) }()

	s, err := m.lock(name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	if from := s.State(); from != session.Running {
		return session.NotPausable(name, from)
	}
	s.SetState(session.Pausing)
	s.StopTask()
	s.SetState(session.Paused)
	m.logger.Info("session paused", "session", name)
	m.stateChanged(s)
	return nil
}

// Resume restarts polling of a Paused session.
func (m *Manager) Resume(ctx context.Context, name string) (err error) {
	_, span := m.startSpan(ctx, "session.resume", name)
	defer func() { endSpan(span, err) }()

	s, err := m.lock(name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	if from := s.State(); from != session.Paused {
		return session.InvalidTransition("resume", name, from)
	}
	m.resumePolling(s)
	return nil
}

// resumePolling must be called with the session lock held.
func (m *Manager) resumePolling(s *session.Session) {
	s.SetState(session.Running)
	s.AttachTask(m.scheduler.Start(s))
	m.logger.Info("session resumed", "session", s.Name)
	m.stateChanged(s)
}

// Stop halts polling and remote capture. Collected events are kept.
func (m *Manager) Stop(ctx context.Context, name string) (err error) {
	ctx, span := m.startSpan(ctx, "session.stop", name)
	defer func() { endSpan(span, err) }()

	s, err := m.lock(name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	if err := m.stop(ctx, s); err != nil {
		return err
	}
	m.record(ctx, s.Snapshot(false))
	m.stateChanged(s)
	return nil
}

// stop must be called with the session lock held. On failure the session is
// returned to its prior state, polling included.
func (m *Manager) stop(ctx context.Context, s *session.Session) error {
	from := s.State()
	if from != session.Running && from != session.Paused {
		return session.InvalidTransition("stop", s.Name, from)
	}

	s.StopTask()
	scope := tsql.ScopeFor(s.Connection.IsManagedCloud)
	if err := m.exec(ctx, s.Connection, "stop", tsql.StopStatement(scope, s.Name)); err != nil {
		if from == session.Running {
			s.AttachTask(m.scheduler.Start(s))
		}
		return session.RemoteFailed("stop", s.Name, err)
	}

	s.MarkStopped(time.Now())
	m.logger.Info("session stopped", "session", s.Name, "events", s.EventCount())
	return nil
}

// Drop stops the session if needed, destroys it remotely and unregisters it.
func (m *Manager) Drop(ctx context.Context, name string) (err error) {
	ctx, span := m.startSpan(ctx, "session.drop", name)
	defer func() { endSpan(span, err) }()

	s, err := m.lock(name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	if st := s.State(); st == session.Running || st == session.Paused {
		if err := m.stop(ctx, s); err != nil {
			return err
		}
		m.stateChanged(s)
	}

	scope := tsql.ScopeFor(s.Connection.IsManagedCloud)
	if err := m.exec(ctx, s.Connection, "drop", tsql.DropStatement(scope, name)); err != nil {
		return session.RemoteFailed("drop", name, err)
	}

	m.registry.Remove(s)
	s.SetState(session.Dropped)

	if !m.registry.UsesConnection(s.Connection.Key(), s) {
		if err := m.conns.Release(s.Connection); err != nil {
			m.logger.Warn("failed to close connection", "connection", s.Connection.String(), "error", err)
		}
	}
	if m.recorder != nil {
		if err := m.recorder.MarkDropped(ctx, s.ID, time.Now()); err != nil {
			m.logger.Warn("failed to journal session", "session", name, "error", err)
		}
	}

	m.logger.Info("session dropped", "session", name)
	m.stateChanged(s)
	return nil
}

// Reconnect replaces the pooled connection of the session and probes it.
// The session state and events are left as they were.
func (m *Manager) Reconnect(ctx context.Context, name string) (err error) {
	ctx, span := m.startSpan(ctx, "session.reconnect", name)
	defer func() { endSpan(span, err) }()

	s, err := m.lock(name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	conn, err := m.conns.Reconnect(ctx, s.Connection)
	if err != nil {
		return fmt.Errorf("%w: session %q: %w", session.ErrReconnectFailed, name, err)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: session %q: %w", session.ErrReconnectFailed, name, err)
	}
	m.logger.Info("session reconnected", "session", name, "connection", s.Connection.String())
	return nil
}

// Get returns a snapshot of the session including its events.
func (m *Manager) Get(name string) (session.Snapshot, error) {
	s, ok := m.registry.Get(name)
	if !ok {
		return session.Snapshot{}, session.NotFound(name)
	}
	return s.Snapshot(true), nil
}

// List returns snapshots of every session, without events.
func (m *Manager) List() []session.Snapshot {
	sessions := m.registry.List()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot(false))
	}
	return out
}

// Clear empties the local event list of a session.
func (m *Manager) Clear(name string) (int, error) {
	s, ok := m.registry.Get(name)
	if !ok {
		return 0, session.NotFound(name)
	}
	n := s.Clear()
	m.logger.Info("session events cleared", "session", name, "events", n)
	m.stateChanged(s)
	return n, nil
}

// Shutdown stops every poll task and closes the pool. Remote sessions are
// left in place.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range m.registry.List() {
			s.Lock()
			s.StopTask()
			s.Unlock()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
	return m.conns.Close()
}

// lock looks up name and takes its operation lock. A session dropped while
// waiting is reported as not found.
func (m *Manager) lock(name string) (*session.Session, error) {
	s, ok := m.registry.Get(name)
	if !ok {
		return nil, session.NotFound(name)
	}
	s.Lock()
	if s.State() == session.Dropped {
		s.Unlock()
		return nil, session.NotFound(name)
	}
	return s, nil
}

// exec runs one remote statement under the command timeout.
func (m *Manager) exec(ctx context.Context, d pool.Descriptor, op, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if m.commandLatency != nil {
			m.commandLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("op", op)))
		}
	}()

	conn, err := m.conns.Acquire(ctx, d)
	if err != nil {
		return err
	}
	return conn.Exec(ctx, stmt)
}

func (m *Manager) record(ctx context.Context, snap session.Snapshot) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordSession(ctx, snap); err != nil {
		m.logger.Warn("failed to journal session", "session", snap.Name, "error", err)
	}
}

func (m *Manager) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session", name)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

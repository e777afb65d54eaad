// Package pool keeps one reusable remote connection per descriptor.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Options configures a Pool.
type Options struct {
	PingTimeout time.Duration
	Logger      *slog.Logger
}

// Info describes a pooled handle.
type Info struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	UseCount  int64     `json:"use_count"`
}

// Pool manages pooled handles keyed by descriptor.
type Pool struct {
	dialer      Dialer
	pingTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry holds the single cached handle for one key. Its mutex serializes
// creation so a key never has two live handles.
type entry struct {
	mu        sync.Mutex
	desc      Descriptor
	conn      Conn
	evicted   bool
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// New creates a pool dialing through dialer.
func New(dialer Dialer, opts Options) *Pool {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		dialer:      dialer,
		pingTimeout: opts.PingTimeout,
		logger:      opts.Logger,
		entries:     make(map[string]*entry),
	}
}

func (p *Pool) entryFor(d Descriptor) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	key := d.Key()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{desc: d}
		p.entries[key] = e
	}
	return e, nil
}

// Acquire returns a live handle for d, reusing the cached one when it
// answers a ping and replacing it in place otherwise.
func (p *Pool) Acquire(ctx context.Context, d Descriptor) (Conn, error) {
	for {
		e, err := p.entryFor(d)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.evicted {
			// Released while we waited; pick up the replacement entry.
			e.mu.Unlock()
			continue
		}
		conn, err := p.ensureLive(ctx, e)
		e.mu.Unlock()
		return conn, err
	}
}

// ensureLive must be called with e.mu held.
func (p *Pool) ensureLive(ctx context.Context, e *entry) (Conn, error) {
	if e.conn != nil {
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err := e.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			e.lastUsed = time.Now()
			e.useCount++
			return e.conn, nil
		}
		p.logger.Warn("pooled connection unhealthy, recreating", "connection", e.desc.String(), "error", err)
		if cerr := e.conn.Close(); cerr != nil {
			p.logger.Warn("failed to close unhealthy connection", "connection", e.desc.String(), "error", cerr)
		}
		e.conn = nil
	}

	conn, err := p.dialer.Dial(ctx, e.desc)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	e.conn = conn
	e.createdAt = now
	e.lastUsed = now
	e.useCount = 1
	p.logger.Info("opened pooled connection", "connection", e.desc.String())
	return conn, nil
}

// Reconnect discards the cached handle for d and dials a fresh one.
func (p *Pool) Reconnect(ctx context.Context, d Descriptor) (Conn, error) {
	if err := p.Release(d); err != nil {
		p.logger.Warn("failed to close connection during reconnect", "connection", d.String(), "error", err)
	}
	return p.Acquire(ctx, d)
}

// Release closes and evicts the cached handle for d.
func (p *Pool) Release(d Descriptor) error {
	p.mu.Lock()
	key := d.Key()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return e.close()
}

func (e *entry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// Close closes every pooled handle. Acquire fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		name := e.desc.String()
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection %s: %w", name, err)
		}
	}
	return firstErr
}

// Count returns the number of live pooled handles.
func (p *Pool) Count() int {
	return len(p.Stats())
}

// Stats describes every live pooled handle.
func (p *Pool) Stats() []Info {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			infos = append(infos, Info{
				Name:      e.desc.String(),
				CreatedAt: e.createdAt,
				LastUsed:  e.lastUsed,
				UseCount:  e.useCount,
			})
		}
		e.mu.Unlock()
	}
	return infos
}

// Package pooltest provides an in-memory stand-in for a remote engine,
// usable wherever a pool.Dialer is expected.
package pooltest

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"XEWatch/internal/pool"
	"XEWatch/internal/tsql"
)

// ErrClosed is returned by every call on a closed Conn.
var ErrClosed = errors.New("pooltest: use of closed connection")

// Server records statements and serves ring buffer documents.
type Server struct {
	mu          sync.Mutex
	statements  []string
	buffers     map[string]string
	catalog     map[int]string
	catalogErr  error
	execErr     func(stmt string) error
	retrieveErr error
	dialErr     error
	pingErr     error
	closeErr    error
	dials       int
	retrievals  int
	closedUses  int
	conns       []*Conn
}

func NewServer() *Server {
	return &Server{
		buffers: make(map[string]string),
		catalog: make(map[int]string),
	}
}

// Dial implements pool.Dialer.
func (s *Server) Dial(_ context.Context, _ pool.Descriptor) (pool.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &Conn{srv: s}
	s.conns = append(s.conns, c)
	return c, nil
}

// SetBuffer replaces the ring buffer document served for a session.
func (s *Server) SetBuffer(session, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[session] = payload
}

func (s *Server) SetCatalog(names map[int]string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = names
	s.catalogErr = err
}

// SetExecErr makes Exec fail for statements where fn returns an error.
func (s *Server) SetExecErr(fn func(stmt string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErr = fn
}

func (s *Server) SetRetrieveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrieveErr = err
}

func (s *Server) SetDialErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

func (s *Server) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// SetCloseErr makes Close report err. The handle is still marked closed.
func (s *Server) SetCloseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Statements returns every executed statement in order.
func (s *Server) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statements...)
}

func (s *Server) ResetStatements() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements = nil
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Retrievals counts ring buffer queries, failed ones included.
func (s *Server) Retrievals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrievals
}

// ClosedUses counts calls made on connections after they were closed.
func (s *Server) ClosedUses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedUses
}

// OpenConns counts connections that have not been closed.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Conn is a handle to a Server.
type Conn struct {
	srv    *Server
	closed bool
}

// check must be called with srv.mu held.
func (c *Conn) check() error {
	if c.closed {
		c.srv.closedUses++
		return ErrClosed
	}
	return nil
}

func (c *Conn) Exec(_ context.Context, stmt string) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if s.execErr != nil {
		if err := s.execErr(stmt); err != nil {
			return err
		}
	}
	s.statements = append(s.statements, stmt)
	return nil
}

func (c *Conn) QueryString(_ context.Context, query string, args ...any) (string, bool, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return "", false, err
	}
	if !strings.Contains(query, "target_data") {
		return "", false, nil
	}
	s.retrievals++
	if s.retrieveErr != nil {
		return "", false, s.retrieveErr
	}
	var name string
	for _, a := range args {
		if na, ok := a.(sql.NamedArg); ok && na.Name == tsql.SessionNameParam {
			name, _ = na.Value.(string)
		}
	}
	buf, ok := s.buffers[name]
	return buf, ok, nil
}

func (c *Conn) QueryIDNames(_ context.Context, _ string) (map[int]string, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	if s.catalogErr != nil {
		return nil, s.catalogErr
	}
	out := make(map[int]string, len(s.catalog))
	for k, v := range s.catalog {
		out[k] = v
	}
	return out, nil
}

func (c *Conn) Ping(_ context.Context) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	return s.pingErr
}

func (c *Conn) Close() error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closed = true
	return s.closeErr
}

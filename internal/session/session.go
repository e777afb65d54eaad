// Package session holds the session entity, its lifecycle states, and the
// registry that owns every session.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"XEWatch/internal/catalog"
	"XEWatch/internal/pool"
	"XEWatch/internal/template"
	"XEWatch/internal/xevent"
)

type State int

const (
	Stopped State = iota
	Starting
	Running
	Pausing
	Paused
	Dropped
)

var stateNames = map[State]string{
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Pausing:  "pausing",
	Paused:   "paused",
	Dropped:  "dropped",
}

var stateFromName = map[string]State{
	"stopped":  Stopped,
	"starting": Starting,
	"running":  Running,
	"pausing":  Pausing,
	"paused":   Paused,
	"dropped":  Dropped,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Task is the cancellation handle of a session's poll task. Stop must not
// return until the task has finished its last tick.
type Task interface {
	Stop()
}

// minSeen bounds the remembered timestamps from below, so events evicted by
// the retention cap are not re-ingested while the remote buffer still holds
// them.
const minSeen = 10000

// Session is a named capture session and its local tracking state.
type Session struct {
	ID         string
	Name       string
	Connection pool.Descriptor
	Template   template.Template
	Lookup     catalog.Table
	CreatedAt  time.Time

	// op serializes lifecycle operations on this session.
	op sync.Mutex

	mu        sync.RWMutex
	state     State
	events    []xevent.Event // newest first
	seen      map[string]struct{}
	seenOrder []string
	startedAt time.Time
	stoppedAt time.Time
	task      Task
}

// New returns a Stopped session with a fresh instance id.
func New(name string, conn pool.Descriptor, tmpl template.Template, lookup catalog.Table) *Session {
	if lookup == nil {
		lookup = catalog.Table{}
	}
	return &Session{
		ID:         uuid.NewString(),
		Name:       name,
		Connection: conn,
		Template:   tmpl,
		Lookup:     lookup,
		CreatedAt:  time.Now(),
		state:      Stopped,
		seen:       make(map[string]struct{}),
	}
}

// Lock serializes a lifecycle operation against others on the same session.
func (s *Session) Lock()   { s.op.Lock() }
func (s *Session) Unlock() { s.op.Unlock() }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// MarkStarted sets Running and records the start time.
func (s *Session) MarkStarted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Running
	s.startedAt = now
}

// MarkStopped sets Stopped and records the stop time.
func (s *Session) MarkStopped(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Stopped
	s.stoppedAt = now
}

// AttachTask stores the poll task handle.
func (s *Session) AttachTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = t
}

// StopTask stops and detaches the poll task, if any. It returns once the
// task will not tick again.
func (s *Session) StopTask() bool {
	s.mu.Lock()
	t := s.task
	s.task = nil
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.Stop()
	return true
}

func (s *Session) HasTask() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task != nil
}

// Merge adds the events of batch (in buffer order) whose timestamps have not
// been seen, prepending them newest first and truncating the list to max.
// It returns the added events, newest first.
func (s *Session) Merge(batch []xevent.Event, max int) []xevent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []xevent.Event
	for i := len(batch) - 1; i >= 0; i-- {
		ts := batch[i].Timestamp
		if _, dup := s.seen[ts]; dup {
			continue
		}
		s.remember(ts, max)
		fresh = append(fresh, batch[i])
	}
	if len(fresh) == 0 {
		return nil
	}

	merged := make([]xevent.Event, 0, len(fresh)+len(s.events))
	merged = append(merged, fresh...)
	merged = append(merged, s.events...)
	if max > 0 && len(merged) > max {
		merged = merged[:max:max]
	}
	s.events = merged
	return fresh
}

// remember must be called with mu held.
func (s *Session) remember(ts string, max int) {
	limit := 4 * max
	if limit < minSeen {
		limit = minSeen
	}
	s.seen[ts] = struct{}{}
	s.seenOrder = append(s.seenOrder, ts)
	if len(s.seenOrder) > limit {
		drop := len(s.seenOrder) - limit
		for _, old := range s.seenOrder[:drop] {
			delete(s.seen, old)
		}
		s.seenOrder = append([]string(nil), s.seenOrder[drop:]...)
	}
}

// Clear empties the event list. Timestamps already seen stay remembered so
// events still held remotely do not reappear.
func (s *Session) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	s.events = nil
	return n
}

// Events returns a deep copy of the event list, newest first.
func (s *Session) Events() []xevent.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEvents(s.events)
}

func cloneEvents(events []xevent.Event) []xevent.Event {
	if events == nil {
		return nil
	}
	out := make([]xevent.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}

func (s *Session) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Snapshot is a point-in-time copy of a session for presentation.
type Snapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Connection  string         `json:"connection"`
	Template    string         `json:"template"`
	DisplayMode string         `json:"display_mode"`
	State       State          `json:"state"`
	EventCount  int            `json:"event_count"`
	Events      []xevent.Event `json:"events,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
}

// Snapshot copies the session. Events are included only when withEvents.
func (s *Session) Snapshot(withEvents bool) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:          s.ID,
		Name:        s.Name,
		Connection:  s.Connection.String(),
		Template:    s.Template.Name,
		DisplayMode: s.Template.DisplayMode,
		State:       s.state,
		EventCount:  len(s.events),
		CreatedAt:   s.CreatedAt,
	}
	if withEvents {
		snap.Events = cloneEvents(s.events)
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		snap.StoppedAt = &t
	}
	return snap
}

// Package template holds capture templates: named definitions of the events
// and actions a created session captures.
package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrTemplateNotFound is returned by Get for unknown names.
var ErrTemplateNotFound = errors.New("template not found")

// Template is an immutable capture definition. Definition holds the
// ADD EVENT clauses; {{session_name}} is substituted at creation time.
type Template struct {
	Name        string `json:"name"`
	Definition  string `json:"definition"`
	DisplayMode string `json:"display_mode"`
}

const commonActions = `ACTION (sqlserver.client_app_name, sqlserver.client_hostname, sqlserver.database_id, sqlserver.database_name, sqlserver.session_id, sqlserver.username)`

// Builtins are always available and may be overridden by configuration.
var Builtins = []Template{
	{
		Name:        "Standard",
		DisplayMode: "standard",
		Definition: `ADD EVENT sqlserver.sql_batch_completed (` + commonActions + `),
ADD EVENT sqlserver.rpc_completed (` + commonActions + `),
ADD EVENT sqlserver.login (SET collect_options_text = (1) ` + commonActions + `),
ADD EVENT sqlserver.logout (` + commonActions + `),
ADD EVENT sqlserver.attention (` + commonActions + `),
ADD EVENT sqlserver.error_reported (` + commonActions + ` WHERE severity >= 11)`,
	},
	{
		Name:        "TSQL",
		DisplayMode: "tsql",
		Definition: `ADD EVENT sqlserver.sql_statement_starting (` + commonActions + `),
ADD EVENT sqlserver.sp_statement_starting (` + commonActions + `),
ADD EVENT sqlserver.sql_batch_starting (` + commonActions + `)`,
	},
	{
		Name:        "TSQL_Duration",
		DisplayMode: "duration",
		Definition: `ADD EVENT sqlserver.sql_batch_completed (` + commonActions + ` WHERE duration > 0),
ADD EVENT sqlserver.rpc_completed (` + commonActions + ` WHERE duration > 0)`,
	},
	{
		Name:        "Locks",
		DisplayMode: "locks",
		Definition: `ADD EVENT sqlserver.xml_deadlock_report (` + commonActions + `),
ADD EVENT sqlserver.lock_timeout_greater_than_0 (` + commonActions + `),
ADD EVENT sqlserver.lock_escalation (` + commonActions + `)`,
	},
}

// Store is the template-storage collaborator: a name-keyed set of templates.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewStore returns a store seeded with the built-in templates.
func NewStore() *Store {
	s := &Store{templates: make(map[string]Template, len(Builtins))}
	for _, t := range Builtins {
		s.templates[strings.ToLower(t.Name)] = t
	}
	return s
}

// Put adds or replaces a template. Names are case-insensitive.
func (s *Store) Put(t Template) {
	if t.DisplayMode == "" {
		t.DisplayMode = "standard"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[strings.ToLower(t.Name)] = t
}

func (s *Store) Get(name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[strings.ToLower(name)]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return t, nil
}

// List returns all templates sorted by name.
func (s *Store) List() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

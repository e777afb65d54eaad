// Package tsql builds the statements issued against the remote engine.
// Every builder takes a Scope so server-scoped and database-scoped
// (managed cloud) variants are selected at the call site.
package tsql

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Scope selects between server-scoped and database-scoped event sessions.
type Scope int

const (
	ScopeServer Scope = iota
	ScopeDatabase
)

// SessionNamePlaceholder is replaced with the session name in template
// definitions.
const SessionNamePlaceholder = "{{session_name}}"

// RingBufferTarget is the target_name reported by the session target views.
const RingBufferTarget = "ring_buffer"

// SessionNameParam is the named parameter used by RetrieveQuery.
const SessionNameParam = "session_name"

const maxSessionNameLen = 128

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_ .\-]*$`)

var retentionModes = map[string]bool{
	"ALLOW_SINGLE_EVENT_LOSS":   true,
	"ALLOW_MULTIPLE_EVENT_LOSS": true,
	"NO_EVENT_LOSS":             true,
}

// ScopeFor returns the scope used for a connection.
func ScopeFor(isManagedCloud bool) Scope {
	if isManagedCloud {
		return ScopeDatabase
	}
	return ScopeServer
}

func (s Scope) String() string {
	if s == ScopeDatabase {
		return "DATABASE"
	}
	return "SERVER"
}

func (s Scope) catalogView() string {
	if s == ScopeDatabase {
		return "sys.database_event_sessions"
	}
	return "sys.server_event_sessions"
}

// TargetOptions configures the ring buffer target and session options.
type TargetOptions struct {
	MaxMemoryKB        int
	EventRetentionMode string
	MaxDispatchLatency time.Duration
	TrackCausality     bool
}

// ValidateSessionName rejects names that cannot be safely substituted into
// a template definition.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is required")
	}
	if len(name) > maxSessionNameLen {
		return fmt.Errorf("session name exceeds %d characters", maxSessionNameLen)
	}
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("session name %q may only contain letters, digits, spaces, '_', '-' and '.'", name)
	}
	return nil
}

// QuoteIdent bracket-quotes an identifier.
func QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QuoteLiteral quotes a unicode string literal.
func QuoteLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DropIfExistsStatement drops the session only when it is defined.
func DropIfExistsStatement(scope Scope, name string) string {
	return fmt.Sprintf("IF EXISTS (SELECT 1 FROM %s WHERE name = %s) DROP EVENT SESSION %s ON %s;",
		scope.catalogView(), QuoteLiteral(name), QuoteIdent(name), scope)
}

// CreateStatements returns the drop-if-exists and create statements, in
// execution order, for a session built from a template definition.
func CreateStatements(scope Scope, name, definition string, opts TargetOptions) []string {
	body := strings.TrimSpace(strings.ReplaceAll(definition, SessionNamePlaceholder, name))
	opts = opts.withDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE EVENT SESSION %s ON %s\n", QuoteIdent(name), scope)
	b.WriteString(body)
	b.WriteString("\n")
	fmt.Fprintf(&b, "ADD TARGET package0.ring_buffer (SET max_memory = %d)\n", opts.MaxMemoryKB)
	fmt.Fprintf(&b, "WITH (MAX_MEMORY = %d KB, EVENT_RETENTION_MODE = %s, MAX_DISPATCH_LATENCY = %d SECONDS, TRACK_CAUSALITY = %s);",
		opts.MaxMemoryKB, opts.EventRetentionMode, int(opts.MaxDispatchLatency/time.Second), onOff(opts.TrackCausality))

	return []string{DropIfExistsStatement(scope, name), b.String()}
}

func StartStatement(scope Scope, name string) string {
	return fmt.Sprintf("ALTER EVENT SESSION %s ON %s STATE = START;", QuoteIdent(name), scope)
}

func StopStatement(scope Scope, name string) string {
	return fmt.Sprintf("ALTER EVENT SESSION %s ON %s STATE = STOP;", QuoteIdent(name), scope)
}

func DropStatement(scope Scope, name string) string {
	return fmt.Sprintf("DROP EVENT SESSION %s ON %s;", QuoteIdent(name), scope)
}

// RetrieveQuery returns the ring buffer document of a running session. The
// session name is bound to the SessionNameParam named parameter.
func RetrieveQuery(scope Scope) string {
	sessions, targets := "sys.dm_xe_sessions", "sys.dm_xe_session_targets"
	if scope == ScopeDatabase {
		sessions, targets = "sys.dm_xe_database_sessions", "sys.dm_xe_database_session_targets"
	}
	return fmt.Sprintf(`SELECT CAST(t.target_data AS NVARCHAR(MAX))
FROM %s AS s
JOIN %s AS t ON s.address = t.event_session_address
WHERE s.name = @%s AND t.target_name = %s;`, sessions, targets, SessionNameParam, QuoteLiteral(RingBufferTarget))
}

// CatalogQuery lists every (database_id, name) pair.
func CatalogQuery() string {
	return "SELECT database_id, name FROM sys.databases;"
}

// PingQuery is the liveness probe used after a reconnect.
func PingQuery() string {
	return "SELECT 1;"
}

func (o TargetOptions) withDefaults() TargetOptions {
	if o.MaxMemoryKB <= 0 {
		o.MaxMemoryKB = 4096
	}
	o.EventRetentionMode = strings.ToUpper(strings.TrimSpace(o.EventRetentionMode))
	if !retentionModes[o.EventRetentionMode] {
		o.EventRetentionMode = "ALLOW_SINGLE_EVENT_LOSS"
	}
	if o.MaxDispatchLatency < time.Second {
		o.MaxDispatchLatency = 3 * time.Second
	}
	return o
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

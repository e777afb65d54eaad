package xevent

import (
	"strings"
)

// Well-known field names populated by the standard templates.
const (
	FieldDatabaseID   = "database_id"
	FieldDatabaseName = "database_name"
	FieldSessionID    = "session_id"
	FieldClientApp    = "client_app_name"
)

// TextSuffix is appended to a field name to expose its textual sub-value.
const TextSuffix = "_text"

// Event is one captured event. It is not modified after construction; use
// WithValue to derive an enriched copy.
type Event struct {
	Name      string             `json:"name"`
	Timestamp string             `json:"timestamp"`
	Values    map[string]*string `json:"values"`
}

// Value returns the field value and whether it is present and non-null.
func (e Event) Value(key string) (string, bool) {
	v, ok := e.Values[key]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// Has reports whether the field exists, even if its value is null.
func (e Event) Has(key string) bool {
	_, ok := e.Values[key]
	return ok
}

// WithValue returns a copy of e with key set to value.
func (e Event) WithValue(key, value string) Event {
	c := e.Clone()
	c.Values[key] = &value
	return c
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	c := e
	c.Values = make(map[string]*string, len(e.Values))
	for k, v := range e.Values {
		if v != nil {
			s := *v
			c.Values[k] = &s
		} else {
			c.Values[k] = nil
		}
	}
	return c
}

// Filter narrows an event list for presentation. Zero value matches all.
type Filter struct {
	Events   []string
	Text     string
	Database string
}

func (f Filter) IsZero() bool {
	return len(f.Events) == 0 && f.Text == "" && f.Database == ""
}

func (f Filter) Match(e Event) bool {
	if len(f.Events) > 0 {
		found := false
		for _, name := range f.Events {
			if strings.EqualFold(name, e.Name) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Database != "" {
		db, _ := e.Value(FieldDatabaseName)
		if !strings.EqualFold(db, f.Database) {
			return false
		}
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if strings.Contains(strings.ToLower(e.Name), needle) {
			return true
		}
		for _, v := range e.Values {
			if v != nil && strings.Contains(strings.ToLower(*v), needle) {
				return true
			}
		}
		return false
	}
	return true
}

// Apply returns the matching events, preserving order.
func (f Filter) Apply(events []Event) []Event {
	if f.IsZero() {
		return events
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

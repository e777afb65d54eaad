// Package catalog resolves numeric database identifiers carried by events.
package catalog

import (
	"context"
	"strconv"
	"strings"

	"XEWatch/internal/tsql"
	"XEWatch/internal/xevent"
)

// Lister runs a two-column (id, name) catalog query.
type Lister interface {
	QueryIDNames(ctx context.Context, query string) (map[int]string, error)
}

// Table maps database ids to names. It is a snapshot taken once per session
// and never refreshed.
type Table map[int]string

// resolutions lists id fields and the name field they fill in.
var resolutions = []struct {
	idField   string
	nameField string
}{
	{xevent.FieldDatabaseID, xevent.FieldDatabaseName},
}

// Load snapshots the catalog. A failure returns an empty, usable table along
// with the error so callers can log it and carry on.
func Load(ctx context.Context, l Lister) (Table, error) {
	names, err := l.QueryIDNames(ctx, tsql.CatalogQuery())
	if err != nil {
		return Table{}, err
	}
	return Table(names), nil
}

func (t Table) Lookup(id int) (string, bool) {
	name, ok := t[id]
	return name, ok
}

// Resolve fills in name fields that are missing or empty when the matching
// id field resolves. Unresolved ids are left as they are.
func (t Table) Resolve(e xevent.Event) xevent.Event {
	for _, r := range resolutions {
		if name, ok := e.Value(r.nameField); ok && name != "" {
			continue
		}
		raw, ok := e.Value(r.idField)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if name, ok := t.Lookup(id); ok {
			e = e.WithValue(r.nameField, name)
		}
	}
	return e
}

// ResolveAll applies Resolve to every event in place.
func (t Table) ResolveAll(events []xevent.Event) {
	if len(t) == 0 {
		return
	}
	for i := range events {
		events[i] = t.Resolve(events[i])
	}
}

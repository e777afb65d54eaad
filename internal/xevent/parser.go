// Package xevent parses ring buffer target documents into events.
package xevent

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// ErrParseSkipped marks an element that was dropped because it lacked a name
// or timestamp attribute. It never aborts a parse.
var ErrParseSkipped = errors.New("parse skipped")

// Result is the outcome of a parse. Skipped holds one ErrParseSkipped-wrapped
// error per dropped element.
type Result struct {
	Events  []Event
	Skipped []error
}

type ringBuffer struct {
	Events []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	Name      string     `xml:"name,attr"`
	Timestamp string     `xml:"timestamp,attr"`
	Data      []xmlField `xml:"data"`
	Actions   []xmlField `xml:"action"`
}

type xmlField struct {
	Name  string    `xml:"name,attr"`
	Value *xmlValue `xml:"value"`
	Text  *string   `xml:"text"`
}

// xmlValue keeps both the decoded text and the raw markup of a value, since
// xml-typed fields such as a deadlock report nest elements inside it.
type xmlValue struct {
	Text     string     `xml:",chardata"`
	Inner    string     `xml:",innerxml"`
	Children []xmlChild `xml:",any"`
}

type xmlChild struct {
	XMLName xml.Name
}

// content returns the raw inner markup when the value holds elements and the
// decoded character data otherwise.
func (v *xmlValue) content() *string {
	if v == nil {
		return nil
	}
	if len(v.Children) > 0 {
		return &v.Inner
	}
	return &v.Text
}

// Parse converts a ring buffer document into events in document order.
// An empty payload yields no events and no error.
func Parse(payload string) (Result, error) {
	var res Result
	if strings.TrimSpace(payload) == "" {
		return res, nil
	}

	var doc ringBuffer
	if err := xml.Unmarshal([]byte(payload), &doc); err != nil {
		return res, fmt.Errorf("failed to parse ring buffer: %w", err)
	}

	res.Events = make([]Event, 0, len(doc.Events))
	for i, xe := range doc.Events {
		name := strings.TrimSpace(xe.Name)
		ts := strings.TrimSpace(xe.Timestamp)
		if name == "" || ts == "" {
			res.Skipped = append(res.Skipped, fmt.Errorf("%w: element %d (%q) missing %s", ErrParseSkipped, i, name, missingAttr(name, ts)))
			continue
		}

		values := make(map[string]*string, len(xe.Data)+len(xe.Actions))
		// Actions are applied after data so they win on a name clash.
		applyFields(values, xe.Data)
		applyFields(values, xe.Actions)

		res.Events = append(res.Events, Event{
			Name:      name,
			Timestamp: ts,
			Values:    values,
		})
	}
	return res, nil
}

func applyFields(values map[string]*string, fields []xmlField) {
	for _, f := range fields {
		key := strings.TrimSpace(f.Name)
		if key == "" {
			continue
		}
		values[key] = trimmed(f.Value.content())

		if f.Text == nil {
			continue
		}
		textKey := key + TextSuffix
		if _, exists := values[textKey]; !exists {
			values[textKey] = trimmed(f.Text)
		}
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

func missingAttr(name, ts string) string {
	switch {
	case name == "" && ts == "":
		return "name and timestamp"
	case name == "":
		return "name"
	default:
		return "timestamp"
	}
}

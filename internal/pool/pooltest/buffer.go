package pooltest

import (
	"fmt"
	"strings"
)

// BufferEvent is one event rendered by RingBuffer.
type BufferEvent struct {
	Name      string
	Timestamp string
	Data      map[string]string
	Actions   map[string]string
}

// RingBuffer renders a ring buffer target document holding events in order.
func RingBuffer(events ...BufferEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<RingBufferTarget truncated="0" eventCount="%d">`, len(events))
	for _, e := range events {
		name := e.Name
		if name == "" {
			name = "sql_batch_completed"
		}
		fmt.Fprintf(&b, `<event name="%s" package="sqlserver" timestamp="%s">`, name, e.Timestamp)
		for k, v := range e.Data {
			fmt.Fprintf(&b, `<data name="%s"><value>%s</value></data>`, k, v)
		}
		for k, v := range e.Actions {
			fmt.Fprintf(&b, `<action name="%s" package="sqlserver"><value>%s</value></action>`, k, v)
		}
		b.WriteString(`</event>`)
	}
	b.WriteString(`</RingBufferTarget>`)
	return b.String()
}

// Timestamps renders bare events with the given timestamps.
func Timestamps(ts ...string) string {
	events := make([]BufferEvent, len(ts))
	for i, t := range ts {
		events[i] = BufferEvent{Timestamp: t}
	}
	return RingBuffer(events...)
}

// Package transport defines the abstracted delivery contract schedulers
// call into, plus the small template expander routes use to render their
// format string against an event's data. Concrete transports (file
// appender, AMQP publisher, Redis notification store) are external
// collaborators and out of scope here.
package transport

import (
	"fmt"
	"strings"
)

// Transport is the contract every concrete delivery backend implements.
// Emit is called with the route's tag (for backend-side routing/logging)
// and the already-rendered payload.
type Transport interface {
	Emit(tag string, payload string, data map[string]interface{}) error
}

// Func adapts a plain function to the Transport interface, useful for tests
// and for simple in-process transports (e.g. the event log's own sink).
type Func func(tag string, payload string, data map[string]interface{}) error

// Emit implements Transport.Emit.
func (f Func) Emit(tag string, payload string, data map[string]interface{}) error {
	return f(tag, payload, data)
}

// ExpandTemplate renders a route's format template against data. Fields are
// referenced by name using "{field}" placeholders; an unresolvable field
// expands to an empty string rather than failing the whole render, since a
// missing enrichment field (e.g. "diff" on a non-tracker event) is expected
// rather than exceptional.
func ExpandTemplate(format string, data map[string]interface{}) string {
	var builder strings.Builder
	i := 0
	for i < len(format) {
		open := strings.IndexByte(format[i:], '{')
		if open == -1 {
			builder.WriteString(format[i:])
			break
		}
		open += i
		builder.WriteString(format[i:open])

		close := strings.IndexByte(format[open:], '}')
		if close == -1 {
			builder.WriteString(format[open:])
			break
		}
		close += open

		field := format[open+1 : close]
		if value, ok := data[field]; ok {
			fmt.Fprintf(&builder, "%v", value)
		}
		i = close + 1
	}
	return builder.String()
}

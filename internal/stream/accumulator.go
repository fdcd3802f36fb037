// Package stream turns upstream text deltas into incrementally rendered HTML
// events and persists the final text once the upstream completes.
package stream

import (
	"fmt"
	"html"
	"strings"
)

const (
	EventMessage = "message"
	// EventError is not named "error", which EventSource reserves for
	// connection failures.
	EventError = "generation-error"

	// listenerSwap removes the element holding the SSE connection, which
	// closes the stream on the client.
	listenerSwap = `<div id="sse-listener" hx-swap-oob="true"></div>`
)

type Renderer interface {
	Render(src string) (string, error)
}

// Event is one outbound server-sent event carrying an HTML fragment.
type Event struct {
	Name string
	Data string
}

// Terminal reports whether the event ends the stream on the client.
func (e Event) Terminal() bool {
	return strings.HasPrefix(e.Data, listenerSwap)
}

// Accumulator holds the running text of one generation.
type Accumulator struct {
	renderer Renderer
	text     strings.Builder
}

func NewAccumulator(r Renderer) *Accumulator {
	return &Accumulator{renderer: r}
}

// Append adds fragment verbatim and returns the rendering of the whole text.
func (a *Accumulator) Append(fragment string) (Event, error) {
	a.text.WriteString(fragment)
	out, err := a.renderer.Render(a.text.String())
	if err != nil {
		return Event{}, err
	}
	return Event{Name: EventMessage, Data: "<div>" + out + "</div>"}, nil
}

func (a *Accumulator) Text() string {
	return a.text.String()
}

// Finish renders the final text into the out-of-band swap that replaces the
// message container, then resets the accumulator.
func (a *Accumulator) Finish() (Event, error) {
	out, err := a.renderer.Render(a.text.String())
	if err != nil {
		return Event{}, err
	}
	a.text.Reset()
	return Event{
		Name: EventMessage,
		Data: fmt.Sprintf("%s\n<div hx-swap-oob=\"outerHTML:#message-container\">%s</div>", listenerSwap, out),
	}, nil
}

// Fail builds the error event shown in place of the message container.
func Fail(message string) Event {
	return Event{
		Name: EventError,
		Data: fmt.Sprintf("%s\n<div hx-swap-oob=\"outerHTML:#message-container\"><div class=\"message-error\">%s</div></div>",
			listenerSwap, html.EscapeString(message)),
	}
}

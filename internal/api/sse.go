package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"

	"gwi.com/gptchat/internal/stream"
)

// eventWriter writes stream events as text/event-stream, flushing each one.
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

// Open sends the stream headers. The server write timeout does not apply to
// the stream.
func (e *eventWriter) Open() error {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	if err := e.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	e.w.WriteHeader(http.StatusOK)
	return e.rc.Flush()
}

func (e *eventWriter) Send(ev stream.Event) error {
	if err := sse.Encode(e.w, sse.Event{Event: ev.Name, Data: ev.Data}); err != nil {
		return err
	}
	return e.rc.Flush()
}

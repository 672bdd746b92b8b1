package server

import (
	"fmt"
	"net/http"

	"github.com/tjfontaine/llm-meter-gateway/internal/translate"
)

// sseWriter sends headers lazily so a failure before the first event can
// still be answered with a plain HTTP error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (s *sseWriter) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// data writes one unnamed event, the OpenAI framing.
func (s *sseWriter) data(payload []byte) error {
	s.begin()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) done() error {
	return s.data([]byte("[DONE]"))
}

// events writes named events, the Anthropic framing.
func (s *sseWriter) events(evs []translate.Event) error {
	if len(evs) == 0 {
		return nil
	}
	s.begin()
	for _, ev := range evs {
		b, err := ev.Encode()
		if err != nil {
			return err
		}
		if _, err := s.w.Write(b); err != nil {
			return err
		}
	}
	s.flush()
	return nil
}

// named writes a pre-encoded payload as a named event.
func (s *sseWriter) named(name string, payload []byte) error {
	s.begin()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

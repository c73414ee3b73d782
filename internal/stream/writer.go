package stream

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

// Writer writes wire events as frames and flushes after each one.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	flush func() error
}

// NewWriter prepares an HTTP response for streaming. Headers are sent with the
// first frame.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	return &Writer{
		w: w,
		flush: func() error {
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
			return nil
		},
	}
}

// NewStreamWriter writes frames to any io.Writer, e.g. stdout or a buffer.
func NewStreamWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (s *Writer) Send(e Event) error {
	frame, err := e.Frame()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flush != nil {
		return s.flush()
	}
	return nil
}

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"chatd/pkg/types"
)

// ndjsonStream writes reply chunks as NDJSON. Headers are committed on the
// first chunk so errors raised before any output still get a status code.
type ndjsonStream struct {
	w       http.ResponseWriter
	enc     *json.Encoder
	flush   func()
	started bool
}

func newNDJSONStream(w http.ResponseWriter, out io.Writer) *ndjsonStream {
	s := &ndjsonStream{w: w, enc: json.NewEncoder(out), flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

func (s *ndjsonStream) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "application/x-ndjson")
	s.w.WriteHeader(http.StatusOK)
}

func (s *ndjsonStream) write(c types.StreamChunk) error {
	s.start()
	if err := s.enc.Encode(c); err != nil {
		return err
	}
	s.flush()
	return nil
}

// delta is the session's onToken callback. A write error (client gone)
// aborts generation.
func (s *ndjsonStream) delta(text string) error {
	if text == "" {
		return nil
	}
	return s.write(types.StreamChunk{Delta: text})
}

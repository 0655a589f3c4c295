package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrWriteAfterEnd is returned by writes to a response that already ended.
var ErrWriteAfterEnd = errors.New("write after end")

type responseSink struct {
	mu    sync.Mutex
	w     io.Writer
	flush func() error
	latch Latch
}

func (s *responseSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latch.Fired() {
		return 0, ErrWriteAfterEnd
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (s *responseSink) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latch.Fire(err)
}

// StreamResponse copies an upstream response body to w, flushing after every
// chunk. Headers and status must already be written.
func StreamResponse(ctx context.Context, w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	return Pump(ctx, src, &responseSink{w: w, flush: rc.Flush})
}

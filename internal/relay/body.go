package relay

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
)

// ErrRelayClosed finishes a request body relay that was closed before the
// inbound body ended.
var ErrRelayClosed = errors.New("body relay closed")

// ShouldStream reports whether the inbound request declares a body. Requests
// without one are forwarded with an empty body whatever their method.
func ShouldStream(contentLength int64, transferEncoding []string) bool {
	if contentLength > 0 {
		return true
	}
	return slices.ContainsFunc(transferEncoding, func(te string) bool {
		return strings.EqualFold(te, "chunked")
	})
}

type pipeSink struct {
	pw    *io.PipeWriter
	latch Latch
}

func (s *pipeSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// Finish ends the outbound body: EOF for nil, a read error otherwise.
func (s *pipeSink) Finish(err error) {
	if s.latch.Fire(err) {
		_ = s.pw.CloseWithError(err)
	}
}

// BodyRelay pumps an inbound request body into a pipe read by the upstream
// transport.
type BodyRelay struct {
	pr      *io.PipeReader
	sink    *pipeSink
	done    chan struct{}
	unblock func()
}

// NewBodyRelay starts relaying src. unblock is called by Close when the pump
// is still waiting on src; it must make a pending src.Read return. It may be
// nil.
func NewBodyRelay(ctx context.Context, src io.Reader, unblock func()) *BodyRelay {
	pr, pw := io.Pipe()
	b := &BodyRelay{
		pr:      pr,
		sink:    &pipeSink{pw: pw},
		done:    make(chan struct{}),
		unblock: unblock,
	}
	go func() {
		defer close(b.done)
		_ = Pump(ctx, src, b.sink)
	}()
	return b
}

// Body is the outbound request body.
func (b *BodyRelay) Body() io.ReadCloser {
	return b.pr
}

// Finished is closed once the outbound body has been finalized.
func (b *BodyRelay) Finished() <-chan struct{} {
	return b.sink.latch.Done()
}

// Err returns the error the outbound body was finalized with.
func (b *BodyRelay) Err() error {
	return b.sink.latch.Err()
}

// Close stops the relay and waits for the pump goroutine to exit. After Close
// returns src is no longer read.
func (b *BodyRelay) Close() error {
	b.sink.Finish(ErrRelayClosed)
	_ = b.pr.Close()
	select {
	case <-b.done:
		return nil
	default:
	}
	if b.unblock != nil {
		b.unblock()
	}
	<-b.done
	return nil
}

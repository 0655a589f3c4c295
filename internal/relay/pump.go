package relay

import (
	"context"
	"errors"
	"io"
)

const chunkSize = 32 * 1024

// Sink receives relayed chunks. Finish is called exactly once per Pump, with
// nil on a clean end of input or the error that stopped the relay.
type Sink interface {
	io.Writer
	Finish(err error)
}

// Pump copies src into sink chunk by chunk, writing each chunk as soon as it
// is read. It returns the error passed to Finish.
func Pump(ctx context.Context, src io.Reader, sink Sink) error {
	err := pump(ctx, src, sink)
	sink.Finish(err)
	return err
}

func pump(ctx context.Context, src io.Reader, sink Sink) error {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

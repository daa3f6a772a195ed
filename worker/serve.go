package worker

import (
	"context"
	"io"

	"github.com/caffeineduck/pynode/protocol"
)

// Serve runs a Runtime over a newline-delimited message stream: controller
// messages are read from in and emitted messages are written to out. It
// returns when in reaches EOF or ctx is done, after the Runtime has been
// terminated and eval closed.
func Serve(ctx context.Context, eval Evaluator, in io.Reader, out io.Writer, opts ...Option) error {
	enc := protocol.NewEncoder(out)

	var rt *Runtime
	rt = New(eval, func(m protocol.Message) {
		if err := enc.Encode(m); err != nil {
			rt.logger.Error("write message", "type", m.Type, "error", err)
		}
	}, opts...)

	errc := make(chan error, 1)
	go func() {
		dec := protocol.NewDecoder(in)
		for {
			msg, err := dec.Next()
			if err == io.EOF {
				errc <- nil
				return
			}
			if protocol.IsProtocolError(err) {
				rt.logger.Warn("dropping message", "error", err)
				continue
			}
			if err != nil {
				errc <- err
				return
			}
			if err := rt.Post(msg); err != nil {
				errc <- nil
				return
			}
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	rt.Terminate()
	<-rt.Done()
	return err
}

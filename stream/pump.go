package stream

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/toolbridge/proxy/messages"
)

// Pump drains the backend body through the processor until end of stream.
// A downstream write failure (client disconnect) closes the processor and
// discards the rest of the backend input; the caller's context cancel then
// stops the upstream read within one chunk boundary.
func Pump(ctx context.Context, body io.Reader, backendFormat messages.Provider, proc *Processor) error {
	var err error
	switch backendFormat {
	case messages.ProviderOpenAI:
		err = ReadSSE(body, proc)
	case messages.ProviderOllama:
		err = ReadNDJSON(body, proc)
	default:
		return errors.New("unknown backend stream format")
	}
	if err != nil {
		proc.Close()
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			zap.S().Debugw("stream_client_disconnected")
			return nil
		}
		return err
	}
	return proc.Finalize()
}

package stream

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// Translator turns upstream SSE data payloads into canonical events. One
// translator serves one stream; it owns the assembler state and is called
// with payloads in arrival order.
type Translator interface {
	// Translate converts one data payload. A payload that fails to parse
	// returns (nil, nil) after the translator logs it; mid-stream parse
	// failures never abort the stream.
	Translate(payload string) ([]types.StreamEvent, error)

	// Done flushes trailing state after the upstream terminal condition
	// (outstanding tool calls, buffered usage, the final complete event).
	Done() []types.StreamEvent
}

// Encoder renders canonical events as data payloads in the caller's
// dialect. An event with no representation in that dialect encodes to zero
// payloads. Finish emits any deferred closing frames once the stream ends;
// dialects whose closing frames depend on trailing events (usage arrives
// after complete) buffer them and flush here.
type Encoder interface {
	Encode(ev types.StreamEvent) ([][]byte, error)
	Finish() ([][]byte, error)
}

// Sink receives the final usage counters of a completed stream, after the
// downstream connection is served. Used for usage accounting.
type Sink func(usage *types.Usage)

// Pipeline copies one upstream SSE stream to one downstream connection,
// translating through the canonical event schema.
type Pipeline struct {
	translator Translator
	encoder    Encoder
	logger     *zap.Logger

	usage *types.Usage
}

// NewPipeline builds a pipeline for a single streaming request.
func NewPipeline(t Translator, e Encoder, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{translator: t, encoder: e, logger: logger}
}

// Usage returns the final usage counters observed on the stream, or nil if
// none arrived.
func (p *Pipeline) Usage() *types.Usage { return p.usage }

// Run consumes the upstream body until its terminal condition, ctx
// cancellation, or a downstream write failure, writing re-encoded events to
// w. Each event is framed as "data: <payload>\n\n" and flushed.
func (p *Pipeline) Run(ctx context.Context, upstream io.Reader, w io.Writer) error {
	framer := &Framer{}
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := upstream.Read(buf)
		if n > 0 {
			for _, frame := range framer.Push(buf[:n]) {
				for _, payload := range DataPayloads(frame) {
					if IsDone(payload) {
						return p.finish(w)
					}
					if err := p.emit(w, payload); err != nil {
						return err
					}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return p.finish(w)
			}
			return readErr
		}
	}
}

// emit translates one payload and writes the produced events downstream.
func (p *Pipeline) emit(w io.Writer, payload string) error {
	events, err := p.translator.Translate(payload)
	if err != nil {
		// Skip the frame, keep the stream alive.
		p.logger.Warn("unparseable stream frame skipped", zap.Error(err))
		return nil
	}
	return p.write(w, events)
}

// finish flushes the translator's trailing state, then the encoder's
// deferred closing frames.
func (p *Pipeline) finish(w io.Writer) error {
	if err := p.write(w, p.translator.Done()); err != nil {
		return err
	}
	payloads, err := p.encoder.Finish()
	if err != nil {
		p.logger.Warn("encoder finish failed", zap.Error(err))
		return nil
	}
	return p.writePayloads(w, payloads)
}

func (p *Pipeline) write(w io.Writer, events []types.StreamEvent) error {
	for _, ev := range events {
		if ev.Type == types.EventUsage && ev.Usage != nil {
			p.usage = ev.Usage
		}
		payloads, err := p.encoder.Encode(ev)
		if err != nil {
			p.logger.Warn("event encoding failed, event dropped", zap.Error(err))
			continue
		}
		if err := p.writePayloads(w, payloads); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) writePayloads(w io.Writer, payloads [][]byte) error {
	for _, payload := range payloads {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return nil
}

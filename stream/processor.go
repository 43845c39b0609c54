// Package stream implements the per-request streaming state machines that
// sit between a backend's framing and a client's framing, detecting XML
// tool calls in the content stream and re-emitting them as the client's
// native tool-call structure.
package stream

import (
	"go.uber.org/zap"

	"github.com/toolbridge/proxy/convert"
	"github.com/toolbridge/proxy/messages"
	"github.com/toolbridge/proxy/xmltool"
)

// State is the processor's position in the tool-call detection machine.
type State int

const (
	StatePassthrough State = iota
	StateBuffering
	StateToolCallEmitted
	StateClosed
)

// Emitter writes client-framed output. Implementations exist for OpenAI
// SSE and Ollama NDJSON; both are single-goroutine and not safe for
// concurrent use, matching the one-task-per-request model.
type Emitter interface {
	// Content writes one plain content delta.
	Content(text string) error
	// SyntheticToolCall writes the client's full tool-call sequence for a
	// call recovered from XML.
	SyntheticToolCall(name, argsJSON string) error
	// NativeToolCallDelta forwards an incremental native tool-call delta.
	NativeToolCallDelta(calls []messages.ToolCall) error
	// Finish writes the terminal finish marker, with any accumulated
	// native calls for framings that need them complete.
	Finish(reason messages.FinishReason, calls []messages.ToolCall) error
	// Usage reports token accounting from the backend's final chunk.
	Usage(u *messages.Usage) error
	// Done writes the client's end-of-stream framing exactly once.
	Done() error
	// Error writes an in-stream error record after headers are out.
	Error(msg string) error
}

// Processor consumes neutral stream chunks and drives an Emitter. One
// instance per streaming request; not shared.
type Processor struct {
	state   State
	emitter Emitter
	partial *xmltool.Partial

	tools     []messages.Tool
	toolNames []string

	toolCallSent bool
	finishSeen   bool

	// Native tool calls accumulate index-based the way OpenAI streams
	// them, so framings that need complete arguments get them at finish.
	nativeCalls    []messages.ToolCall
	sawNativeCalls bool
}

// NewProcessor builds the state machine for one stream. maxBuffer caps the
// tool-call detection buffer; htmlTags extends the detector's non-tool
// prefix list.
func NewProcessor(em Emitter, tools []messages.Tool, htmlTags []string, maxBuffer int) *Processor {
	return &Processor{
		emitter:   em,
		tools:     tools,
		toolNames: messages.ToolNames(tools),
		partial:   xmltool.NewPartial(messages.ToolNames(tools), htmlTags, maxBuffer),
	}
}

// ToolCallSent reports whether a synthesized tool-call sequence went out.
func (p *Processor) ToolCallSent() bool { return p.toolCallSent }

// Close marks the processor dead after a downstream write failure; all
// further input is discarded.
func (p *Processor) Close() { p.state = StateClosed }

// OnChunk feeds one backend chunk through the state machine.
func (p *Processor) OnChunk(ch *messages.GenericStreamChunk) error {
	if p.state == StateClosed {
		return nil
	}
	if len(ch.Choices) > 0 {
		c := ch.Choices[0]
		if len(c.Delta.ToolCalls) > 0 {
			if err := p.onNativeToolCalls(c.Delta.ToolCalls); err != nil {
				return err
			}
		}
		if c.Delta.Content != "" {
			if err := p.onContent(c.Delta.Content); err != nil {
				return err
			}
		}
		if c.FinishReason != messages.FinishReasonNone {
			if err := p.onFinish(c.FinishReason); err != nil {
				return err
			}
		}
	}
	if ch.Usage != nil {
		if err := p.emitter.Usage(ch.Usage); err != nil {
			return err
		}
	}
	return nil
}

// onContent runs tool-call detection over the content stream.
func (p *Processor) onContent(text string) error {
	if p.state == StateToolCallEmitted {
		// Post-tool prose from the model is discarded. This applies only
		// to XML-synthesized calls; native tool-call streams are never
		// suppressed.
		return nil
	}
	if len(p.toolNames) == 0 {
		return p.emitter.Content(text)
	}

	d, overflow := p.partial.Append(text)
	if overflow != "" {
		if err := p.emitter.Content(overflow); err != nil {
			return err
		}
	}

	if d.IsCompleteXML {
		if call, prefix, ok := p.partial.Extract(); ok {
			return p.emitSynthetic(call, prefix)
		}
	}
	if !d.MightBeToolCall {
		p.state = StatePassthrough
		if buf := p.partial.Drain(); buf != "" {
			return p.emitter.Content(buf)
		}
		return nil
	}
	p.state = StateBuffering
	return nil
}

func (p *Processor) emitSynthetic(call *xmltool.ToolCall, prefix string) error {
	if prefix != "" {
		if err := p.emitter.Content(prefix); err != nil {
			return err
		}
	}
	convert.ValidateToolArguments(call, p.tools)
	if err := p.emitter.SyntheticToolCall(call.Name, argumentsJSON(call)); err != nil {
		return err
	}
	p.toolCallSent = true
	p.state = StateToolCallEmitted
	zap.S().Debugw("stream_tool_call_emitted", "tool", call.Name)
	return nil
}

func (p *Processor) onNativeToolCalls(calls []messages.ToolCall) error {
	p.sawNativeCalls = true
	for _, tc := range calls {
		for len(p.nativeCalls) <= tc.Index {
			p.nativeCalls = append(p.nativeCalls, messages.ToolCall{Index: len(p.nativeCalls)})
		}
		acc := &p.nativeCalls[tc.Index]
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		if tc.Name != "" {
			acc.Name = tc.Name
		}
		acc.Arguments += tc.Arguments
	}
	return p.emitter.NativeToolCallDelta(calls)
}

func (p *Processor) onFinish(reason messages.FinishReason) error {
	if p.toolCallSent {
		// The synthesized sequence already carried finish_reason
		// "tool_calls"; the backend's own terminator is dropped.
		return nil
	}
	// A finish chunk can arrive while the buffer still holds a potential
	// tool-call fragment; resolve it first so nothing trails the finish
	// marker.
	if err := p.flushResidual(); err != nil {
		return err
	}
	if p.toolCallSent {
		return nil
	}
	p.finishSeen = true
	return p.emitter.Finish(reason, p.nativeCalls)
}

// flushResidual runs one extraction attempt over whatever the detection
// buffer still holds and flushes the remainder as content.
func (p *Processor) flushResidual() error {
	if p.partial.Buffer == "" {
		return nil
	}
	if call, prefix, ok := p.partial.Extract(); ok {
		if err := p.emitSynthetic(call, prefix); err != nil {
			return err
		}
		p.partial.Reset()
		return nil
	}
	if buf := p.partial.Drain(); buf != "" {
		return p.emitter.Content(buf)
	}
	return nil
}

// Finalize runs the end-of-stream pass: one last extraction attempt over
// the remaining buffer, then terminal framing.
func (p *Processor) Finalize() error {
	if p.state == StateClosed {
		return nil
	}
	if p.toolCallSent {
		// Invariant: at most one tool-call sequence per stream, zero
		// residual content after it.
		p.partial.Reset()
	} else if err := p.flushResidual(); err != nil {
		return err
	}
	if !p.finishSeen && !p.toolCallSent {
		if err := p.emitter.Finish(messages.FinishReasonStop, p.nativeCalls); err != nil {
			return err
		}
	}
	return p.emitter.Done()
}

// argumentsJSON renders extracted arguments the way OpenAI clients expect
// function.arguments: a JSON object string.
func argumentsJSON(call *xmltool.ToolCall) string {
	if call.Arguments == nil {
		if call.Raw != "" {
			return jsonString(map[string]any{"input": call.Raw})
		}
		return "{}"
	}
	return jsonString(call.Arguments)
}

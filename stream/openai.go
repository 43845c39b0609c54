package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	ai "github.com/sashabaranov/go-openai"

	"github.com/toolbridge/proxy/convert"
	"github.com/toolbridge/proxy/messages"
)

// sseDone is the OpenAI stream terminator sentinel.
const sseDone = "[DONE]"

// maxLineSize bounds a single backend frame. Model output lines can be
// large but not unbounded.
const maxLineSize = 1 << 20

// SSEEmitter writes OpenAI chat.completion.chunk events to the client.
type SSEEmitter struct {
	w            io.Writer
	flusher      http.Flusher
	id           string
	created      int64
	model        string
	includeUsage bool
	roleSent     bool
	doneSent     bool
}

// NewSSEEmitter builds the client-side SSE writer. includeUsage mirrors the
// client's stream_options.include_usage; without it no usage chunk is
// emitted.
func NewSSEEmitter(w io.Writer, model string, created int64, includeUsage bool) *SSEEmitter {
	e := &SSEEmitter{
		w:            w,
		id:           convert.NewCompletionID(),
		created:      created,
		model:        model,
		includeUsage: includeUsage,
	}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

func (e *SSEEmitter) writeEvent(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *SSEEmitter) chunk() *ai.ChatCompletionStreamResponse {
	return &ai.ChatCompletionStreamResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
	}
}

// Content writes one content delta, announcing the assistant role on the
// first chunk the way upstream providers do.
func (e *SSEEmitter) Content(text string) error {
	ch := e.chunk()
	delta := ai.ChatCompletionStreamChoiceDelta{Content: text}
	if !e.roleSent {
		delta.Role = messages.MessageRoleAssistant
		e.roleSent = true
	}
	ch.Choices = []ai.ChatCompletionStreamChoice{{Delta: delta, FinishReason: ai.FinishReasonNull}}
	return e.writeEvent(ch)
}

// SyntheticToolCall writes the three-part sequence: a role chunk naming the
// function, argument deltas, then finish_reason "tool_calls".
func (e *SSEEmitter) SyntheticToolCall(name, argsJSON string) error {
	callID := convert.NewToolCallID()
	idx := 0

	head := e.chunk()
	head.Choices = []ai.ChatCompletionStreamChoice{{
		Delta: ai.ChatCompletionStreamChoiceDelta{
			Role: messages.MessageRoleAssistant,
			ToolCalls: []ai.ToolCall{{
				Index:    &idx,
				ID:       callID,
				Type:     ai.ToolTypeFunction,
				Function: ai.FunctionCall{Name: name},
			}},
		},
		FinishReason: ai.FinishReasonNull,
	}}
	e.roleSent = true
	if err := e.writeEvent(head); err != nil {
		return err
	}

	args := e.chunk()
	args.Choices = []ai.ChatCompletionStreamChoice{{
		Delta: ai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []ai.ToolCall{{
				Index:    &idx,
				Type:     ai.ToolTypeFunction,
				Function: ai.FunctionCall{Arguments: argsJSON},
			}},
		},
		FinishReason: ai.FinishReasonNull,
	}}
	if err := e.writeEvent(args); err != nil {
		return err
	}

	fin := e.chunk()
	fin.Choices = []ai.ChatCompletionStreamChoice{{
		Delta:        ai.ChatCompletionStreamChoiceDelta{},
		FinishReason: ai.FinishReasonToolCalls,
	}}
	return e.writeEvent(fin)
}

// NativeToolCallDelta forwards a backend's native tool-call delta as-is;
// OpenAI clients handle incremental accumulation themselves.
func (e *SSEEmitter) NativeToolCallDelta(calls []messages.ToolCall) error {
	ch := e.chunk()
	delta := ai.ChatCompletionStreamChoiceDelta{}
	if !e.roleSent {
		delta.Role = messages.MessageRoleAssistant
		e.roleSent = true
	}
	for _, tc := range calls {
		idx := tc.Index
		out := ai.ToolCall{Index: &idx, ID: tc.ID, Function: ai.FunctionCall{
			Name:      tc.Name,
			Arguments: tc.Arguments,
		}}
		if tc.ID != "" {
			out.Type = ai.ToolTypeFunction
		}
		delta.ToolCalls = append(delta.ToolCalls, out)
	}
	ch.Choices = []ai.ChatCompletionStreamChoice{{Delta: delta, FinishReason: ai.FinishReasonNull}}
	return e.writeEvent(ch)
}

// Finish writes the terminal chunk with the backend's finish reason.
func (e *SSEEmitter) Finish(reason messages.FinishReason, _ []messages.ToolCall) error {
	ch := e.chunk()
	fin := ai.FinishReasonStop
	switch reason {
	case messages.FinishReasonLength:
		fin = ai.FinishReasonLength
	case messages.FinishReasonToolCalls:
		fin = ai.FinishReasonToolCalls
	case messages.FinishReasonContentFilter:
		fin = ai.FinishReasonContentFilter
	}
	ch.Choices = []ai.ChatCompletionStreamChoice{{
		Delta:        ai.ChatCompletionStreamChoiceDelta{},
		FinishReason: fin,
	}}
	return e.writeEvent(ch)
}

// Usage writes the usage-bearing chunk, only when the client asked for it.
func (e *SSEEmitter) Usage(u *messages.Usage) error {
	if !e.includeUsage || u == nil {
		return nil
	}
	ch := e.chunk()
	ch.Choices = []ai.ChatCompletionStreamChoice{}
	ch.Usage = &ai.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	return e.writeEvent(ch)
}

// Done writes the [DONE] sentinel exactly once.
func (e *SSEEmitter) Done() error {
	if e.doneSent {
		return nil
	}
	e.doneSent = true
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", sseDone); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Error writes a final SSE error record; the stream closes after it.
func (e *SSEEmitter) Error(msg string) error {
	return e.writeEvent(map[string]any{"error": map[string]any{"message": msg}})
}

// ReadSSE consumes an OpenAI-framed backend stream, feeding each chunk to
// the processor until [DONE], EOF, or a processor error.
func ReadSSE(r io.Reader, proc *Processor) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == sseDone {
			return nil
		}
		var chunk ai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed frames are skipped, not fatal; aggregators emit
			// keepalives and comments on the data channel.
			continue
		}
		if err := proc.OnChunk(convert.OpenAIChunkToGeneric(&chunk)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	ollamaapi "github.com/ollama/ollama/api"

	"github.com/toolbridge/proxy/convert"
	"github.com/toolbridge/proxy/messages"
)

// NDJSONEmitter writes Ollama-native stream records, one JSON object per
// line. generateShape selects the /api/generate record layout instead of
// the chat one.
type NDJSONEmitter struct {
	w             io.Writer
	flusher       http.Flusher
	model         string
	generateShape bool

	doneSent     bool
	finishReason messages.FinishReason
	usage        *messages.Usage
}

// NewNDJSONEmitter builds the client-side NDJSON writer.
func NewNDJSONEmitter(w io.Writer, model string, generateShape bool) *NDJSONEmitter {
	e := &NDJSONEmitter{w: w, model: model, generateShape: generateShape}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

func (e *NDJSONEmitter) writeRecord(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *NDJSONEmitter) chatRecord(content string, done bool) *ollamaapi.ChatResponse {
	resp := &ollamaapi.ChatResponse{
		Model:     e.model,
		CreatedAt: time.Now().UTC(),
		Done:      done,
	}
	resp.Message.Role = messages.MessageRoleAssistant
	resp.Message.Content = content
	return resp
}

// Content writes one streaming record carrying a content delta.
func (e *NDJSONEmitter) Content(text string) error {
	if e.generateShape {
		return e.writeRecord(&ollamaapi.GenerateResponse{
			Model:     e.model,
			CreatedAt: time.Now().UTC(),
			Response:  text,
		})
	}
	return e.writeRecord(e.chatRecord(text, false))
}

// SyntheticToolCall writes one terminal record whose message.tool_calls
// carries the parsed call with structured arguments.
func (e *NDJSONEmitter) SyntheticToolCall(name, argsJSON string) error {
	rec := e.chatRecord("", true)
	rec.DoneReason = "tool_calls"
	rec.Message.ToolCalls = []ollamaapi.ToolCall{{
		Function: ollamaapi.ToolCallFunction{Name: name, Arguments: convert.ToolCallArguments(argsJSON)},
	}}
	if e.usage != nil {
		rec.PromptEvalCount = e.usage.PromptTokens
		rec.EvalCount = e.usage.CompletionTokens
	}
	e.doneSent = true
	return e.writeRecord(rec)
}

// NativeToolCallDelta holds native calls back; Ollama clients expect
// complete argument objects, delivered with the final record.
func (e *NDJSONEmitter) NativeToolCallDelta([]messages.ToolCall) error {
	return nil
}

// Finish records the terminal state; the final record goes out in Done so
// usage accounting that trails the finish chunk is not lost.
func (e *NDJSONEmitter) Finish(reason messages.FinishReason, calls []messages.ToolCall) error {
	e.finishReason = reason
	if e.doneSent {
		return nil
	}
	if reason == messages.FinishReasonToolCalls && len(calls) > 0 && !e.generateShape {
		rec := e.chatRecord("", true)
		rec.DoneReason = "tool_calls"
		for _, tc := range calls {
			rec.Message.ToolCalls = append(rec.Message.ToolCalls, ollamaapi.ToolCall{
				Function: ollamaapi.ToolCallFunction{Name: tc.Name, Arguments: convert.ToolCallArguments(tc.Arguments)},
			})
		}
		if e.usage != nil {
			rec.PromptEvalCount = e.usage.PromptTokens
			rec.EvalCount = e.usage.CompletionTokens
		}
		e.doneSent = true
		return e.writeRecord(rec)
	}
	return nil
}

// Usage stores token accounting for the final record.
func (e *NDJSONEmitter) Usage(u *messages.Usage) error {
	e.usage = u
	return nil
}

// Done writes the terminal done=true record exactly once.
func (e *NDJSONEmitter) Done() error {
	if e.doneSent {
		return nil
	}
	e.doneSent = true
	reason := "stop"
	switch e.finishReason {
	case messages.FinishReasonLength:
		reason = "length"
	case messages.FinishReasonToolCalls:
		reason = "tool_calls"
	}
	if e.generateShape {
		rec := &ollamaapi.GenerateResponse{
			Model:      e.model,
			CreatedAt:  time.Now().UTC(),
			Done:       true,
			DoneReason: reason,
		}
		if e.usage != nil {
			rec.PromptEvalCount = e.usage.PromptTokens
			rec.EvalCount = e.usage.CompletionTokens
		}
		return e.writeRecord(rec)
	}
	rec := e.chatRecord("", true)
	rec.DoneReason = reason
	if e.usage != nil {
		rec.PromptEvalCount = e.usage.PromptTokens
		rec.EvalCount = e.usage.CompletionTokens
	}
	return e.writeRecord(rec)
}

// Error writes an error record; NDJSON has no dedicated frame for this, so
// a bare error object matches what Ollama itself emits on failure.
func (e *NDJSONEmitter) Error(msg string) error {
	return e.writeRecord(map[string]string{"error": msg})
}

// ReadNDJSON consumes an Ollama-framed backend stream line by line until
// the done record, EOF, or a processor error. Both chat and generate
// record shapes are accepted.
func ReadNDJSON(r io.Reader, proc *Processor) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp ollamaapi.ChatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Message.Content == "" && len(resp.Message.ToolCalls) == 0 {
			// Generate-route frames carry content in "response".
			var gen ollamaapi.GenerateResponse
			if err := json.Unmarshal(line, &gen); err == nil && (gen.Response != "" || gen.Done) {
				resp.Model = gen.Model
				resp.CreatedAt = gen.CreatedAt
				resp.Done = gen.Done
				resp.DoneReason = gen.DoneReason
				resp.Metrics = gen.Metrics
				resp.Message.Role = messages.MessageRoleAssistant
				resp.Message.Content = gen.Response
			}
		}
		if err := proc.OnChunk(convert.OllamaChunkToGeneric(&resp)); err != nil {
			return err
		}
		if resp.Done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("backend stream read: %w", err)
	}
	return nil
}

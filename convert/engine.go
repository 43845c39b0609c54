package convert

import (
	"encoding/json"
	"fmt"

	ollamaapi "github.com/ollama/ollama/api"
	ai "github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/toolbridge/proxy/instruct"
	"github.com/toolbridge/proxy/messages"
	"github.com/toolbridge/proxy/xmltool"
)

// Engine orchestrates converter lookup, capability filtering and tool
// instruction injection for one proxy instance. Read-only after
// construction.
type Engine struct {
	// PassTools keeps native tools fields in backend payloads alongside
	// the injected XML instructions.
	PassTools bool
	// Reinjection controls the protocol-reminder policy.
	Reinjection instruct.Config
}

// ParseRequest decodes a client body in the given format into the neutral
// representation. path disambiguates Ollama's chat and generate routes.
func (e *Engine) ParseRequest(body []byte, from messages.Provider, path string) (*messages.GenericRequest, error) {
	switch from {
	case messages.ProviderOpenAI:
		req, err := ParseOpenAIRequest(body)
		if err != nil {
			return nil, fmt.Errorf("invalid chat completions request: %w", err)
		}
		return OpenAIRequestToGeneric(req), nil
	case messages.ProviderOllama:
		if path == "/api/generate" {
			req, err := ParseOllamaGenerateRequest(body)
			if err != nil {
				return nil, fmt.Errorf("invalid generate request: %w", err)
			}
			return OllamaGenerateRequestToGeneric(req), nil
		}
		req, err := ParseOllamaChatRequest(body)
		if err != nil {
			return nil, fmt.Errorf("invalid chat request: %w", err)
		}
		return OllamaChatRequestToGeneric(req), nil
	}
	return nil, fmt.Errorf("unknown client format %q", from)
}

// TranslateRequest produces the backend payload for the neutral request:
// capability filter, then (for Ollama targets) XML tool-instruction
// injection, then the target converter.
func (e *Engine) TranslateRequest(g *messages.GenericRequest, target messages.Provider) ([]byte, error) {
	FilterForTarget(g, target)

	switch target {
	case messages.ProviderOpenAI:
		return json.Marshal(OpenAIRequestFromGeneric(g))
	case messages.ProviderOllama:
		if len(g.Tools) > 0 {
			g.Messages = instruct.Inject(g.Messages, g.Tools)
			g.Messages = instruct.Reinject(g.Messages, g.Tools, e.Reinjection)
		}
		req := OllamaChatRequestFromGeneric(g)
		if !e.PassTools {
			// The XML protocol replaces native tool declarations.
			req.Tools = nil
		}
		return json.Marshal(req)
	}
	return nil, fmt.Errorf("unknown backend format %q", target)
}

// TranslateResponse converts a backend's batched response body into the
// client's format. When toolNames is non-empty and the backend answered
// with plain text, the content is scanned for an XML tool call and, if one
// parses, re-emitted as the client's native tool-call structure.
func (e *Engine) TranslateResponse(body []byte, from, to messages.Provider, tools []messages.Tool, generateShape bool) ([]byte, error) {
	g, err := e.parseResponse(body, from)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		extractToolCalls(g, tools)
	}
	switch to {
	case messages.ProviderOpenAI:
		return json.Marshal(OpenAIResponseFromGeneric(g))
	case messages.ProviderOllama:
		if generateShape {
			return json.Marshal(OllamaGenerateResponseFromGeneric(g))
		}
		return json.Marshal(OllamaChatResponseFromGeneric(g))
	}
	return nil, fmt.Errorf("unknown client format %q", to)
}

func (e *Engine) parseResponse(body []byte, from messages.Provider) (*messages.GenericResponse, error) {
	switch from {
	case messages.ProviderOpenAI:
		var resp ai.ChatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("invalid backend response: %w", err)
		}
		return OpenAIResponseToGeneric(&resp), nil
	case messages.ProviderOllama:
		resp, err := parseOllamaChatResponse(body)
		if err != nil {
			return nil, fmt.Errorf("invalid backend response: %w", err)
		}
		return OllamaChatResponseToGeneric(resp), nil
	}
	return nil, fmt.Errorf("unknown backend format %q", from)
}

// extractToolCalls rewrites choices whose text content parses as an XML
// tool call. Native tool_calls already present win; the XML path is the
// fallback for backends without tool support.
func extractToolCalls(g *messages.GenericResponse, tools []messages.Tool) {
	names := messages.ToolNames(tools)
	for i := range g.Choices {
		c := &g.Choices[i]
		if len(c.Message.ToolCalls) > 0 || c.Message.Content == "" {
			continue
		}
		call, ok := xmltool.ExtractToolCall(c.Message.Content, names)
		if !ok {
			continue
		}
		ValidateToolArguments(call, tools)
		c.Message.Content = ""
		c.Message.ToolCalls = []messages.ToolCall{{
			ID:        NewToolCallID(),
			Name:      call.Name,
			Arguments: extractedArgumentsJSON(call),
		}}
		c.FinishReason = messages.FinishReasonToolCalls
		zap.S().Debugw("xml_tool_call_extracted", "tool", call.Name)
	}
}

// extractedArgumentsJSON renders a parsed call's arguments as the JSON
// string OpenAI clients expect.
func extractedArgumentsJSON(call *xmltool.ToolCall) string {
	if call.Arguments == nil {
		if call.Raw != "" {
			b, err := json.Marshal(map[string]any{"input": call.Raw})
			if err == nil {
				return string(b)
			}
		}
		return "{}"
	}
	b, err := json.Marshal(call.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ValidateToolArguments checks extracted arguments against the declared
// parameter schema. Mismatches are logged and tolerated: the client decides
// what to do with a malformed call.
func ValidateToolArguments(call *xmltool.ToolCall, tools []messages.Tool) {
	if call.Arguments == nil {
		return
	}
	for _, t := range tools {
		if t.Name != call.Name || len(t.Parameters) == 0 {
			continue
		}
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(t.Parameters),
			gojsonschema.NewGoLoader(call.Arguments),
		)
		if err != nil {
			zap.S().Debugw("tool_argument_validation_skipped", "tool", call.Name, "error", err)
			return
		}
		if !result.Valid() {
			errs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				errs = append(errs, e.String())
			}
			zap.S().Warnw("tool_arguments_violate_schema", "tool", call.Name, "violations", errs)
		}
		return
	}
}

// parseOllamaChatResponse tolerates both chat and generate response shapes;
// a generate body is folded into the chat shape.
func parseOllamaChatResponse(body []byte) (*ollamaapi.ChatResponse, error) {
	var resp ollamaapi.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Message.Content == "" && len(resp.Message.ToolCalls) == 0 {
		var gen ollamaapi.GenerateResponse
		if err := json.Unmarshal(body, &gen); err == nil && gen.Response != "" {
			resp.Model = gen.Model
			resp.CreatedAt = gen.CreatedAt
			resp.Done = gen.Done
			resp.DoneReason = gen.DoneReason
			resp.Metrics = gen.Metrics
			resp.Message.Role = messages.MessageRoleAssistant
			resp.Message.Content = gen.Response
		}
	}
	return &resp, nil
}

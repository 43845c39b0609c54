package convert

import (
	"encoding/json"
	"sort"
	"time"

	ollamaapi "github.com/ollama/ollama/api"

	"github.com/toolbridge/proxy/messages"
)

// extGenerate marks a request that arrived on the /api/generate route, so
// responses can be shaped for generate clients.
const extGenerate = "ollama_generate"

// ParseOllamaChatRequest decodes a client body in the native chat shape.
func ParseOllamaChatRequest(body []byte) (*ollamaapi.ChatRequest, error) {
	var req ollamaapi.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseOllamaGenerateRequest decodes a client body in the generate shape.
func ParseOllamaGenerateRequest(body []byte) (*ollamaapi.GenerateRequest, error) {
	var req ollamaapi.GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// OllamaChatRequestToGeneric lifts a native chat request into the neutral
// representation.
func OllamaChatRequestToGeneric(req *ollamaapi.ChatRequest) *messages.GenericRequest {
	g := &messages.GenericRequest{
		Provider: messages.ProviderOllama,
		Model:    req.Model,
		Messages: ollamaMessagesToGeneric(req.Messages),
		// Ollama streams unless the client said otherwise.
		Stream: req.Stream == nil || *req.Stream,
	}
	readOllamaOptions(g, req.Options)
	if len(req.Format) > 0 {
		var fmtStr string
		if err := json.Unmarshal(req.Format, &fmtStr); err == nil && fmtStr == "json" {
			g.ResponseFormat = messages.ResponseFormatJSONObject
		} else {
			var schema map[string]any
			if err := json.Unmarshal(req.Format, &schema); err == nil && len(schema) > 0 {
				g.ResponseFormat = messages.ResponseFormatJSONSchema
				g.JSONSchema = schema
			}
		}
	}
	for _, t := range req.Tools {
		params := toParameterMap(t.Function.Parameters)
		g.Tools = append(g.Tools, messages.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	return g
}

// OllamaGenerateRequestToGeneric lifts a generate-route request. The bare
// prompt becomes a one-message chat; a system field becomes a leading
// system message.
func OllamaGenerateRequestToGeneric(req *ollamaapi.GenerateRequest) *messages.GenericRequest {
	g := &messages.GenericRequest{
		Provider:   messages.ProviderOllama,
		Model:      req.Model,
		Stream:     req.Stream == nil || *req.Stream,
		Extensions: map[string]any{extGenerate: true},
	}
	if req.System != "" {
		g.Messages = append(g.Messages, messages.Message{
			Role:    messages.MessageRoleSystem,
			Content: req.System,
		})
	}
	if req.Prompt != "" {
		g.Messages = append(g.Messages, messages.Message{
			Role:    messages.MessageRoleUser,
			Content: req.Prompt,
		})
	}
	readOllamaOptions(g, req.Options)
	if len(req.Format) > 0 {
		var fmtStr string
		if err := json.Unmarshal(req.Format, &fmtStr); err == nil && fmtStr == "json" {
			g.ResponseFormat = messages.ResponseFormatJSONObject
		}
	}
	return g
}

// IsGenerateRequest reports whether the neutral request arrived on the
// generate route.
func IsGenerateRequest(g *messages.GenericRequest) bool {
	if g.Extensions == nil {
		return false
	}
	v, _ := g.Extensions[extGenerate].(bool)
	return v
}

// OllamaChatRequestFromGeneric lowers the neutral request into the native
// chat shape for an Ollama backend.
func OllamaChatRequestFromGeneric(g *messages.GenericRequest) *ollamaapi.ChatRequest {
	stream := g.Stream
	req := &ollamaapi.ChatRequest{
		Model:    g.Model,
		Messages: ollamaMessagesFromGeneric(g.Messages),
		Stream:   &stream,
		Options:  buildOllamaOptions(g),
	}
	switch g.ResponseFormat {
	case messages.ResponseFormatJSONObject:
		req.Format = json.RawMessage(`"json"`)
	case messages.ResponseFormatJSONSchema:
		if len(g.JSONSchema) > 0 {
			if b, err := json.Marshal(g.JSONSchema); err == nil {
				req.Format = json.RawMessage(b)
			}
		}
	}
	for _, t := range g.Tools {
		req.Tools = append(req.Tools, toolToOllama(t))
	}
	return req
}

// OllamaChatResponseToGeneric lifts a batched native chat response.
func OllamaChatResponseToGeneric(resp *ollamaapi.ChatResponse) *messages.GenericResponse {
	g := &messages.GenericResponse{
		ID:       NewCompletionID(),
		Created:  resp.CreatedAt.Unix(),
		Model:    resp.Model,
		Provider: messages.ProviderOllama,
	}
	msg := messages.Message{
		Role:    resp.Message.Role,
		Content: resp.Message.Content,
	}
	if msg.Role == "" {
		msg.Role = messages.MessageRoleAssistant
	}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, messages.ToolCall{
			ID:        newToolCallID(i),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	finish := ollamaDoneReasonToGeneric(resp.DoneReason)
	if len(msg.ToolCalls) > 0 {
		finish = messages.FinishReasonToolCalls
	}
	g.Choices = []messages.Choice{{Message: msg, FinishReason: finish}}
	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		g.Usage = &messages.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}
	return g
}

// OllamaChatResponseFromGeneric lowers the neutral response for an Ollama
// chat client.
func OllamaChatResponseFromGeneric(g *messages.GenericResponse) *ollamaapi.ChatResponse {
	resp := &ollamaapi.ChatResponse{
		Model:     g.Model,
		CreatedAt: createdTime(g.Created),
		Done:      true,
	}
	if len(g.Choices) > 0 {
		c := g.Choices[0]
		resp.Message = ollamaapi.Message{
			Role:    c.Message.Role,
			Content: c.Message.Content,
		}
		if resp.Message.Role == "" {
			resp.Message.Role = messages.MessageRoleAssistant
		}
		for _, tc := range c.Message.ToolCalls {
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, toolCallToOllama(tc))
		}
		resp.DoneReason = ollamaDoneReasonFromGeneric(c.FinishReason)
	}
	if g.Usage != nil {
		resp.PromptEvalCount = g.Usage.PromptTokens
		resp.EvalCount = g.Usage.CompletionTokens
	}
	return resp
}

// OllamaGenerateResponseFromGeneric lowers the neutral response for a
// generate-route client.
func OllamaGenerateResponseFromGeneric(g *messages.GenericResponse) *ollamaapi.GenerateResponse {
	resp := &ollamaapi.GenerateResponse{
		Model:     g.Model,
		CreatedAt: createdTime(g.Created),
		Done:      true,
	}
	if len(g.Choices) > 0 {
		resp.Response = g.Choices[0].Message.Content
		resp.DoneReason = ollamaDoneReasonFromGeneric(g.Choices[0].FinishReason)
	}
	if g.Usage != nil {
		resp.PromptEvalCount = g.Usage.PromptTokens
		resp.EvalCount = g.Usage.CompletionTokens
	}
	return resp
}

// OllamaChunkToGeneric lifts one NDJSON stream record.
func OllamaChunkToGeneric(resp *ollamaapi.ChatResponse) *messages.GenericStreamChunk {
	g := &messages.GenericStreamChunk{
		ID:       NewCompletionID(),
		Created:  resp.CreatedAt.Unix(),
		Model:    resp.Model,
		Provider: messages.ProviderOllama,
	}
	delta := messages.Message{
		Role:    resp.Message.Role,
		Content: resp.Message.Content,
	}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		delta.ToolCalls = append(delta.ToolCalls, messages.ToolCall{
			ID:        newToolCallID(i),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	finish := messages.FinishReasonNone
	if resp.Done {
		finish = ollamaDoneReasonToGeneric(resp.DoneReason)
		if finish == messages.FinishReasonNone {
			finish = messages.FinishReasonStop
		}
		if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
			g.Usage = &messages.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
	}
	g.Choices = []messages.StreamChoice{{Delta: delta, FinishReason: finish}}
	return g
}

func ollamaMessagesToGeneric(msgs []ollamaapi.Message) []messages.Message {
	out := make([]messages.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := messages.Message{Role: m.Role, Content: m.Content}
		for i, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, messages.ToolCall{
				ID:        newToolCallID(i),
				Name:      tc.Function.Name,
				Arguments: string(args),
			})
		}
		out = append(out, msg)
	}
	return out
}

func ollamaMessagesFromGeneric(msgs []messages.Message) []ollamaapi.Message {
	out := make([]ollamaapi.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := ollamaapi.Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toolCallToOllama(tc))
		}
		out = append(out, msg)
	}
	return out
}

func toolCallToOllama(tc messages.ToolCall) ollamaapi.ToolCall {
	return ollamaapi.ToolCall{
		Function: ollamaapi.ToolCallFunction{
			Name:      tc.Name,
			Arguments: ToolCallArguments(tc.Arguments),
		},
	}
}

// ToolCallArguments decodes an arguments JSON object into the native
// insertion-ordered form; malformed input yields an empty object.
func ToolCallArguments(argsJSON string) ollamaapi.ToolCallFunctionArguments {
	args := ollamaapi.NewToolCallFunctionArguments()
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return ollamaapi.NewToolCallFunctionArguments()
	}
	return args
}

// toolToOllama converts a neutral tool schema into Ollama's native tool
// declaration.
func toolToOllama(t messages.Tool) ollamaapi.Tool {
	fn := ollamaapi.ToolFunction{
		Name:        t.Name,
		Description: t.Description,
	}
	fn.Parameters.Type = "object"
	if ts, ok := t.Parameters["type"].(string); ok && ts != "" {
		fn.Parameters.Type = ts
	}
	if req, ok := t.Parameters["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				fn.Parameters.Required = append(fn.Parameters.Required, s)
			}
		}
	} else if req, ok := t.Parameters["required"].([]string); ok {
		fn.Parameters.Required = req
	}
	if props, ok := t.Parameters["properties"].(map[string]any); ok {
		fn.Parameters.Properties = ollamaapi.NewToolPropertiesMap()
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn.Parameters.Properties.Set(name, toOllamaProperty(props[name]))
		}
	}
	return ollamaapi.Tool{Type: "function", Function: fn}
}

func toOllamaProperty(p any) ollamaapi.ToolProperty {
	prop := ollamaapi.ToolProperty{Type: ollamaapi.PropertyType{"string"}}
	pm, ok := p.(map[string]any)
	if !ok {
		return prop
	}
	if ts, ok := pm["type"].(string); ok && ts != "" {
		prop.Type = ollamaapi.PropertyType{ts}
	}
	if desc, ok := pm["description"].(string); ok {
		prop.Description = desc
	}
	if enum, ok := pm["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := pm["items"].(map[string]any); ok {
		prop.Items = toOllamaProperty(items)
	}
	return prop
}

// buildOllamaOptions maps neutral sampling fields into the options bag.
func buildOllamaOptions(g *messages.GenericRequest) map[string]any {
	opts := map[string]any{}
	if g.MaxTokens > 0 {
		opts["num_predict"] = g.MaxTokens
	}
	if g.Temperature != nil {
		opts["temperature"] = *g.Temperature
	}
	if g.TopP != nil {
		opts["top_p"] = *g.TopP
	}
	if g.TopK != nil {
		opts["top_k"] = *g.TopK
	}
	if g.RepetitionPenalty != nil {
		opts["repeat_penalty"] = *g.RepetitionPenalty
	}
	if g.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *g.FrequencyPenalty
	}
	if g.PresencePenalty != nil {
		opts["presence_penalty"] = *g.PresencePenalty
	}
	if g.Seed != nil {
		opts["seed"] = *g.Seed
	}
	if len(g.Stop) > 0 {
		opts["stop"] = g.Stop
	}
	return opts
}

// readOllamaOptions lifts the options bag into neutral sampling fields.
func readOllamaOptions(g *messages.GenericRequest, opts map[string]any) {
	if opts == nil {
		return
	}
	if v, ok := optInt(opts, "num_predict"); ok {
		g.MaxTokens = v
	}
	if v, ok := optFloat(opts, "temperature"); ok {
		g.Temperature = &v
	}
	if v, ok := optFloat(opts, "top_p"); ok {
		g.TopP = &v
	}
	if v, ok := optInt(opts, "top_k"); ok {
		g.TopK = &v
	}
	if v, ok := optFloat(opts, "repeat_penalty"); ok {
		g.RepetitionPenalty = &v
	}
	if v, ok := optFloat(opts, "frequency_penalty"); ok {
		g.FrequencyPenalty = &v
	}
	if v, ok := optFloat(opts, "presence_penalty"); ok {
		g.PresencePenalty = &v
	}
	if v, ok := optInt(opts, "seed"); ok {
		g.Seed = &v
	}
	switch stop := opts["stop"].(type) {
	case []string:
		g.Stop = stop
	case []any:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				g.Stop = append(g.Stop, str)
			}
		}
	case string:
		g.Stop = []string{stop}
	}
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func ollamaDoneReasonToGeneric(reason string) messages.FinishReason {
	switch reason {
	case "stop":
		return messages.FinishReasonStop
	case "length":
		return messages.FinishReasonLength
	case "tool_calls":
		return messages.FinishReasonToolCalls
	}
	return messages.FinishReasonNone
}

func ollamaDoneReasonFromGeneric(fr messages.FinishReason) string {
	switch fr {
	case messages.FinishReasonLength:
		return "length"
	case messages.FinishReasonToolCalls:
		return "tool_calls"
	case messages.FinishReasonContentFilter:
		return "content_filter"
	}
	return "stop"
}

func createdTime(created int64) time.Time {
	if created <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(created, 0).UTC()
}

// Package convert translates between the OpenAI and Ollama wire shapes and
// the provider-neutral request/response/chunk representation. All converters
// are pure; the registry of providers is closed.
package convert

import (
	"encoding/json"

	ai "github.com/sashabaranov/go-openai"

	"github.com/toolbridge/proxy/messages"
)

// ParseOpenAIRequest decodes a client body in the Chat Completions shape.
// The stop field is normalized first: the wire format allows a bare string
// where the SDK type wants a list.
func ParseOpenAIRequest(body []byte) (*ai.ChatCompletionRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if stop, ok := raw["stop"]; ok && len(stop) > 0 && stop[0] == '"' {
		raw["stop"] = json.RawMessage("[" + string(stop) + "]")
		body, _ = json.Marshal(raw)
	}
	var req ai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// OpenAIRequestToGeneric lifts a Chat Completions request into the neutral
// representation.
func OpenAIRequestToGeneric(req *ai.ChatCompletionRequest) *messages.GenericRequest {
	g := &messages.GenericRequest{
		Provider:  messages.ProviderOpenAI,
		Model:     req.Model,
		Messages:  openAIMessagesToGeneric(req.Messages),
		MaxTokens: req.MaxTokens,
		Seed:      req.Seed,
		Stop:      req.Stop,
		Stream:    req.Stream,
		N:         req.N,
		LogProbs:  req.LogProbs,
	}
	if req.MaxCompletionTokens > 0 {
		g.MaxTokens = req.MaxCompletionTokens
	}
	if req.Temperature != 0 {
		t := float64(req.Temperature)
		g.Temperature = &t
	}
	if req.TopP != 0 {
		p := float64(req.TopP)
		g.TopP = &p
	}
	if req.FrequencyPenalty != 0 {
		f := float64(req.FrequencyPenalty)
		g.FrequencyPenalty = &f
	}
	if req.PresencePenalty != 0 {
		p := float64(req.PresencePenalty)
		g.PresencePenalty = &p
	}
	if req.StreamOptions != nil {
		g.IncludeUsage = req.StreamOptions.IncludeUsage
	}

	for _, t := range req.Tools {
		if t.Function == nil {
			continue
		}
		g.Tools = append(g.Tools, messages.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  toParameterMap(t.Function.Parameters),
		})
	}
	g.ToolChoice = openAIToolChoiceToGeneric(req.ToolChoice)
	if b, ok := req.ParallelToolCalls.(bool); ok {
		g.ParallelToolCalls = &b
	}

	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case ai.ChatCompletionResponseFormatTypeJSONObject:
			g.ResponseFormat = messages.ResponseFormatJSONObject
		case ai.ChatCompletionResponseFormatTypeJSONSchema:
			g.ResponseFormat = messages.ResponseFormatJSONSchema
			if req.ResponseFormat.JSONSchema != nil {
				g.JSONSchema = toParameterMap(req.ResponseFormat.JSONSchema.Schema)
			}
		default:
			g.ResponseFormat = messages.ResponseFormatText
		}
	}
	return g
}

// OpenAIRequestFromGeneric lowers the neutral request into the Chat
// Completions shape for an OpenAI-compatible backend.
func OpenAIRequestFromGeneric(g *messages.GenericRequest) *ai.ChatCompletionRequest {
	req := &ai.ChatCompletionRequest{
		Model:     g.Model,
		Messages:  openAIMessagesFromGeneric(g.Messages),
		MaxTokens: g.MaxTokens,
		Seed:      g.Seed,
		Stop:      g.Stop,
		Stream:    g.Stream,
		N:         g.N,
		LogProbs:  g.LogProbs,
	}
	if g.Temperature != nil {
		req.Temperature = float32(*g.Temperature)
	}
	if g.TopP != nil {
		req.TopP = float32(*g.TopP)
	}
	if g.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*g.FrequencyPenalty)
	}
	if g.PresencePenalty != nil {
		req.PresencePenalty = float32(*g.PresencePenalty)
	}
	if g.IncludeUsage {
		req.StreamOptions = &ai.StreamOptions{IncludeUsage: true}
	}

	for _, t := range g.Tools {
		req.Tools = append(req.Tools, ai.Tool{
			Type: ai.ToolTypeFunction,
			Function: &ai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if g.ToolChoice != nil {
		if g.ToolChoice.Mode == "function" {
			req.ToolChoice = ai.ToolChoice{
				Type:     ai.ToolTypeFunction,
				Function: ai.ToolFunction{Name: g.ToolChoice.FunctionName},
			}
		} else if g.ToolChoice.Mode != "" {
			req.ToolChoice = g.ToolChoice.Mode
		}
	}
	if g.ParallelToolCalls != nil {
		req.ParallelToolCalls = *g.ParallelToolCalls
	}

	switch g.ResponseFormat {
	case messages.ResponseFormatJSONObject:
		req.ResponseFormat = &ai.ChatCompletionResponseFormat{
			Type: ai.ChatCompletionResponseFormatTypeJSONObject,
		}
	case messages.ResponseFormatJSONSchema:
		schemaJSON, _ := json.Marshal(g.JSONSchema)
		req.ResponseFormat = &ai.ChatCompletionResponseFormat{
			Type: ai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &ai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(schemaJSON),
			},
		}
	}
	return req
}

// OpenAIResponseToGeneric lifts a batched completion response.
func OpenAIResponseToGeneric(resp *ai.ChatCompletionResponse) *messages.GenericResponse {
	g := &messages.GenericResponse{
		ID:       resp.ID,
		Created:  resp.Created,
		Model:    resp.Model,
		Provider: messages.ProviderOpenAI,
	}
	for _, c := range resp.Choices {
		g.Choices = append(g.Choices, messages.Choice{
			Index:        c.Index,
			Message:      openAIMessageToGeneric(c.Message),
			FinishReason: openAIFinishToGeneric(c.FinishReason),
		})
	}
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		g.Usage = &messages.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return g
}

// OpenAIResponseFromGeneric lowers the neutral response for an OpenAI
// client.
func OpenAIResponseFromGeneric(g *messages.GenericResponse) *ai.ChatCompletionResponse {
	resp := &ai.ChatCompletionResponse{
		ID:      g.ID,
		Object:  "chat.completion",
		Created: g.Created,
		Model:   g.Model,
	}
	for _, c := range g.Choices {
		resp.Choices = append(resp.Choices, ai.ChatCompletionChoice{
			Index:        c.Index,
			Message:      openAIMessageFromGeneric(c.Message),
			FinishReason: openAIFinishFromGeneric(c.FinishReason),
		})
	}
	if g.Usage != nil {
		resp.Usage = ai.Usage{
			PromptTokens:     g.Usage.PromptTokens,
			CompletionTokens: g.Usage.CompletionTokens,
			TotalTokens:      g.Usage.TotalTokens,
		}
	}
	return resp
}

// OpenAIChunkToGeneric lifts one SSE stream chunk.
func OpenAIChunkToGeneric(ch *ai.ChatCompletionStreamResponse) *messages.GenericStreamChunk {
	g := &messages.GenericStreamChunk{
		ID:       ch.ID,
		Created:  ch.Created,
		Model:    ch.Model,
		Provider: messages.ProviderOpenAI,
	}
	for _, c := range ch.Choices {
		delta := messages.Message{
			Role:    c.Delta.Role,
			Content: c.Delta.Content,
		}
		for i, tc := range c.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, messages.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Index:     idx,
			})
		}
		g.Choices = append(g.Choices, messages.StreamChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: openAIFinishToGeneric(c.FinishReason),
		})
	}
	if ch.Usage != nil {
		g.Usage = &messages.Usage{
			PromptTokens:     ch.Usage.PromptTokens,
			CompletionTokens: ch.Usage.CompletionTokens,
			TotalTokens:      ch.Usage.TotalTokens,
		}
	}
	return g
}

func openAIMessagesToGeneric(msgs []ai.ChatCompletionMessage) []messages.Message {
	out := make([]messages.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openAIMessageToGeneric(m))
	}
	return out
}

func openAIMessageToGeneric(m ai.ChatCompletionMessage) messages.Message {
	msg := messages.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	// Multimodal parts are flattened to their text; image payloads are not
	// carried across providers here.
	if m.Content == "" && len(m.MultiContent) > 0 {
		for _, part := range m.MultiContent {
			if part.Type == ai.ChatMessagePartTypeText {
				msg.Content += part.Text
			}
		}
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, messages.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}

func openAIMessagesFromGeneric(msgs []messages.Message) []ai.ChatCompletionMessage {
	out := make([]ai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openAIMessageFromGeneric(m))
	}
	return out
}

func openAIMessageFromGeneric(m messages.Message) ai.ChatCompletionMessage {
	msg := ai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ai.ToolCall{
			ID:   tc.ID,
			Type: ai.ToolTypeFunction,
			Function: ai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

func openAIToolChoiceToGeneric(tc any) *messages.ToolChoice {
	switch v := tc.(type) {
	case string:
		if v == "" {
			return nil
		}
		return &messages.ToolChoice{Mode: v}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &messages.ToolChoice{Mode: "function", FunctionName: name}
			}
		}
	case ai.ToolChoice:
		return &messages.ToolChoice{Mode: "function", FunctionName: v.Function.Name}
	}
	return nil
}

func openAIFinishToGeneric(fr ai.FinishReason) messages.FinishReason {
	switch fr {
	case ai.FinishReasonStop:
		return messages.FinishReasonStop
	case ai.FinishReasonLength:
		return messages.FinishReasonLength
	case ai.FinishReasonToolCalls, ai.FinishReasonFunctionCall:
		return messages.FinishReasonToolCalls
	case ai.FinishReasonContentFilter:
		return messages.FinishReasonContentFilter
	}
	return messages.FinishReasonNone
}

func openAIFinishFromGeneric(fr messages.FinishReason) ai.FinishReason {
	switch fr {
	case messages.FinishReasonStop:
		return ai.FinishReasonStop
	case messages.FinishReasonLength:
		return ai.FinishReasonLength
	case messages.FinishReasonToolCalls:
		return ai.FinishReasonToolCalls
	case messages.FinishReasonContentFilter:
		return ai.FinishReasonContentFilter
	}
	return ai.FinishReasonNull
}

// toParameterMap coerces an opaque schema value into a plain mapping.
func toParameterMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

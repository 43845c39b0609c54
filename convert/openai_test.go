package convert

import (
	"testing"

	ai "github.com/sashabaranov/go-openai"

	"github.com/toolbridge/proxy/messages"
)

// TestParseOpenAIRequestBareStop verifies the wire format's bare-string
// stop field is normalized into the list the SDK type expects
func TestParseOpenAIRequestBareStop(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stop":"END"}`)
	req, err := ParseOpenAIRequest(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("Stop = %#v, want [END]", req.Stop)
	}
}

// TestParseOpenAIRequestStopList verifies a proper list passes untouched
func TestParseOpenAIRequestStopList(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stop":["a","b"]}`)
	req, err := ParseOpenAIRequest(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Stop) != 2 {
		t.Errorf("Stop = %#v", req.Stop)
	}
}

// TestOpenAIRequestRoundTrip verifies the request survives the lift and
// lower through the neutral representation
func TestOpenAIRequestRoundTrip(t *testing.T) {
	req := &ai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []ai.ChatCompletionMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
		Temperature:   0.7,
		MaxTokens:     256,
		Stream:        true,
		StreamOptions: &ai.StreamOptions{IncludeUsage: true},
		Tools: []ai.Tool{{
			Type: ai.ToolTypeFunction,
			Function: &ai.FunctionDefinition{
				Name:        "get_weather",
				Description: "weather lookup",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
		}},
	}

	g := OpenAIRequestToGeneric(req)
	if g.Model != "gpt-4o" || len(g.Messages) != 2 || !g.Stream || !g.IncludeUsage {
		t.Fatalf("lift lost fields: %+v", g)
	}
	if g.Temperature == nil || *g.Temperature < 0.69 || *g.Temperature > 0.71 {
		t.Errorf("Temperature = %v", g.Temperature)
	}
	if len(g.Tools) != 1 || g.Tools[0].Name != "get_weather" {
		t.Fatalf("Tools = %+v", g.Tools)
	}

	back := OpenAIRequestFromGeneric(g)
	if back.Model != req.Model || back.MaxTokens != req.MaxTokens || !back.Stream {
		t.Errorf("lower lost fields: %+v", back)
	}
	if back.StreamOptions == nil || !back.StreamOptions.IncludeUsage {
		t.Error("stream_options lost")
	}
	if len(back.Tools) != 1 || back.Tools[0].Function.Name != "get_weather" {
		t.Errorf("tools lost: %+v", back.Tools)
	}
}

// TestOpenAIMaxCompletionTokensWins verifies the newer field takes
// precedence over max_tokens
func TestOpenAIMaxCompletionTokensWins(t *testing.T) {
	g := OpenAIRequestToGeneric(&ai.ChatCompletionRequest{
		Model:               "m",
		MaxTokens:           10,
		MaxCompletionTokens: 99,
	})
	if g.MaxTokens != 99 {
		t.Errorf("MaxTokens = %d, want 99", g.MaxTokens)
	}
}

// TestOpenAIToolChoiceForms verifies string and structured tool_choice both
// survive
func TestOpenAIToolChoiceForms(t *testing.T) {
	g := OpenAIRequestToGeneric(&ai.ChatCompletionRequest{Model: "m", ToolChoice: "none"})
	if g.ToolChoice == nil || g.ToolChoice.Mode != "none" {
		t.Errorf("string form: %+v", g.ToolChoice)
	}

	g = OpenAIRequestToGeneric(&ai.ChatCompletionRequest{
		Model: "m",
		ToolChoice: map[string]any{
			"type":     "function",
			"function": map[string]any{"name": "search"},
		},
	})
	if g.ToolChoice == nil || g.ToolChoice.Mode != "function" || g.ToolChoice.FunctionName != "search" {
		t.Errorf("structured form: %+v", g.ToolChoice)
	}
}

// TestOpenAIResponseRoundTrip verifies tool-call responses survive both
// directions
func TestOpenAIResponseRoundTrip(t *testing.T) {
	resp := &ai.ChatCompletionResponse{
		ID:      "chatcmpl-x",
		Created: 1700000000,
		Model:   "m",
		Choices: []ai.ChatCompletionChoice{{
			Message: ai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []ai.ToolCall{{
					ID:   "call_1",
					Type: ai.ToolTypeFunction,
					Function: ai.FunctionCall{
						Name:      "get_weather",
						Arguments: `{"city":"Paris"}`,
					},
				}},
			},
			FinishReason: ai.FinishReasonToolCalls,
		}},
		Usage: ai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	g := OpenAIResponseToGeneric(resp)
	if g.Choices[0].FinishReason != messages.FinishReasonToolCalls {
		t.Errorf("finish = %q", g.Choices[0].FinishReason)
	}
	if g.Usage == nil || g.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", g.Usage)
	}

	back := OpenAIResponseFromGeneric(g)
	if len(back.Choices) != 1 || len(back.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("tool calls lost: %+v", back)
	}
	if back.Choices[0].Message.ToolCalls[0].Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("arguments = %q", back.Choices[0].Message.ToolCalls[0].Function.Arguments)
	}
}

// TestOpenAIChunkToolCallIndex verifies delta tool-call indexes carry
// through for incremental accumulation
func TestOpenAIChunkToolCallIndex(t *testing.T) {
	one := 1
	g := OpenAIChunkToGeneric(&ai.ChatCompletionStreamResponse{
		Choices: []ai.ChatCompletionStreamChoice{{
			Delta: ai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []ai.ToolCall{{
					Index:    &one,
					Function: ai.FunctionCall{Arguments: `{"a":`},
				}},
			},
		}},
	})
	if g.Choices[0].Delta.ToolCalls[0].Index != 1 {
		t.Errorf("Index = %d, want 1", g.Choices[0].Delta.ToolCalls[0].Index)
	}
}

// TestOpenAIMultiContentFlattening verifies multimodal text parts flatten
// into plain content
func TestOpenAIMultiContentFlattening(t *testing.T) {
	g := OpenAIRequestToGeneric(&ai.ChatCompletionRequest{
		Model: "m",
		Messages: []ai.ChatCompletionMessage{{
			Role: "user",
			MultiContent: []ai.ChatMessagePart{
				{Type: ai.ChatMessagePartTypeText, Text: "part one "},
				{Type: ai.ChatMessagePartTypeText, Text: "part two"},
			},
		}},
	})
	if g.Messages[0].Content != "part one part two" {
		t.Errorf("Content = %q", g.Messages[0].Content)
	}
}

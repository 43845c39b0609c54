package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ollamaapi "github.com/ollama/ollama/api"
	ai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/proxy/config"
)

// newTestServer builds a proxy wired to the given backend URLs.
func newTestServer(t *testing.T, mode, openaiURL, ollamaURL string) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.BackendMode = mode
	cfg.BackendBaseURL = openaiURL
	cfg.BackendAPIKey = "test-key"
	cfg.OllamaBaseURL = ollamaURL
	require.NoError(t, cfg.Validate())

	srv := httptest.NewServer(New(&cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestChatOpenAIToOpenAI verifies the straight passthrough path with
// translated response
func TestChatOpenAIToOpenAI(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)

		json.NewEncoder(w).Encode(ai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []ai.ChatCompletionChoice{{
				Message:      ai.ChatCompletionMessage{Role: "assistant", Content: "hello back"},
				FinishReason: ai.FinishReasonStop,
			}},
		})
	}))
	defer backend.Close()

	srv := newTestServer(t, "openai", backend.URL, "http://127.0.0.1:1")
	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "hello back", out.Choices[0].Message.Content)
}

// TestChatOpenAIClientOllamaBackend verifies format translation and XML
// tool-call extraction on the batch path
func TestChatOpenAIClientOllamaBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaapi.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The XML protocol replaces native tool declarations
		assert.Empty(t, req.Tools)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[0].Content, "TOOL USAGE INSTRUCTIONS")

		resp := ollamaapi.ChatResponse{Model: req.Model, Done: true, DoneReason: "stop"}
		resp.Message.Role = "assistant"
		resp.Message.Content = "<get_weather><city>Paris</city></get_weather>"
		json.NewEncoder(w).Encode(resp)
	}))
	defer backend.Close()

	srv := newTestServer(t, "ollama", "http://127.0.0.1:1", backend.URL)
	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{
		"model":"llama3",
		"messages":[{"role":"user","content":"weather in Paris?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", out.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Equal(t, ai.FinishReasonToolCalls, out.Choices[0].FinishReason)
	assert.Empty(t, out.Choices[0].Message.Content)
}

// TestChatValidation verifies empty-message requests fail with 400 before
// any backend call
func TestChatValidation(t *testing.T) {
	srv := newTestServer(t, "openai", "http://127.0.0.1:1", "http://127.0.0.1:1")

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/generate", `{"model":"m"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/chat/completions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestChatBackendUnreachable verifies transport failures surface as 504
func TestChatBackendUnreachable(t *testing.T) {
	srv := newTestServer(t, "openai", "http://127.0.0.1:1", "http://127.0.0.1:1")
	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.NotEmpty(t, errBody["error"])
}

// TestChatBackendErrorForwarded verifies backend statuses pass through with
// their body excerpt
func TestChatBackendErrorForwarded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer backend.Close()

	srv := newTestServer(t, "openai", backend.URL, "http://127.0.0.1:1")
	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestChatStreamingSSE verifies the streaming path: backend NDJSON becomes
// client SSE with synthesized tool-call chunks
func TestChatStreamingSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := []string{
			`{"model":"llama3","message":{"role":"assistant","content":"<get_weather><city>"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":"Nice</city></get_weather>"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
		}
		for _, rec := range records {
			fmt.Fprintln(w, rec)
		}
	}))
	defer backend.Close()

	srv := newTestServer(t, "ollama", "http://127.0.0.1:1", backend.URL)
	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{
		"model":"llama3","stream":true,
		"messages":[{"role":"user","content":"weather?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var sawToolCall, sawFinish, sawDone bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		var chunk ai.ChatCompletionStreamResponse
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		for _, c := range chunk.Choices {
			for _, tc := range c.Delta.ToolCalls {
				if tc.Function.Name == "get_weather" {
					sawToolCall = true
				}
			}
			if c.FinishReason == ai.FinishReasonToolCalls {
				sawFinish = true
			}
		}
	}
	assert.True(t, sawToolCall, "tool-call chunk missing")
	assert.True(t, sawFinish, "finish_reason tool_calls missing")
	assert.True(t, sawDone, "[DONE] sentinel missing")
}

// TestChatStreamingNDJSON verifies an Ollama client streaming through an
// OpenAI backend gets NDJSON records ending in done=true
func TestChatStreamingNDJSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []ai.ChatCompletionStreamResponse{
			{Model: "gpt-4o", Choices: []ai.ChatCompletionStreamChoice{{
				Delta: ai.ChatCompletionStreamChoiceDelta{Role: "assistant", Content: "Hello "},
			}}},
			{Model: "gpt-4o", Choices: []ai.ChatCompletionStreamChoice{{
				Delta: ai.ChatCompletionStreamChoiceDelta{Content: "there"},
			}}},
			{Model: "gpt-4o", Choices: []ai.ChatCompletionStreamChoice{{
				FinishReason: ai.FinishReasonStop,
			}}},
		}
		for _, ch := range chunks {
			b, _ := json.Marshal(ch)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	srv := newTestServer(t, "openai", backend.URL, "http://127.0.0.1:1")
	resp := postJSON(t, srv.URL+"/api/chat",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/x-ndjson")

	var contents []string
	var sawDone bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var rec ollamaapi.ChatResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec.Message.Content != "" {
			contents = append(contents, rec.Message.Content)
		}
		if rec.Done {
			sawDone = true
			assert.Equal(t, "stop", rec.DoneReason)
		}
	}
	assert.Equal(t, "Hello there", strings.Join(contents, ""))
	assert.True(t, sawDone, "terminal done record missing")
}

// TestChatBearerOllamaOverride verifies Authorization "Bearer ollama"
// forces the Ollama backend even in openai mode
func TestChatBearerOllamaOverride(t *testing.T) {
	var ollamaCalled bool
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ollamaCalled = true
		resp := ollamaapi.ChatResponse{Model: "llama3", Done: true, DoneReason: "stop"}
		resp.Message.Role = "assistant"
		resp.Message.Content = "from ollama"
		json.NewEncoder(w).Encode(resp)
	}))
	defer ollama.Close()

	srv := newTestServer(t, "openai", "http://127.0.0.1:1", ollama.URL)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer ollama")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ollamaCalled, "request did not reach the Ollama backend")
}

// TestChatModelNotFoundFallback verifies an unknown aggregator model with
// no vendor prefix retries against Ollama
func TestChatModelNotFoundFallback(t *testing.T) {
	openai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"my-local is not a valid model id"}}`, http.StatusBadRequest)
	}))
	defer openai.Close()

	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ollamaapi.ChatResponse{Model: "my-local", Done: true, DoneReason: "stop"}
		resp.Message.Role = "assistant"
		resp.Message.Content = "local model answer"
		json.NewEncoder(w).Encode(resp)
	}))
	defer ollama.Close()

	srv := newTestServer(t, "openai", openai.URL, ollama.URL)
	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"my-local","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "local model answer", out.Choices[0].Message.Content)
}

// TestGenerateRoute verifies the generate shape end to end
func TestGenerateRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaapi.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2) // system + prompt
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := ollamaapi.ChatResponse{Model: req.Model, Done: true, DoneReason: "stop"}
		resp.Message.Role = "assistant"
		resp.Message.Content = "physics"
		json.NewEncoder(w).Encode(resp)
	}))
	defer backend.Close()

	srv := newTestServer(t, "ollama", "http://127.0.0.1:1", backend.URL)
	resp := postJSON(t, srv.URL+"/api/generate",
		`{"model":"llama3","system":"be terse","prompt":"why is the sky blue?","stream":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ollamaapi.GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "physics", out.Response)
	assert.True(t, out.Done)
}

// TestListModelsFromOllama verifies tag-list translation into the OpenAI
// models shape
func TestListModelsFromOllama(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3:latest", "model": "llama3:latest"},
				{"name": "qwen3:8b", "model": "qwen3:8b"},
			},
		})
	}))
	defer backend.Close()

	srv := newTestServer(t, "ollama", "http://127.0.0.1:1", backend.URL)
	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string     `json:"object"`
		Data   []ai.Model `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "llama3:latest", out.Data[0].ID)
}

// TestListTagsFromOpenAI verifies model-list translation into the Ollama
// tags shape
func TestListTagsFromOpenAI(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1700000000},
			},
		})
	}))
	defer backend.Close()

	srv := newTestServer(t, "openai", backend.URL, "http://127.0.0.1:1")
	resp, err := http.Get(srv.URL + "/api/tags")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ollamaapi.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Models, 1)
	assert.Equal(t, "gpt-4o", out.Models[0].Name)
}

// TestPassthroughUnknownRoute verifies unrecognized /v1 paths relay to the
// backend untouched
func TestPassthroughUnknownRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, "openai", backend.URL+"/v1", "http://127.0.0.1:1")
	resp := postJSON(t, srv.URL+"/v1/embeddings", `{"model":"e","input":"x"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestNotFoundOutsideAPI verifies non-API paths 404 instead of proxying
func TestNotFoundOutsideAPI(t *testing.T) {
	srv := newTestServer(t, "openai", "http://127.0.0.1:1", "http://127.0.0.1:1")
	resp, err := http.Get(srv.URL + "/healthz-unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

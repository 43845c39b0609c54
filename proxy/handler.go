package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/toolbridge/proxy/backend"
	"github.com/toolbridge/proxy/convert"
	"github.com/toolbridge/proxy/messages"
	"github.com/toolbridge/proxy/stream"
)

// ollamaForceToken is the Authorization bearer token that forces a request
// to the Ollama backend regardless of BACKEND_MODE.
const ollamaForceToken = "Bearer ollama"

// modelNotFoundMarker appears in OpenRouter-style error bodies when the
// requested model id is unknown to the aggregator.
const modelNotFoundMarker = "not a valid model id"

// handleChat is the dispatcher for all three chat-shaped routes.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxBufferSize)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	clientFormat := clientFormatForPath(r.URL.Path)
	backendFormat := s.backendFormat(r)

	g, err := s.engine.ParseRequest(body, clientFormat, r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(g.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "request must contain at least one message")
		return
	}

	tools := g.Tools
	includeUsage := g.IncludeUsage
	streaming := g.Stream
	generateShape := convert.IsGenerateRequest(g)
	model := g.Model

	payload, err := s.engine.TranslateRequest(g, backendFormat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.dispatch(r, payload, backendFormat, streaming)
	if err != nil {
		// An unknown aggregator model with no vendor prefix is usually a
		// local Ollama model name; retry once against Ollama.
		if backendFormat == messages.ProviderOpenAI && isModelNotFound(err) && !strings.Contains(model, "/") {
			zap.S().Infow("model_not_found_fallback", "model", model)
			backendFormat = messages.ProviderOllama
			if payload, err = s.engine.TranslateRequest(g, backendFormat); err == nil {
				resp, err = s.dispatch(r, payload, backendFormat, streaming)
			}
		}
		if err != nil {
			writeBackendError(w, err)
			return
		}
	}
	defer resp.Body.Close()

	if !streaming {
		s.respondBatch(w, resp, clientFormat, backendFormat, tools, generateShape)
		return
	}
	s.respondStream(w, r, resp, clientFormat, backendFormat, tools, model, includeUsage, generateShape)
}

// dispatch posts the translated payload to the chosen backend.
func (s *Server) dispatch(r *http.Request, payload []byte, target messages.Provider, streaming bool) (*http.Response, error) {
	client := s.batch
	if streaming {
		client = s.stream
	}
	switch target {
	case messages.ProviderOpenAI:
		url := strings.TrimRight(s.cfg.BackendBaseURL, "/") + s.cfg.BackendChatPath
		return client.Post(r.Context(), url, payload, backend.Headers(s.cfg.BackendAPIKey, r.Header, true))
	default:
		url := strings.TrimRight(s.cfg.OllamaBaseURL, "/") + "/api/chat"
		return client.Post(r.Context(), url, payload, backend.Headers("", r.Header, false))
	}
}

// respondBatch translates a non-streaming backend body and writes it in the
// client's format.
func (s *Server) respondBatch(w http.ResponseWriter, resp *http.Response, clientFormat, backendFormat messages.Provider, tools []messages.Tool, generateShape bool) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.cfg.MaxBufferSize)))
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read backend response")
		return
	}
	out, err := s.engine.TranslateResponse(body, backendFormat, clientFormat, tools, generateShape)
	if err != nil {
		zap.S().Warnw("response_translation_failed", "error", err)
		writeError(w, http.StatusBadGateway, "backend returned an unparseable response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// respondStream pumps the backend stream through a processor into the
// client's framing.
func (s *Server) respondStream(w http.ResponseWriter, r *http.Request, resp *http.Response, clientFormat, backendFormat messages.Provider, tools []messages.Tool, model string, includeUsage, generateShape bool) {
	var em stream.Emitter
	switch clientFormat {
	case messages.ProviderOpenAI:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		em = stream.NewSSEEmitter(w, model, nowUnix(), includeUsage)
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
		em = stream.NewNDJSONEmitter(w, model, generateShape)
	}
	w.WriteHeader(http.StatusOK)

	proc := stream.NewProcessor(em, tools, s.cfg.HTMLTags, s.cfg.MaxStreamBufferSize)
	if err := stream.Pump(r.Context(), resp.Body, backendFormat, proc); err != nil {
		// Headers are out; the best we can do is an in-stream error frame.
		zap.S().Warnw("stream_pump_failed", "error", err)
		em.Error("stream interrupted: " + err.Error())
		em.Done()
	}
}

// backendFormat resolves the target wire format for this request.
func (s *Server) backendFormat(r *http.Request) messages.Provider {
	if r.Header.Get("Authorization") == ollamaForceToken {
		return messages.ProviderOllama
	}
	if s.cfg.BackendMode == "ollama" {
		return messages.ProviderOllama
	}
	return messages.ProviderOpenAI
}

func clientFormatForPath(path string) messages.Provider {
	if strings.HasPrefix(path, "/api/") {
		return messages.ProviderOllama
	}
	return messages.ProviderOpenAI
}

func isModelNotFound(err error) bool {
	var se *backend.StatusError
	return errors.As(err, &se) && strings.Contains(se.Body, modelNotFoundMarker)
}

// writeBackendError maps client errors to status codes: transport failures
// and timeouts become 504, backend statuses are forwarded with their body
// excerpt.
func writeBackendError(w http.ResponseWriter, err error) {
	var ue *backend.UnreachableError
	if errors.As(err, &ue) {
		writeError(w, http.StatusGatewayTimeout, ue.Error())
		return
	}
	var se *backend.StatusError
	if errors.As(err, &se) {
		writeError(w, se.StatusCode, se.Body)
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

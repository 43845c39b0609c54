package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	ollamaapi "github.com/ollama/ollama/api"
	ai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/toolbridge/proxy/backend"
	"github.com/toolbridge/proxy/messages"
)

// handleListModels serves GET /v1/models. An OpenAI-shaped backend's list
// forwards as-is; an Ollama backend's tag list is translated into the
// OpenAI models shape.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.backendFormat(r) == messages.ProviderOpenAI {
		url := strings.TrimRight(s.cfg.BackendBaseURL, "/") + "/models"
		s.forwardJSON(w, r, url, true)
		return
	}

	tags, err := s.fetchTags(r)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	list := ai.ModelsList{Models: make([]ai.Model, 0, len(tags.Models))}
	for _, m := range tags.Models {
		list.Models = append(list.Models, ai.Model{
			ID:        m.Name,
			Object:    "model",
			CreatedAt: m.ModifiedAt.Unix(),
			OwnedBy:   "library",
		})
	}
	writeJSON(w, struct {
		Object string     `json:"object"`
		Data   []ai.Model `json:"data"`
	}{Object: "list", Data: list.Models})
}

// handleListTags serves GET /api/tags. With an Ollama backend it forwards;
// with an OpenAI-shaped backend the model list is reshaped into tags so
// Ollama-native clients can still enumerate models.
func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	if s.backendFormat(r) == messages.ProviderOllama {
		url := strings.TrimRight(s.cfg.OllamaBaseURL, "/") + "/api/tags"
		s.forwardJSON(w, r, url, false)
		return
	}

	url := strings.TrimRight(s.cfg.BackendBaseURL, "/") + "/models"
	resp, err := s.batch.Get(r.Context(), url, backend.Headers(s.cfg.BackendAPIKey, r.Header, true))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	defer resp.Body.Close()

	var list ai.ModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		writeError(w, http.StatusBadGateway, "backend returned an unparseable model list")
		return
	}
	out := ollamaapi.ListResponse{Models: make([]ollamaapi.ListModelResponse, 0, len(list.Models))}
	for _, m := range list.Models {
		out.Models = append(out.Models, ollamaapi.ListModelResponse{
			Name:       m.ID,
			Model:      m.ID,
			ModifiedAt: time.Unix(m.CreatedAt, 0).UTC(),
		})
	}
	writeJSON(w, out)
}

// handleShow forwards POST /api/show to the Ollama backend untouched.
// There is no OpenAI equivalent to translate it to.
func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxBufferSize)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	url := strings.TrimRight(s.cfg.OllamaBaseURL, "/") + "/api/show"
	resp, err := s.batch.Post(r.Context(), url, body, backend.Headers("", r.Header, false))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	defer resp.Body.Close()
	copyResponse(w, resp)
}

// fetchTags pulls the Ollama tag list.
func (s *Server) fetchTags(r *http.Request) (*ollamaapi.ListResponse, error) {
	url := strings.TrimRight(s.cfg.OllamaBaseURL, "/") + "/api/tags"
	resp, err := s.batch.Get(r.Context(), url, backend.Headers("", r.Header, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var tags ollamaapi.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	return &tags, nil
}

// forwardJSON relays a GET to the backend and copies the reply through.
func (s *Server) forwardJSON(w http.ResponseWriter, r *http.Request, url string, openAIShaped bool) {
	apiKey := ""
	if openAIShaped {
		apiKey = s.cfg.BackendAPIKey
	}
	resp, err := s.batch.Get(r.Context(), url, backend.Headers(apiKey, r.Header, openAIShaped))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	defer resp.Body.Close()
	copyResponse(w, resp)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		zap.S().Debugw("response_copy_interrupted", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Debugw("response_encode_failed", "error", err)
	}
}

func nowUnix() int64 { return time.Now().Unix() }

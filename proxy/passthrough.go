package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/toolbridge/proxy/messages"
)

// handlePassthrough relays any unrecognized /v1/* or /api/* request to the
// matching backend as a pure proxy. Everything else is a 404.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	var base string
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		base = s.cfg.OllamaBaseURL
	case strings.HasPrefix(r.URL.Path, "/v1/"):
		if s.backendFormat(r) == messages.ProviderOllama {
			// Ollama serves an OpenAI-compatible surface under /v1.
			base = s.cfg.OllamaBaseURL
		} else {
			base = baseWithoutV1(s.cfg.BackendBaseURL)
		}
	default:
		http.NotFound(w, r)
		return
	}

	target, err := url.Parse(base)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid backend URL")
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
		if s.cfg.BackendAPIKey != "" && strings.HasPrefix(req.URL.Path, "/v1/") {
			req.Header.Set("Authorization", "Bearer "+s.cfg.BackendAPIKey)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		zap.S().Warnw("passthrough_failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "backend unreachable")
	}

	zap.S().Debugw("passthrough", "path", r.URL.Path, "target", target.Host)
	proxy.ServeHTTP(w, r)
}

// baseWithoutV1 strips a trailing /v1 so the incoming /v1/... path does not
// double up when joined with the backend base.
func baseWithoutV1(base string) string {
	base = strings.TrimRight(base, "/")
	return strings.TrimSuffix(base, "/v1")
}

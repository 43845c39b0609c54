package backend

import "net/http"

// proxyReferer and proxyTitle identify the proxy to aggregators that
// require attribution headers.
const (
	proxyReferer = "https://github.com/toolbridge/proxy"
	proxyTitle   = "toolbridge"
)

// passthroughHeaders is the allow-list of client headers forwarded to
// OpenAI-shaped backends.
var passthroughHeaders = []string{
	"openai-organization",
	"openai-project",
	"user-agent",
	"x-custom-header",
}

// Headers assembles the outgoing header set. A configured API key wins;
// otherwise the client's own Authorization passes through, but only to
// OpenAI-shaped backends since Ollama has no auth of its own.
func Headers(apiKey string, incoming http.Header, openAIShaped bool) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("HTTP-Referer", proxyReferer)
	h.Set("X-Title", proxyTitle)

	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	} else if openAIShaped {
		if auth := incoming.Get("Authorization"); auth != "" {
			h.Set("Authorization", auth)
		}
	}

	if openAIShaped {
		for _, name := range passthroughHeaders {
			if v := incoming.Get(name); v != "" {
				h.Set(name, v)
			}
		}
	}
	return h
}

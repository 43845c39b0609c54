package messages

// Provider identifies a wire format spoken by a client or backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// FinishReason indicates why the model stopped generating
type FinishReason string

const (
	// FinishReasonStop indicates normal completion
	FinishReasonStop FinishReason = "stop"
	// FinishReasonLength indicates the response was truncated due to token limit
	FinishReasonLength FinishReason = "length"
	// FinishReasonToolCalls indicates the model wants to use tools
	FinishReasonToolCalls FinishReason = "tool_calls"
	// FinishReasonContentFilter indicates the response was blocked by safety/policy
	FinishReasonContentFilter FinishReason = "content_filter"
	// FinishReasonNone is used on stream chunks that are not terminal
	FinishReasonNone FinishReason = ""
)

// Standard role constants
const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleTool      = "tool"
)

// ToolCall represents a tool call within a message
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON string of arguments
	Index     int    // slot for incremental accumulation on stream deltas
}

// Message represents a provider-agnostic chat message
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // For tool response messages
}

// Tool describes a function the model may call. Name doubles as the XML
// root tag the model is instructed to emit.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema-like parameter mapping
}

// ToolNames returns the set of declared tool names in request order.
func ToolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

// ToolChoice mirrors the OpenAI tool_choice field: a mode string or a
// specific function name.
type ToolChoice struct {
	Mode         string // "auto", "none", "required" or "function"
	FunctionName string // set when Mode is "function"
}

// ResponseFormat selects the output shape requested by the client.
type ResponseFormat string

const (
	ResponseFormatText       ResponseFormat = "text"
	ResponseFormatJSONObject ResponseFormat = "json_object"
	ResponseFormatJSONSchema ResponseFormat = "json_schema"
)

// GenericRequest is the provider-neutral intermediate representation of a
// chat request. Converters translate it to and from the OpenAI and Ollama
// wire shapes; capability filtering and tool-instruction injection operate
// on it directly.
type GenericRequest struct {
	Provider Provider // source format the request arrived in
	Model    string
	Messages []Message

	// Sampling
	MaxTokens         int
	Temperature       *float64
	TopP              *float64
	TopK              *int
	RepetitionPenalty *float64
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	Seed              *int
	Stop              []string

	// Tooling
	Tools             []Tool
	ToolChoice        *ToolChoice
	ParallelToolCalls *bool

	// Shape
	ResponseFormat ResponseFormat
	JSONSchema     map[string]any // set when ResponseFormat is json_schema
	Stream         bool
	IncludeUsage   bool // stream_options.include_usage
	N              int
	LogProbs       bool

	// Extensions carries provider-specific fields through untouched.
	Extensions map[string]any
}

// Usage carries token accounting for a completed request or stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Choice is one completion alternative in a batched response.
type Choice struct {
	Index        int
	Message      Message
	FinishReason FinishReason
}

// StreamChoice is one completion alternative in a stream chunk.
type StreamChoice struct {
	Index        int
	Delta        Message
	FinishReason FinishReason
}

// GenericResponse is the neutral representation of a batched completion.
type GenericResponse struct {
	ID       string
	Created  int64 // unix seconds
	Model    string
	Provider Provider
	Choices  []Choice
	Usage    *Usage
}

// GenericStreamChunk is the neutral representation of one streaming delta.
type GenericStreamChunk struct {
	ID       string
	Created  int64
	Model    string
	Provider Provider
	Choices  []StreamChoice
	Usage    *Usage
}

// FirstContent returns the content of the first choice, if any.
func (r *GenericResponse) FirstContent() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

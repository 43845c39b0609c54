package convert

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewCompletionID produces an OpenAI-style completion identifier for
// responses synthesized from backends that do not provide one.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewToolCallID produces an identifier for a synthesized tool call.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// newToolCallID derives a stable per-index ID for tool calls lifted from a
// backend that numbers rather than names them.
func newToolCallID(index int) string {
	return fmt.Sprintf("call_%d_%s", index, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

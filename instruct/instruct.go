// Package instruct renders the XML tool-use protocol into system prompts
// and decides when a conversation needs the instructions injected or
// refreshed.
package instruct

import (
	"fmt"
	"sort"
	"strings"

	"github.com/toolbridge/proxy/messages"
	"github.com/toolbridge/proxy/xmltool"
)

// Marker strings used for de-duplication. A message containing either is
// considered to already carry the tool instructions.
const (
	Marker    = "# TOOL USAGE INSTRUCTIONS"
	AltMarker = "<toolbridge_calls>"

	// ReminderMarker tags re-injected reminders so they are never stacked.
	ReminderMarker = "# TOOL USAGE REMINDER"
)

// reminderWindow is how many trailing messages are checked for an existing
// reminder before another one is inserted.
const reminderWindow = 6

// Config controls re-injection. Zero values disable it.
type Config struct {
	Enabled      bool
	MessageCount int    // messages since last system message before refreshing
	TokenCount   int    // estimated tokens since last system message before refreshing
	Role         string // "system" or "user"; empty selects automatically
}

// DefaultConfig matches the documented re-injection thresholds.
func DefaultConfig() Config {
	return Config{Enabled: true, MessageCount: 3, TokenCount: 1000}
}

// EstimateTokens approximates token count as ceil(len/4), the usual rough
// chars-per-token ratio.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Render produces the instruction block listing every tool, one worked
// example using the first tool, and the protocol rules.
func Render(tools []messages.Tool) string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("\n\nYou have access to the following tools:\n\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		if params := renderParams(t); params != "" {
			b.WriteString(" | params ")
			b.WriteString(params)
		}
		b.WriteByte('\n')
	}

	if len(tools) > 0 {
		b.WriteString("\nTo call a tool, emit exactly this XML structure:\n\n")
		b.WriteString(xmltool.WrapperOpen)
		b.WriteByte('\n')
		b.WriteString(renderExample(tools[0]))
		b.WriteString(xmltool.WrapperClose)
		b.WriteByte('\n')
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Emit the XML block on its own, with no surrounding prose or code fences.\n")
	b.WriteString("- One element per call; the element name is the tool name.\n")
	b.WriteString("- Each argument is a child element named after the parameter.\n")
	b.WriteString("- After emitting a call, stop and wait for the tool result.\n")
	return b.String()
}

// renderParams lists a tool's parameters as "p1*:type, p2:type" with the
// asterisk marking required parameters.
func renderParams(t messages.Tool) string {
	props, _ := t.Parameters["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	if req, ok := t.Parameters["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	if req, ok := t.Parameters["required"].([]string); ok {
		for _, s := range req {
			required[s] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "string"
		if pm, ok := props[name].(map[string]any); ok {
			if ts, ok := pm["type"].(string); ok && ts != "" {
				typ = ts
			}
		}
		star := ""
		if required[name] {
			star = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s:%s", name, star, typ))
	}
	return strings.Join(parts, ", ")
}

// renderExample builds a minimal invocation of the given tool using its
// first required parameter, or its first parameter when none are required.
func renderExample(t messages.Tool) string {
	param := "input"
	if props, ok := t.Parameters["properties"].(map[string]any); ok && len(props) > 0 {
		if req, ok := t.Parameters["required"].([]any); ok && len(req) > 0 {
			if s, ok := req[0].(string); ok {
				param = s
			}
		} else if req, ok := t.Parameters["required"].([]string); ok && len(req) > 0 {
			param = req[0]
		} else {
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			param = names[0]
		}
	}
	return fmt.Sprintf("<%s>\n  <%s>value</%s>\n</%s>\n", t.Name, param, param, t.Name)
}

// hasMarker reports whether a message already carries the instructions.
func hasMarker(content string) bool {
	return strings.Contains(content, Marker) || strings.Contains(content, AltMarker)
}

// Inject adds the rendered instruction block to the conversation. An
// existing system message gets the block appended once; otherwise a new
// leading system message is created. Idempotent: a message already carrying
// a marker is left alone.
func Inject(msgs []messages.Message, tools []messages.Tool) []messages.Message {
	if len(tools) == 0 {
		return msgs
	}

	block := Render(tools)
	for i, m := range msgs {
		if m.Role != messages.MessageRoleSystem {
			continue
		}
		if hasMarker(m.Content) {
			return msgs
		}
		out := make([]messages.Message, len(msgs))
		copy(out, msgs)
		out[i].Content = m.Content + "\n\n---\n\n" + block +
			"\nThese are the only tools available to you; do not invent others.\n"
		return out
	}

	lead := messages.Message{
		Role: messages.MessageRoleSystem,
		Content: "You can call tools to help answer the user.\n\n" + block +
			"\nThese are the only tools available to you; do not invent others.\n",
	}
	out := make([]messages.Message, 0, len(msgs)+1)
	out = append(out, lead)
	out = append(out, msgs...)
	return out
}

// Reinject inserts a short protocol reminder when the conversation has
// drifted far enough past the last system message: more than
// cfg.MessageCount messages or more than cfg.TokenCount estimated tokens.
// It never stacks; any reminder within the trailing window suppresses a new
// one. The reminder's role is system while the conversation holds at most
// one system message, otherwise user, because stacked heavy system messages
// make some models ignore both.
func Reinject(msgs []messages.Message, tools []messages.Tool, cfg Config) []messages.Message {
	if !cfg.Enabled || len(tools) == 0 || len(msgs) == 0 {
		return msgs
	}

	lastSystem := -1
	systemCount := 0
	for i, m := range msgs {
		if m.Role == messages.MessageRoleSystem {
			lastSystem = i
			systemCount++
		}
	}
	if lastSystem < 0 {
		return msgs
	}

	since := msgs[lastSystem+1:]
	tokens := 0
	for _, m := range since {
		tokens += EstimateTokens(m.Content)
	}
	if len(since) <= cfg.MessageCount && tokens <= cfg.TokenCount {
		return msgs
	}

	start := len(msgs) - reminderWindow
	if start < 0 {
		start = 0
	}
	for _, m := range msgs[start:] {
		if strings.Contains(m.Content, ReminderMarker) {
			return msgs
		}
	}

	role := cfg.Role
	if role == "" {
		role = messages.MessageRoleSystem
		if systemCount > 1 {
			role = messages.MessageRoleUser
		}
	}

	reminder := messages.Message{
		Role: role,
		Content: ReminderMarker + "\n\nThe XML tool protocol is still in effect. " +
			"Call tools by emitting " + xmltool.WrapperOpen + "..." + xmltool.WrapperClose +
			" with one element per call named after the tool.",
	}
	out := make([]messages.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	out = append(out, reminder)
	return out
}

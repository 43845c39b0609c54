package xmltool

import (
	"strconv"
	"strings"
)

// verbatimChildren are argument names whose inner text is preserved exactly,
// with no entity decoding. Models put source code and markup in these.
var verbatimChildren = map[string]bool{
	"code": true, "html": true, "markdown": true, "md": true,
	"body": true, "content": true,
}

// thinkVerbatim are children of a root named "think" that keep their text
// untouched.
var thinkVerbatim = map[string]bool{"points": true, "thoughts": true}

// ToolCall is the result of extracting one invocation from model text.
type ToolCall struct {
	Name      string
	Arguments map[string]any
	Raw       string // inner text when no structured arguments were found

	// Start and End bound the recognized region in the input passed to
	// ExtractToolCall, wrapper included when present. Streaming processors
	// use them to flush preceding prose and retain trailing text.
	Start int
	End   int
}

// ExtractToolCall finds the first well-formed (or recoverable) element whose
// local name is a known tool and builds its argument mapping. Malformed
// input yields ok=false, never an error.
func ExtractToolCall(text string, toolNames []string) (*ToolCall, bool) {
	if text == "" || len(toolNames) == 0 {
		return nil, false
	}

	search := text
	base := 0

	// Unwrap a ```xml fence if the whole payload is fenced.
	if idx := strings.Index(search, "```xml"); idx >= 0 {
		inner := search[idx+len("```xml"):]
		if end := strings.Index(inner, "```"); end >= 0 {
			search = inner[:end]
			base += idx + len("```xml")
		}
	}

	// Locate the earliest opening tag of a known tool.
	start, name := findToolOpen(search, toolNames)
	if start < 0 {
		return nil, false
	}

	end := balanceElement(search, start, name)
	if end < 0 {
		// Unbalanced document: recover by taking everything up to the next
		// textual close tag for the opening name.
		end = recoverClose(search, start, name)
		if end < 0 {
			return nil, false
		}
	}

	element := search[start:end]
	inner := elementInner(element)

	call := &ToolCall{
		Name:  localName(name),
		Start: base + start,
		End:   base + end,
	}

	// If a wrapper envelope surrounds the element, widen the bounds so the
	// caller does not re-emit wrapper fragments as content.
	if wrapStart := strings.LastIndex(text[:call.Start], WrapperOpen); wrapStart >= 0 {
		between := text[wrapStart+len(WrapperOpen) : call.Start]
		if strings.TrimSpace(between) == "" {
			call.Start = wrapStart
			if wrapEnd := strings.Index(text[call.End:], WrapperClose); wrapEnd >= 0 {
				call.End += wrapEnd + len(WrapperClose)
			}
		}
	}

	args := parseArguments(inner, call.Name)
	if args == nil {
		call.Raw = strings.TrimSpace(DecodeEntities(inner))
	} else {
		call.Arguments = args
	}
	return call, true
}

// findToolOpen returns the byte offset and full tag name of the earliest
// opening tag whose local name matches a known tool, skipping comments,
// CDATA sections and processing instructions.
func findToolOpen(text string, toolNames []string) (int, string) {
	i := 0
	for i < len(text) {
		j := strings.IndexByte(text[i:], '<')
		if j < 0 {
			return -1, ""
		}
		i += j
		if skipped, ok := skipNonElement(text, i); ok {
			i = skipped
			continue
		}
		if i+1 < len(text) && text[i+1] == '/' {
			i += 2
			continue
		}
		name := tagNameAt(text, i+1)
		if name != "" {
			local := localName(name)
			for _, t := range toolNames {
				if strings.EqualFold(local, t) {
					return i, name
				}
			}
		}
		i++
	}
	return -1, ""
}

// skipNonElement advances past comments, CDATA and processing instructions
// starting at a '<'. Returns the new offset and true when one was skipped.
func skipNonElement(text string, i int) (int, bool) {
	switch {
	case strings.HasPrefix(text[i:], "<!--"):
		if end := strings.Index(text[i+4:], "-->"); end >= 0 {
			return i + 4 + end + 3, true
		}
		return len(text), true
	case strings.HasPrefix(text[i:], "<![CDATA["):
		if end := strings.Index(text[i+9:], "]]>"); end >= 0 {
			return i + 9 + end + 3, true
		}
		return len(text), true
	case strings.HasPrefix(text[i:], "<?"):
		if end := strings.Index(text[i+2:], "?>"); end >= 0 {
			return i + 2 + end + 2, true
		}
		return len(text), true
	}
	return i, false
}

// balanceElement scans from the opening tag at start and returns the offset
// one past the matching close tag, balancing nested elements of the same
// local name. Quoted attribute values, comments, CDATA and processing
// instructions are skipped. Returns -1 when the document is unbalanced.
func balanceElement(text string, start int, name string) int {
	local := strings.ToLower(localName(name))
	depth := 0
	i := start
	for i < len(text) {
		j := strings.IndexByte(text[i:], '<')
		if j < 0 {
			return -1
		}
		i += j
		if skipped, ok := skipNonElement(text, i); ok {
			i = skipped
			continue
		}
		closing := i+1 < len(text) && text[i+1] == '/'
		nameStart := i + 1
		if closing {
			nameStart = i + 2
		}
		tag := tagNameAt(text, nameStart)
		tagEnd, selfClosing := scanTagEnd(text, nameStart+len(tag))
		if tagEnd < 0 {
			return -1
		}
		if strings.ToLower(localName(tag)) == local {
			if closing {
				depth--
				if depth == 0 {
					return tagEnd
				}
			} else if !selfClosing {
				depth++
			} else if depth == 0 {
				// Self-closing root: the element is the whole region.
				return tagEnd
			}
		}
		i = tagEnd
	}
	return -1
}

// scanTagEnd finds the '>' closing a tag, honoring quoted attribute values.
// Returns the offset one past '>' and whether the tag was self-closing.
func scanTagEnd(text string, i int) (int, bool) {
	var quote byte
	selfClosing := false
	for ; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '/':
			selfClosing = true
		case '>':
			return i + 1, selfClosing
		default:
			if c != ' ' && c != '\t' && c != '\r' && c != '\n' && c != '=' {
				selfClosing = false
			}
		}
	}
	return -1, false
}

// recoverClose synthesizes an element region for unbalanced input by taking
// the next textual close tag matching the opening local name.
func recoverClose(text string, start int, name string) int {
	local := strings.ToLower(localName(name))
	lower := strings.ToLower(text)
	i := start
	for i < len(lower) {
		j := strings.Index(lower[i:], "</")
		if j < 0 {
			return -1
		}
		i += j
		closeName := tagNameAt(lower, i+2)
		if localName(closeName) == local {
			if end := strings.IndexByte(lower[i:], '>'); end >= 0 {
				return i + end + 1
			}
			return -1
		}
		i += 2
	}
	return -1
}

// elementInner strips the opening and closing tags from a balanced element.
func elementInner(element string) string {
	open := strings.IndexByte(element, '>')
	if open < 0 {
		return ""
	}
	// Self-closing element has no inner text.
	if open >= 1 && element[open-1] == '/' {
		return ""
	}
	closeIdx := strings.LastIndex(element, "</")
	if closeIdx < 0 || closeIdx < open {
		return ""
	}
	return element[open+1 : closeIdx]
}

// parseArguments builds the argument mapping from an element's inner text.
// Returns nil when the inner text has no child elements.
func parseArguments(inner, rootName string) map[string]any {
	children := childElements(inner)
	if len(children) == 0 {
		return nil
	}

	args := make(map[string]any)
	order := make([]string, 0, len(children))
	grouped := make(map[string][]string)
	for _, c := range children {
		if _, seen := grouped[c.name]; !seen {
			order = append(order, c.name)
		}
		grouped[c.name] = append(grouped[c.name], c.inner)
	}

	for _, name := range order {
		values := grouped[name]
		if len(values) == 1 {
			args[name] = childValue(name, values[0], rootName)
			continue
		}
		// Repeated child names aggregate into an ordered sequence.
		list := make([]any, 0, len(values))
		for _, v := range values {
			list = append(list, childValue(name, v, rootName))
		}
		args[name] = list
	}

	// A lone repeated <item> child collapses to the raw list.
	if len(args) == 1 {
		if items, ok := args["item"].([]any); ok {
			return map[string]any{"item": items}
		}
	}
	return args
}

type child struct {
	name  string
	inner string
}

// childElements collects the immediate child elements of inner text.
func childElements(inner string) []child {
	var out []child
	i := 0
	for i < len(inner) {
		j := strings.IndexByte(inner[i:], '<')
		if j < 0 {
			break
		}
		i += j
		if skipped, ok := skipNonElement(inner, i); ok {
			i = skipped
			continue
		}
		if i+1 < len(inner) && inner[i+1] == '/' {
			i += 2
			continue
		}
		name := tagNameAt(inner, i+1)
		if name == "" {
			i++
			continue
		}
		end := balanceElement(inner, i, name)
		if end < 0 {
			end = recoverClose(inner, i, name)
			if end < 0 {
				// Treat the unterminated child as running to the end.
				if tagEnd, _ := scanTagEnd(inner, i+1+len(name)); tagEnd > 0 {
					out = append(out, child{name: localName(name), inner: inner[tagEnd:]})
				}
				break
			}
		}
		out = append(out, child{name: localName(name), inner: elementInner(inner[i:end])})
		i = end
	}
	return out
}

// childValue converts one child's inner text into its typed value.
func childValue(name, inner, rootName string) any {
	if verbatimChildren[strings.ToLower(name)] {
		return inner
	}
	if strings.EqualFold(rootName, "think") && thinkVerbatim[strings.ToLower(name)] {
		return inner
	}

	// Nested elements recurse into a mapping.
	if nested := childElements(inner); len(nested) > 0 {
		m := parseArguments(inner, rootName)
		if m != nil {
			// {item: [...]} collapses to the bare list.
			if items, ok := m["item"]; ok && len(m) == 1 {
				if list, isList := items.([]any); isList {
					return list
				}
			}
			return m
		}
	}

	return coerceLeaf(inner)
}

// coerceLeaf types a markup-free leaf: booleans, numbers that round-trip
// exactly, otherwise a decoded string.
func coerceLeaf(inner string) any {
	s := strings.TrimSpace(inner)

	// CDATA content is literal.
	if strings.HasPrefix(s, "<![CDATA[") && strings.HasSuffix(s, "]]>") {
		return s[9 : len(s)-3]
	}

	switch s {
	case "true":
		return true
	case "false":
		return false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if strconv.FormatInt(n, 10) == s {
			return n
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if strconv.FormatFloat(f, 'g', -1, 64) == s {
			return f
		}
	}

	return DecodeEntities(s)
}

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&#39;", "'",
	"&nbsp;", " ",
	"&amp;", "&",
)

// DecodeEntities resolves the small entity set models actually emit. The
// replacer runs a single pass, so "&amp;lt;" decodes to "&lt;" and no
// further.
func DecodeEntities(s string) string {
	return entityReplacer.Replace(s)
}

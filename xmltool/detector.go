// Package xmltool classifies and parses XML-shaped tool invocations found
// in model output. The parser is deliberately tolerant: model-emitted XML is
// frequently unbalanced, fenced, or interleaved with prose, so everything
// here recovers rather than rejects.
package xmltool

import "strings"

// WrapperOpen and WrapperClose delimit the envelope the model is instructed
// to emit around one or more tool invocations. Bare tool-root elements
// without the wrapper are accepted too.
const (
	WrapperOpen  = "<toolbridge:calls>"
	WrapperClose = "</toolbridge:calls>"

	wrapperLocal = "toolbridge:calls"
)

// DefaultHTMLTags are element names that mark a buffer as ordinary HTML or
// markdown output rather than a tool call. The list is extensible through
// configuration.
var DefaultHTMLTags = []string{
	"div", "span", "p", "h1", "h2", "h3", "h4", "h5", "h6",
	"ul", "ol", "li", "table", "tr", "td", "th",
	"style", "script", "html", "head", "body", "form", "input", "button",
	"a", "img", "br", "hr", "pre", "code", "blockquote",
	"strong", "em", "b", "i",
}

// Detection is the result of classifying a text buffer against a set of
// known tool names.
type Detection struct {
	RootTag         string // local name of the first recognized tool element
	IsPotential     bool   // buffer could still grow into a tool call
	MightBeToolCall bool   // buffer is or may become a tool call
	IsCompleteXML   bool   // a recognized element is already closed
}

// Detect classifies text as definitely-not, maybe, or a complete tool call.
// htmlTags may be nil, in which case DefaultHTMLTags applies. Pure: no state
// is kept between calls.
func Detect(text string, toolNames []string, htmlTags []string) Detection {
	if htmlTags == nil {
		htmlTags = DefaultHTMLTags
	}

	trimmed := strings.TrimLeft(text, " \t\r\n")
	if trimmed == "" {
		return Detection{}
	}

	// Leading HTML-ish element means markdown/HTML prose, not a tool call.
	// This keeps the processor from buffering ordinary formatted output.
	if strings.HasPrefix(trimmed, "<") {
		name := tagNameAt(trimmed, 1)
		for _, h := range htmlTags {
			if strings.EqualFold(name, h) {
				return Detection{}
			}
		}
	}

	// Complete known element anywhere in the buffer?
	if root, ok := firstKnownTag(text, toolNames); ok {
		d := Detection{RootTag: root, MightBeToolCall: true, IsPotential: true}
		if containsCloseTag(text, root) {
			d.IsCompleteXML = true
		}
		return d
	}

	// Closed wrapper counts as complete even before the inner element is
	// recognized; the parser will sort out what is inside.
	if strings.Contains(text, WrapperOpen) {
		d := Detection{RootTag: wrapperLocal, MightBeToolCall: true, IsPotential: true}
		if strings.Contains(text, WrapperClose) {
			d.IsCompleteXML = true
		}
		return d
	}

	// A '<' followed by a prefix of a known tool name (or of the wrapper)
	// may still become a tool call once more of the stream arrives.
	if hasPotentialPrefix(text, toolNames) {
		return Detection{IsPotential: true, MightBeToolCall: true}
	}

	return Detection{}
}

// tagNameAt reads an element name starting at offset i, stopping at the
// first character that cannot be part of a name.
func tagNameAt(s string, i int) string {
	j := i
	for j < len(s) {
		c := s[j]
		if c == '>' || c == '/' || c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			break
		}
		j++
	}
	return s[i:j]
}

// localName strips a namespace prefix, so "ns:search" matches tool "search".
func localName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// firstKnownTag finds the first opening tag whose local name equals a known
// tool name, case-insensitively.
func firstKnownTag(text string, toolNames []string) (string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		if i+1 >= len(text) || text[i+1] == '/' || text[i+1] == '!' || text[i+1] == '?' {
			continue
		}
		name := tagNameAt(text, i+1)
		if name == "" {
			continue
		}
		local := localName(name)
		for _, t := range toolNames {
			if strings.EqualFold(local, t) {
				return local, true
			}
		}
	}
	return "", false
}

// containsCloseTag reports whether a textual close tag for name appears,
// with or without a namespace prefix.
func containsCloseTag(text, name string) bool {
	lower := strings.ToLower(text)
	needle := strings.ToLower(name)
	for i := 0; i < len(lower); i++ {
		j := strings.Index(lower[i:], "</")
		if j < 0 {
			return false
		}
		i += j
		closeName := tagNameAt(lower, i+2)
		if localName(closeName) == needle {
			return true
		}
		i += 1 // resume after '<'
	}
	return false
}

// hasPotentialPrefix reports whether any '<' begins a fragment that is a
// prefix of a known tool name or of the wrapper tag.
func hasPotentialPrefix(text string, toolNames []string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		frag := tagNameAt(text, i+1)
		// A bare '<' at the end of the buffer can become anything.
		if frag == "" && i == len(text)-1 {
			return true
		}
		if frag == "" {
			continue
		}
		// Only an unterminated trailing fragment can still grow.
		if i+1+len(frag) != len(text) {
			continue
		}
		lfrag := strings.ToLower(frag)
		if strings.HasPrefix(wrapperLocal, lfrag) {
			return true
		}
		for _, t := range toolNames {
			lt := strings.ToLower(t)
			if strings.HasPrefix(lt, lfrag) || strings.HasPrefix(lfrag, lt+":") {
				return true
			}
			// Namespaced form: prefix before ':' then the tool name.
			if j := strings.IndexByte(lfrag, ':'); j >= 0 && strings.HasPrefix(lt, lfrag[j+1:]) {
				return true
			}
		}
	}
	return false
}

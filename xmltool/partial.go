package xmltool

// TailKeep is how much of an overgrown partial buffer survives truncation.
// The tail is kept because it is the part most likely to complete an open
// element.
const TailKeep = 10 * 1024

// Partial tracks whether the content buffered so far during a stream is,
// might become, or is not a tool call. One instance lives per active
// stream; Reset is called whenever classification flips to definitely-not
// or a complete call is emitted.
type Partial struct {
	RootTag         string
	MightBeToolCall bool
	IdentifiedTool  string
	Buffer          string

	toolNames []string
	htmlTags  []string
	maxSize   int
}

// NewPartial creates partial state for one stream. maxSize caps the buffer;
// zero means no cap.
func NewPartial(toolNames, htmlTags []string, maxSize int) *Partial {
	return &Partial{toolNames: toolNames, htmlTags: htmlTags, maxSize: maxSize}
}

// Append adds a content delta and reclassifies the buffer. The returned
// overflow holds text evicted by the size cap; callers flush it downstream
// as plain content.
func (p *Partial) Append(delta string) (d Detection, overflow string) {
	p.Buffer += delta
	if p.maxSize > 0 && len(p.Buffer) > p.maxSize {
		cut := len(p.Buffer) - TailKeep
		if cut < 0 {
			cut = 0
		}
		overflow = p.Buffer[:cut]
		p.Buffer = p.Buffer[cut:]
	}
	d = Detect(p.Buffer, p.toolNames, p.htmlTags)
	p.MightBeToolCall = d.MightBeToolCall
	p.RootTag = d.RootTag
	if d.RootTag != "" && d.RootTag != wrapperLocal {
		p.IdentifiedTool = d.RootTag
	}
	return d, overflow
}

// Extract attempts to pull a complete tool call out of the buffer. On
// success the matched region is consumed: preceding text is returned for
// flushing and trailing text stays buffered.
func (p *Partial) Extract() (call *ToolCall, prefix string, ok bool) {
	c, found := ExtractToolCall(p.Buffer, p.toolNames)
	if !found {
		return nil, "", false
	}
	prefix = p.Buffer[:c.Start]
	p.Buffer = p.Buffer[c.End:]
	p.MightBeToolCall = false
	p.RootTag = ""
	p.IdentifiedTool = ""
	return c, prefix, true
}

// Drain empties the buffer, returning its contents for flushing.
func (p *Partial) Drain() string {
	s := p.Buffer
	p.Reset()
	return s
}

// Reset clears all partial state.
func (p *Partial) Reset() {
	p.Buffer = ""
	p.RootTag = ""
	p.MightBeToolCall = false
	p.IdentifiedTool = ""
}

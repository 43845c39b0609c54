package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/toolbridge/proxy/messages"
)

// recordingEmitter captures everything the processor emits, with events
// holding the call sequence in order.
type recordingEmitter struct {
	events     []string
	contents   []string
	synthetic  []string // "name|args"
	native     int
	finishes   []messages.FinishReason
	usage      *messages.Usage
	doneCount  int
	errorCount int
}

func (r *recordingEmitter) Content(text string) error {
	r.events = append(r.events, "content:"+text)
	r.contents = append(r.contents, text)
	return nil
}

func (r *recordingEmitter) SyntheticToolCall(name, argsJSON string) error {
	r.events = append(r.events, "tool:"+name)
	r.synthetic = append(r.synthetic, name+"|"+argsJSON)
	return nil
}

func (r *recordingEmitter) NativeToolCallDelta(calls []messages.ToolCall) error {
	r.native++
	return nil
}

func (r *recordingEmitter) Finish(reason messages.FinishReason, _ []messages.ToolCall) error {
	r.events = append(r.events, "finish:"+string(reason))
	r.finishes = append(r.finishes, reason)
	return nil
}

func (r *recordingEmitter) Usage(u *messages.Usage) error {
	r.usage = u
	return nil
}

func (r *recordingEmitter) Done() error {
	r.events = append(r.events, "done")
	r.doneCount++
	return nil
}

func (r *recordingEmitter) Error(string) error {
	r.errorCount++
	return nil
}

func (r *recordingEmitter) allContent() string {
	return strings.Join(r.contents, "")
}

var streamTools = []messages.Tool{{
	Name: "get_weather",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
	},
}}

func contentChunk(text string) *messages.GenericStreamChunk {
	return &messages.GenericStreamChunk{
		Choices: []messages.StreamChoice{{Delta: messages.Message{Content: text}}},
	}
}

func finishChunk(reason messages.FinishReason) *messages.GenericStreamChunk {
	return &messages.GenericStreamChunk{
		Choices: []messages.StreamChoice{{FinishReason: reason}},
	}
}

func feed(t *testing.T, p *Processor, chunks ...*messages.GenericStreamChunk) {
	t.Helper()
	for _, ch := range chunks {
		if err := p.OnChunk(ch); err != nil {
			t.Fatalf("OnChunk: %v", err)
		}
	}
	if err := p.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

// TestProcessorPlainPassthrough verifies ordinary content streams straight
// through and the terminal framing is synthesized when no finish arrives
func TestProcessorPlainPassthrough(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p, contentChunk("Hello "), contentChunk("world"))

	if em.allContent() != "Hello world" {
		t.Errorf("content = %q", em.allContent())
	}
	if len(em.finishes) != 1 || em.finishes[0] != messages.FinishReasonStop {
		t.Errorf("finishes = %v", em.finishes)
	}
	if em.doneCount != 1 {
		t.Errorf("doneCount = %d", em.doneCount)
	}
}

// TestProcessorDetectsSplitToolCall verifies a call split across many
// deltas buffers, emits one synthetic sequence, and flushes no XML text
func TestProcessorDetectsSplitToolCall(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p,
		contentChunk("<get_wea"),
		contentChunk("ther><city>Par"),
		contentChunk("is</city></get_weather>"),
		finishChunk(messages.FinishReasonStop),
	)

	if len(em.synthetic) != 1 {
		t.Fatalf("synthetic = %v", em.synthetic)
	}
	if !strings.HasPrefix(em.synthetic[0], "get_weather|") {
		t.Errorf("synthetic = %q", em.synthetic[0])
	}
	var args map[string]any
	json.Unmarshal([]byte(strings.SplitN(em.synthetic[0], "|", 2)[1]), &args)
	if args["city"] != "Paris" {
		t.Errorf("args = %v", args)
	}
	if em.allContent() != "" {
		t.Errorf("XML leaked as content: %q", em.allContent())
	}
	// The backend's own stop finish is suppressed after the synthetic call
	if len(em.finishes) != 0 {
		t.Errorf("finishes = %v", em.finishes)
	}
	if !p.ToolCallSent() {
		t.Error("ToolCallSent should report true")
	}
}

// TestProcessorProseBeforeCall verifies text preceding the tool element is
// flushed as content before the synthetic sequence
func TestProcessorProseBeforeCall(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p, contentChunk("Let me check. <get_weather><city>Rome</city></get_weather>"))

	if got := em.allContent(); got != "Let me check. " {
		t.Errorf("content = %q", got)
	}
	if len(em.synthetic) != 1 {
		t.Fatalf("synthetic = %v", em.synthetic)
	}
}

// TestProcessorSuppressesPostToolProse verifies content after the emitted
// call is discarded, preserving the one-call-per-stream invariant
func TestProcessorSuppressesPostToolProse(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p,
		contentChunk("<get_weather><city>Oslo</city></get_weather>"),
		contentChunk("I have called the tool for you!"),
		contentChunk("<get_weather><city>Bergen</city></get_weather>"),
	)

	if len(em.synthetic) != 1 {
		t.Errorf("synthetic = %v, want exactly one", em.synthetic)
	}
	if em.allContent() != "" {
		t.Errorf("post-tool prose leaked: %q", em.allContent())
	}
}

// TestProcessorFalsePositiveFlush verifies a buffer that stops looking like
// a tool call is flushed intact
func TestProcessorFalsePositiveFlush(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	// "<get" could become <get_weather>, then "<getty images>" resolves as not
	feed(t, p, contentChunk("see <get"), contentChunk("ty images> for photos"))

	if em.allContent() != "see <getty images> for photos" {
		t.Errorf("content = %q", em.allContent())
	}
	if len(em.synthetic) != 0 {
		t.Errorf("synthetic = %v", em.synthetic)
	}
}

// TestProcessorHTMLPassthrough verifies HTML output never buffers
func TestProcessorHTMLPassthrough(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p, contentChunk("<div>hello</div>"))

	if em.allContent() != "<div>hello</div>" {
		t.Errorf("content = %q", em.allContent())
	}
}

// TestProcessorEndOfStreamExtraction verifies the final pass catches a call
// whose close tag arrived in the last delta with no finish chunk after it
func TestProcessorEndOfStreamExtraction(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	if err := p.OnChunk(contentChunk("<get_weather><city>Nice</city>")); err != nil {
		t.Fatal(err)
	}
	if err := p.OnChunk(contentChunk("</get_weather>")); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	if len(em.synthetic) != 1 {
		t.Errorf("synthetic = %v", em.synthetic)
	}
}

// TestProcessorFinishFlushesResidualFirst verifies a buffered fragment is
// flushed as content before the finish marker when the backend terminates
// mid-detection
func TestProcessorFinishFlushesResidualFirst(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p, contentChunk("hello <get_we"), finishChunk(messages.FinishReasonStop))

	want := []string{"content:hello <get_we", "finish:stop", "done"}
	if len(em.events) != len(want) {
		t.Fatalf("events = %v", em.events)
	}
	for i, e := range want {
		if em.events[i] != e {
			t.Fatalf("events = %v, want %v", em.events, want)
		}
	}
}

// TestProcessorFinishExtractsResidualCall verifies a buffered call that only
// resolves at the finish chunk goes out as the tool-call sequence, with the
// backend's own terminator dropped
func TestProcessorFinishExtractsResidualCall(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	// A self-closing element has no textual close tag, so detection keeps
	// buffering until the stream ends.
	feed(t, p, contentChunk("<get_weather/>"), finishChunk(messages.FinishReasonStop))

	if len(em.synthetic) != 1 || !strings.HasPrefix(em.synthetic[0], "get_weather|") {
		t.Fatalf("synthetic = %v", em.synthetic)
	}
	if len(em.finishes) != 0 {
		t.Errorf("finishes = %v, want backend terminator dropped", em.finishes)
	}
	if em.allContent() != "" {
		t.Errorf("content = %q", em.allContent())
	}
	if em.doneCount != 1 {
		t.Errorf("doneCount = %d", em.doneCount)
	}
}

// TestProcessorUnfinishedBufferFlushes verifies an incomplete element is
// flushed as plain content at end of stream
func TestProcessorUnfinishedBufferFlushes(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p, contentChunk("<get_weather><city>Nice"))

	if em.allContent() != "<get_weather><city>Nice" {
		t.Errorf("content = %q", em.allContent())
	}
	if len(em.synthetic) != 0 {
		t.Errorf("synthetic = %v", em.synthetic)
	}
}

// TestProcessorBufferCap verifies oversized buffers evict their head as
// content instead of growing without bound
func TestProcessorBufferCap(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 12*1024)

	big := "<get_weather>" + strings.Repeat("x", 20*1024)
	feed(t, p, contentChunk(big))

	if em.allContent() == "" {
		t.Error("expected overflow flushed as content")
	}
	if !strings.HasPrefix(em.allContent(), "<get_weather>") {
		t.Errorf("overflow should start with the evicted head")
	}
}

// TestProcessorNativeToolCalls verifies native deltas forward and are never
// suppressed, and the finish reason passes through
func TestProcessorNativeToolCalls(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p,
		&messages.GenericStreamChunk{Choices: []messages.StreamChoice{{
			Delta: messages.Message{ToolCalls: []messages.ToolCall{{
				Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{"ci`,
			}}},
		}}},
		&messages.GenericStreamChunk{Choices: []messages.StreamChoice{{
			Delta: messages.Message{ToolCalls: []messages.ToolCall{{
				Index: 0, Arguments: `ty":"Paris"}`,
			}}},
		}}},
		finishChunk(messages.FinishReasonToolCalls),
	)

	if em.native != 2 {
		t.Errorf("native deltas = %d", em.native)
	}
	if len(em.finishes) != 1 || em.finishes[0] != messages.FinishReasonToolCalls {
		t.Errorf("finishes = %v", em.finishes)
	}
	if p.ToolCallSent() {
		t.Error("native calls must not set the synthetic-call flag")
	}
}

// TestProcessorUsageForwarding verifies usage chunks always reach the
// emitter, even after a synthetic call
func TestProcessorUsageForwarding(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)

	feed(t, p,
		contentChunk("<get_weather><city>Oslo</city></get_weather>"),
		&messages.GenericStreamChunk{Usage: &messages.Usage{PromptTokens: 5, CompletionTokens: 9, TotalTokens: 14}},
	)

	if em.usage == nil || em.usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", em.usage)
	}
}

// TestProcessorClosedDiscards verifies nothing is written after Close
func TestProcessorClosedDiscards(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, streamTools, nil, 0)
	p.Close()

	if err := p.OnChunk(contentChunk("hello")); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	if em.allContent() != "" || em.doneCount != 0 {
		t.Errorf("closed processor still wrote: %+v", em)
	}
}

// TestProcessorNoTools verifies content passes through untouched when the
// request declared no tools
func TestProcessorNoTools(t *testing.T) {
	em := &recordingEmitter{}
	p := NewProcessor(em, nil, nil, 0)

	feed(t, p, contentChunk("<get_weather><city>Paris</city></get_weather>"))

	if em.allContent() != "<get_weather><city>Paris</city></get_weather>" {
		t.Errorf("content = %q", em.allContent())
	}
	if len(em.synthetic) != 0 {
		t.Errorf("synthetic = %v", em.synthetic)
	}
}

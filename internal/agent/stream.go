package agent

import (
	"bytes"
	"encoding/json"
)

// Event kinds produced by the stream parser.
const (
	EventThinking   = "thinking"
	EventText       = "text"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventCompleted  = "completed"
	EventError      = "error"
)

const thinkingPreviewLen = 200

// Event is one progress update from a running session.
type Event struct {
	Kind     string         `json:"kind"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// streamLine is the subset of the provider's stream-json output we read.
type streamLine struct {
	Type    string `json:"type"`
	Message *struct {
		Content []struct {
			Type     string `json:"type"`
			Thinking string `json:"thinking"`
			Text     string `json:"text"`
			Name     string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Cost  json.RawMessage `json:"cost"`
	Usage json.RawMessage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamParser turns raw stdout chunks into events. Chunks may split lines
// anywhere; the parser holds the partial line until its newline arrives.
type StreamParser struct {
	buf bytes.Buffer
}

// NewStreamParser returns an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed appends a chunk and returns the events of every line completed by it.
func (p *StreamParser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)

	var events []Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return events
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)

		if ev, ok := ParseLine(line); ok {
			events = append(events, ev)
		}
	}
}

// Flush parses whatever remains in the buffer as a final line. Called when
// the stream ends without a trailing newline.
func (p *StreamParser) Flush() []Event {
	rest := p.buf.Bytes()
	p.buf.Reset()
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	if ev, ok := ParseLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

// ParseLine maps one stdout line to an event. Unparseable lines, unknown
// discriminators and empty content are dropped.
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return Event{}, false
	}

	switch sl.Type {
	case "assistant":
		if sl.Message == nil || len(sl.Message.Content) == 0 {
			return Event{}, false
		}
		block := sl.Message.Content[0]
		switch block.Type {
		case "thinking":
			return Event{Kind: EventThinking, Message: truncate(block.Thinking, thinkingPreviewLen)}, true
		case "text":
			return Event{Kind: EventText, Message: block.Text}, true
		case "tool_use":
			return Event{
				Kind:     EventToolCall,
				Message:  "Using tool: " + block.Name,
				Metadata: map[string]any{"tool": block.Name},
			}, true
		case "tool_result":
			return Event{Kind: EventToolResult, Message: "Tool completed"}, true
		}
		return Event{}, false

	case "result":
		meta := map[string]any{}
		if len(sl.Cost) > 0 {
			meta["cost"] = json.RawMessage(sl.Cost)
		}
		if len(sl.Usage) > 0 {
			meta["usage"] = json.RawMessage(sl.Usage)
		}
		return Event{Kind: EventCompleted, Message: "Agent session completed", Metadata: meta}, true

	case "error":
		msg := "unknown error"
		if sl.Error != nil && sl.Error.Message != "" {
			msg = sl.Error.Message
		}
		return Event{Kind: EventError, Message: msg}, true
	}

	return Event{}, false
}

// resultUsage extracts usage.total_tokens from a final result line, if
// present.
func resultUsage(line []byte) (int64, bool) {
	var parsed struct {
		Type  string `json:"type"`
		Usage struct {
			TotalTokens *int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), &parsed); err != nil {
		return 0, false
	}
	if parsed.Type != "result" || parsed.Usage.TotalTokens == nil {
		return 0, false
	}
	return *parsed.Usage.TotalTokens, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

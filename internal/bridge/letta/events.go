package letta

import (
	"encoding/json"
	"strings"
)

// EventKind classifies a normalized stream event.
type EventKind string

const (
	EventReasoning       EventKind = "reasoning"
	EventToolCall        EventKind = "tool_call"
	EventToolReturn      EventKind = "tool_return"
	EventAssistant       EventKind = "assistant"
	EventApprovalRequest EventKind = "approval_request"
	EventStop            EventKind = "stop"
	EventUsage           EventKind = "usage"
	EventError           EventKind = "error"
	EventPing            EventKind = "ping"
)

// StreamEvent is the normalized form of one SSE chunk from the Letta
// streaming endpoint.
type StreamEvent struct {
	Kind    EventKind
	Content string

	// ToolName is set on tool_call and tool_return events.  For returns it
	// is the name remembered from the most recent tool_call in the stream.
	ToolName string
	// ToolStatus is "success" or "error" on tool_return events.
	ToolStatus string
	// ToolCalls carries the pending invocations on approval_request events.
	ToolCalls []ToolCall
	// ErrorType distinguishes synthetic timeouts ("timeout") from upstream
	// stream errors on error events.
	ErrorType string
	// Detail carries supplementary error text, when present.
	Detail string
}

// IsProgress reports whether the event should be surfaced as an intermediate
// progress message rather than the final reply.
func (e StreamEvent) IsProgress() bool {
	switch e.Kind {
	case EventReasoning, EventToolCall, EventToolReturn:
		return true
	}
	return false
}

// IsFinal reports whether the event carries the agent's final reply.
func (e StreamEvent) IsFinal() bool {
	return e.Kind == EventAssistant
}

func (e StreamEvent) IsError() bool {
	return e.Kind == EventError
}

func (e StreamEvent) IsApprovalRequest() bool {
	return e.Kind == EventApprovalRequest
}

// FormatProgress renders a progress event as a short human-readable line.
// Returns "" for event kinds that have no progress rendering.
func (e StreamEvent) FormatProgress() string {
	switch e.Kind {
	case EventReasoning:
		return "💭 " + truncate(e.Content, 50)
	case EventToolCall:
		return "🔧 " + e.ToolName + "..."
	case EventToolReturn:
		if e.ToolStatus == "error" {
			return "❌ " + e.ToolName + " (failed)"
		}
		return "✅ " + e.ToolName
	}
	return ""
}

// FormatApproval renders an approval_request: a headline naming the pending
// tools, then an indented block per invocation.
func (e StreamEvent) FormatApproval() string {
	names := make([]string, 0, len(e.ToolCalls))
	for _, tc := range e.ToolCalls {
		names = append(names, tc.Name)
	}
	var b strings.Builder
	b.WriteString("⏳ **Approval Required**: " + strings.Join(names, ", "))
	for _, tc := range e.ToolCalls {
		b.WriteString("\n  • " + tc.Name)
		if tc.ToolCallID != "" {
			b.WriteString(" (" + truncate(tc.ToolCallID, 12) + ")")
		}
		if tc.Arguments != "" {
			b.WriteString("\n    " + truncate(tc.Arguments, 200))
		}
	}
	return b.String()
}

// truncate shortens s to n runes, appending "..." when anything was cut.
// Counting runes keeps multibyte reasoning text from being split mid-character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// streamChunk is the raw wire shape of one SSE data payload.
type streamChunk struct {
	MessageType string          `json:"message_type"`
	Reasoning   string          `json:"reasoning"`
	ToolCall    *ToolCall       `json:"tool_call"`
	ToolCalls   []ToolCall      `json:"tool_calls"`
	ToolReturn  json.RawMessage `json:"tool_return"`
	Status      string          `json:"status"`
	Content     json.RawMessage `json:"content"`
	StopReason  string          `json:"stop_reason"`
	Error       *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

// parserState holds cross-chunk memory: tool_return chunks do not repeat the
// tool name, so the parser remembers the last tool_call.
type parserState struct {
	lastToolName     string
	includeReasoning bool
}

// parseChunk normalizes one SSE data payload into a StreamEvent.  The second
// return value is false for chunks the caller should drop (unknown types, or
// reasoning when disabled).
func parseChunk(data []byte, st *parserState) (StreamEvent, bool) {
	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return StreamEvent{}, false
	}

	switch chunk.MessageType {
	case "reasoning_message", "hidden_reasoning_message":
		if !st.includeReasoning {
			return StreamEvent{}, false
		}
		return StreamEvent{Kind: EventReasoning, Content: chunk.Reasoning}, true

	case "tool_call_message":
		if chunk.ToolCall != nil && chunk.ToolCall.Name != "" {
			st.lastToolName = chunk.ToolCall.Name
		}
		return StreamEvent{Kind: EventToolCall, ToolName: st.lastToolName}, true

	case "tool_return_message":
		status := chunk.Status
		if status == "" {
			status = "success"
		}
		return StreamEvent{
			Kind:       EventToolReturn,
			ToolName:   st.lastToolName,
			ToolStatus: status,
			Content:    coerceText(chunk.ToolReturn),
		}, true

	case "assistant_message":
		return StreamEvent{Kind: EventAssistant, Content: coerceText(chunk.Content)}, true

	case "approval_request_message":
		calls := chunk.ToolCalls
		if len(calls) == 0 && chunk.ToolCall != nil {
			calls = []ToolCall{*chunk.ToolCall}
		}
		return StreamEvent{Kind: EventApprovalRequest, ToolCalls: calls}, true

	case "stop_reason":
		return StreamEvent{Kind: EventStop, Content: chunk.StopReason}, true

	case "usage_statistics":
		return StreamEvent{Kind: EventUsage}, true

	case "ping":
		return StreamEvent{Kind: EventPing}, true

	case "error_message":
		evt := StreamEvent{Kind: EventError, Content: coerceText(chunk.Content)}
		if chunk.Error != nil {
			evt.ErrorType = chunk.Error.Type
			evt.Detail = chunk.Error.Detail
			if evt.Content == "" {
				evt.Content = chunk.Error.Message
			}
		}
		return evt, true
	}

	return StreamEvent{}, false
}

// coerceText extracts plain text from a field that may be a JSON string or a
// list of multimodal parts.
func coerceText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" && p.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

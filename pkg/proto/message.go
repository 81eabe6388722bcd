// Package proto defines the message vocabulary exchanged between transports
// and the orchestrator over a channel pair.
package proto

import "encoding/json"

// MsgKind discriminates the tagged union carried in Msg. The wire shape is
// symmetric; direction is by convention: user messages flow transport to
// orchestrator, everything else flows back.
type MsgKind string

const (
	MsgUser       MsgKind = "user"        // user prompt text
	MsgAssistant  MsgKind = "assistant"   // streamed agent response text
	MsgToolCall   MsgKind = "tool_call"   // agent invoked a tool
	MsgToolResult MsgKind = "tool_result" // tool execution finished
	MsgText       MsgKind = "text"        // out-of-band notice or error
	MsgQuestion   MsgKind = "question"    // agent asked the user a question
	MsgDone       MsgKind = "done"        // turn terminator, exactly one per turn
)

// Subtypes for MsgText.
const (
	TextNotice = "notice"
	TextError  = "error"
)

// Markers are agreed literal tokens embedded in agent result text. The coder
// emits ReadyMarker when a branch is ready for review; the reviewer answers
// with ApprovalMarker after merging or FeedbackMarker with revision notes.
const (
	ReadyMarker    = "[[READY_FOR_REVIEW]]"
	ApprovalMarker = "[[REVIEW_APPROVED]]"
	FeedbackMarker = "[[REVIEW_FEEDBACK]]"
)

// Msg is one channel message. Only the fields relevant to Kind are set.
type Msg struct {
	Kind      MsgKind         `json:"kind"`
	Text      string          `json:"text,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope pairs a message with the thread it belongs to. The thread id is the
// transport-defined routing key; the channel itself does not interpret it.
type Envelope struct {
	ThreadID string `json:"thread_id"`
	Msg      Msg    `json:"msg"`
}

func UserMsg(text string) Msg {
	return Msg{Kind: MsgUser, Text: text}
}

func AssistantMsg(text string) Msg {
	return Msg{Kind: MsgAssistant, Text: text}
}

func NoticeMsg(text string) Msg {
	return Msg{Kind: MsgText, Subtype: TextNotice, Text: text}
}

func ErrorMsg(text string) Msg {
	return Msg{Kind: MsgText, Subtype: TextError, Text: text}
}

func ToolCallMsg(name, id string, input json.RawMessage) Msg {
	return Msg{Kind: MsgToolCall, ToolName: name, ToolID: id, ToolInput: input}
}

func ToolResultMsg(name, id string, isError bool) Msg {
	return Msg{Kind: MsgToolResult, ToolName: name, ToolID: id, IsError: isError}
}

func QuestionMsg(payload json.RawMessage) Msg {
	return Msg{Kind: MsgQuestion, Payload: payload}
}

func DoneMsg() Msg {
	return Msg{Kind: MsgDone}
}

package claude

import (
	"encoding/json"
	"strings"
	"time"

	"foreman/pkg/channel"
	"foreman/pkg/logx"
	"foreman/pkg/proto"
	"foreman/pkg/session"
)

// questionTool is the agent tool that surfaces a clarifying question to the
// user instead of acting autonomously.
const questionTool = "AskUserQuestion"

// streamEvent is one line of the agent's stream-json output.
type streamEvent struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Message   *agentMessage `json:"message,omitempty"`
	Event     *partialEvent `json:"event,omitempty"`

	// Terminal result fields (type == "result").
	IsError      bool       `json:"is_error,omitempty"`
	TotalCostUSD float64    `json:"total_cost_usd,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	NumTurns     int        `json:"num_turns,omitempty"`
	ResultText   string     `json:"result,omitempty"`
	Usage        *usageInfo `json:"usage,omitempty"`
}

type agentMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// partialEvent carries incremental deltas (type == "stream_event").
type partialEvent struct {
	Type  string      `json:"type"`
	Delta *eventDelta `json:"delta,omitempty"`
}

type eventDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usageInfo struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// turnParser consumes stream-json lines for one turn and forwards normalized
// messages to the output endpoint. It tracks everything needed to build the
// turn's Result.
type turnParser struct {
	out       *channel.Endpoint
	threadID  string
	verbosity string
	logger    *logx.Logger

	agentSessionID string
	questionAsked  bool
	lastTool       string

	// streamedLen counts text already forwarded as deltas. Final text blocks
	// repeat streamed content verbatim; the counter is drained as matching
	// final blocks arrive so only unstreamed remainder is forwarded.
	streamedLen int

	sawResult bool
	result    Result
}

func newTurnParser(out *channel.Endpoint, threadID, verbosity string, logger *logx.Logger) *turnParser {
	return &turnParser{out: out, threadID: threadID, verbosity: verbosity, logger: logger}
}

// parseLine decodes and routes one line. Malformed lines are logged and
// skipped; they never abort the turn.
func (p *turnParser) parseLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		p.logger.Warn("Skipping malformed agent event: %v", err)
		return
	}

	switch event.Type {
	case "system":
		if event.Subtype == "init" && p.agentSessionID == "" {
			p.agentSessionID = event.SessionID
		}
	case "stream_event":
		p.handlePartial(event.Event)
	case "assistant":
		p.handleAssistant(event.Message)
	case "user":
		p.handleToolResults(event.Message)
	case "result":
		p.handleResult(&event)
	default:
		p.logger.Debug("Ignoring agent event type %q", event.Type)
	}
}

func (p *turnParser) handlePartial(ev *partialEvent) {
	if ev == nil || ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
		return
	}
	p.streamedLen += len(ev.Delta.Text)
	p.send(proto.AssistantMsg(ev.Delta.Text))
}

func (p *turnParser) handleAssistant(msg *agentMessage) {
	if msg == nil {
		return
	}
	for i := range msg.Content {
		block := &msg.Content[i]
		switch block.Type {
		case "text":
			p.forwardUnstreamed(block.Text)
		case "tool_use":
			if block.Name == questionTool {
				p.questionAsked = true
				p.send(proto.QuestionMsg(block.Input))
				continue
			}
			p.lastTool = block.Name
			if p.verbosity != session.VerbosityQuiet {
				p.send(proto.ToolCallMsg(block.Name, block.ID, block.Input))
			}
		}
	}
}

// forwardUnstreamed sends the portion of a final text block not already
// delivered as deltas. Deltas always precede the matching final block; the
// counter is decremented by the matched prefix length.
func (p *turnParser) forwardUnstreamed(text string) {
	if text == "" {
		return
	}
	matched := p.streamedLen
	if matched > len(text) {
		matched = len(text)
	}
	p.streamedLen -= matched
	if remainder := text[matched:]; remainder != "" {
		p.send(proto.AssistantMsg(remainder))
	}
}

func (p *turnParser) handleToolResults(msg *agentMessage) {
	if msg == nil {
		return
	}
	for i := range msg.Content {
		block := &msg.Content[i]
		if block.Type != "tool_result" {
			continue
		}
		if p.verbosity != session.VerbosityQuiet {
			p.send(proto.ToolResultMsg(p.lastTool, block.ToolUseID, block.IsError))
		}
	}
}

func (p *turnParser) handleResult(event *streamEvent) {
	p.sawResult = true
	p.result.Success = !event.IsError
	p.result.Text = event.ResultText
	p.result.CostUSD = event.TotalCostUSD
	p.result.Duration = time.Duration(event.DurationMS) * time.Millisecond
	p.result.NumTurns = event.NumTurns
	if event.SessionID != "" && p.agentSessionID == "" {
		p.agentSessionID = event.SessionID
	}
	p.result.Usage = session.Usage{
		DurationMS: event.DurationMS,
		Turns:      1,
		CostUSD:    event.TotalCostUSD,
	}
	if event.Usage != nil {
		p.result.Usage.InputTokens = event.Usage.InputTokens
		p.result.Usage.OutputTokens = event.Usage.OutputTokens
		p.result.Usage.CacheReadTokens = event.Usage.CacheReadTokens
		p.result.Usage.CacheWriteTokens = event.Usage.CacheCreationTokens
	}
}

func (p *turnParser) send(msg proto.Msg) {
	p.out.Send(p.threadID, msg)
}

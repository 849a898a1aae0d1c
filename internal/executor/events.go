// Package executor runs agent sessions against an external executor and
// decodes its stream into a closed set of tagged events at the boundary.
package executor

import (
	"encoding/json"
	"fmt"
)

// Kind tags an Event. The set is closed: every stream line decodes to one of
// these or DecodeLine returns an error.
type Kind string

const (
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindUsage      Kind = "usage"
	KindSystem     Kind = "system"
	KindResult     Kind = "result"
)

// Event is one decoded executor stream event. Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind Kind

	// KindText
	Text string

	// KindToolUse
	Tool      string
	ToolInput map[string]any
	ToolUseID string

	// KindToolResult
	Result  string
	IsError bool

	// KindUsage, KindResult
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// rawLine is the envelope of one stream-json line from the agent CLI.
type rawLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []rawBlock `json:"content"`
		Usage   *rawUsage  `json:"usage"`
	} `json:"message"`
	Result       string    `json:"result"`
	IsError      bool      `json:"is_error"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	Usage        *rawUsage `json:"usage"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type rawUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeLine decodes one stream-json line into its events. A single assistant
// line may carry several content blocks, so one line can yield several events.
// Unknown line types are an error: the event set is closed on purpose so new
// upstream types fail loudly instead of being dropped.
func DecodeLine(line []byte) ([]Event, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch raw.Type {
	case "system":
		return []Event{{Kind: KindSystem, Text: raw.Subtype}}, nil

	case "assistant":
		var events []Event
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, Event{Kind: KindText, Text: block.Text})
			case "tool_use":
				events = append(events, Event{
					Kind:      KindToolUse,
					Tool:      block.Name,
					ToolInput: block.Input,
					ToolUseID: block.ID,
				})
			}
		}
		if raw.Message.Usage != nil {
			events = append(events, Event{
				Kind:         KindUsage,
				InputTokens:  raw.Message.Usage.InputTokens,
				OutputTokens: raw.Message.Usage.OutputTokens,
			})
		}
		return events, nil

	case "user":
		var events []Event
		for _, block := range raw.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			events = append(events, Event{
				Kind:      KindToolResult,
				ToolUseID: block.ToolUseID,
				Result:    flattenContent(block.Content),
				IsError:   block.IsError,
			})
		}
		return events, nil

	case "result":
		ev := Event{
			Kind:    KindResult,
			Result:  raw.Result,
			IsError: raw.IsError,
			CostUSD: raw.TotalCostUSD,
		}
		if raw.Usage != nil {
			ev.InputTokens = raw.Usage.InputTokens
			ev.OutputTokens = raw.Usage.OutputTokens
		}
		return []Event{ev}, nil
	}

	return nil, fmt.Errorf("unknown stream line type %q", raw.Type)
}

// flattenContent renders a tool_result content field, which is either a plain
// string or a list of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}

	return string(raw)
}

package cliexec

import "encoding/json"

// wireMessage is the shape of one newline-delimited JSON object emitted
// by the CLI in --output-format stream-json mode. Only the fields this
// system's demux cares about are named; the CLI's exact schema is
// inferred from observed `type` values and is intentionally permissive
// about the rest.
type wireMessage struct {
	Type    string `json:"type"`
	Delta   struct {
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		StopReason string          `json:"stop_reason"`
		Content    json.RawMessage `json:"content"`
	} `json:"message"`
}

// demuxLine decodes one complete line of stream-json output and, if it maps
// to a deliverable event, returns the chunk and true. Malformed or
// unrecognized lines return (zero, false) and are skipped by the
// caller, not fatal to the stream.
func demuxLine(line string) (StreamChunk, bool) {
	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return StreamChunk{}, false
	}

	switch msg.Type {
	case "content_block_delta":
		if msg.Delta.Text == "" {
			return StreamChunk{}, false
		}
		return StreamChunk{Kind: ChunkDelta, Text: msg.Delta.Text}, true

	case "assistant":
		text, ok := firstText(msg.Message.Content)
		if !ok {
			return StreamChunk{}, false
		}
		return StreamChunk{Kind: ChunkDelta, Text: text}, true

	case "message_stop", "message_end":
		reason := msg.Message.StopReason
		if reason == "" {
			reason = "end_turn"
		}
		return StreamChunk{Kind: ChunkEnd, StopReason: reason}, true

	default:
		return StreamChunk{}, false
	}
}

// firstText extracts assistant text from a message.content field that
// may be a plain string or a list of content blocks whose first element
// carries a "text" key.
func firstText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, asString != ""
	}

	var asList []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		return asList[0].Text, asList[0].Text != ""
	}

	return "", false
}

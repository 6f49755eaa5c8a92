package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"edgecopilot/internal/completion"
)

const donePayload = "[DONE]"

// consumeStream folds the event stream body into reply. Lines split across
// reads are carried over by the buffered reader; undecodable frames are
// skipped.
func (c *Client) consumeStream(gen uint64, body io.Reader, reply Message) (Message, error) {
	var content strings.Builder
	r := bufio.NewReader(body)
	for {
		if !c.current(gen) {
			return reply, ErrCanceled
		}
		line, err := r.ReadString('\n')
		if line != "" {
			if delta, id, ok := parseFrame(line); ok {
				content.WriteString(delta)
				reply.Content = content.String()
				if id != "" {
					reply.ID = id
				}
				if !c.replaceReply(gen, reply) {
					return reply, ErrCanceled
				}
			}
		}
		if errors.Is(err, io.EOF) {
			reply.Content = content.String()
			reply.Status = StatusCompleted
			if !c.replaceReply(gen, reply) {
				return reply, ErrCanceled
			}
			return reply, nil
		}
		if err != nil {
			reply.Content = content.String()
			return c.fail(gen, reply, err)
		}
	}
}

// parseFrame extracts the content delta of one `data: {...}` line.
func parseFrame(line string) (delta, id string, ok bool) {
	payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "data: "))
	if payload == "" || payload == donePayload {
		return "", "", false
	}
	var chunk completion.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		debugLog("[client] skip stream frame: %v", err)
		return "", "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil || *chunk.Choices[0].Delta.Content == "" {
		return "", "", false
	}
	return *chunk.Choices[0].Delta.Content, chunk.ID, true
}

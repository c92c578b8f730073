package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AgentFrame is one decoded SSE frame from the coding agent.
type AgentFrame struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// AgentClient streams a prompt's output from the in-sandbox coding-agent
// process. The agent's own wire protocol is out of scope for this system;
// only the SSE envelope (§6.3) is consumed.
type AgentClient interface {
	StreamPrompt(ctx context.Context, sessionID, content string) (<-chan AgentFrame, error)
}

// HTTPAgentClient talks to the agent over HTTP+SSE, the transport this
// system is specified to consume (§1, §6.3).
type HTTPAgentClient struct {
	BaseURL string
	Client  *http.Client
}

// StreamPrompt posts a prompt and returns a channel of decoded frames. The
// channel closes when the stream ends, the parent context is cancelled, or
// a terminal frame (session.idle) is observed; cancellation is checked on
// every frame rather than only at connect time, mirroring how the
// pre-distillation implementation's cooperative event loop propagated
// cancellation through its SSE iterator.
func (c *HTTPAgentClient) StreamPrompt(ctx context.Context, sessionID, content string) (<-chan AgentFrame, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	body := strings.NewReader(fmt.Sprintf(`{"sessionId":%q,"content":%q}`, sessionID, content))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/prompt", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agent: prompt request returned %d", resp.StatusCode)
	}

	frames := make(chan AgentFrame)
	go func() {
		defer resp.Body.Close()
		defer close(frames)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}

			var frame AgentFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				continue
			}

			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}

			if frame.Type == "session.idle" {
				return
			}
		}
	}()

	return frames, nil
}

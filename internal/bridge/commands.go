package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// decodeCommand parses one inbound websocket frame as an InboundCommand.
func decodeCommand(data []byte) (InboundCommand, error) {
	var cmd InboundCommand
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}

// InboundCommand is a control-plane → sandbox message (§6.2).
type InboundCommand struct {
	Type      string `json:"type"`
	AckID     string `json:"ackId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
}

// PromptTask is the in-progress agent request this bridge owns. Its
// lifecycle is independent of any single socket: it survives reconnects
// and is only cancelled by an explicit stop command or bridge shutdown.
type PromptTask struct {
	messageID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (t *PromptTask) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// handleCommand dispatches one inbound command. Unknown types are ignored
// and logged at debug level (§9 open question, decided).
func (br *Bridge) handleCommand(cmd InboundCommand) {
	switch cmd.Type {
	case "ack":
		br.handleAck(cmd)
	case "prompt":
		br.handlePromptCommand(cmd)
	case "stop":
		br.handleStop()
	default:
		br.logger.Debug("ignoring unknown command type", "type", cmd.Type)
	}
}

func (br *Bridge) handleAck(cmd InboundCommand) {
	if cmd.AckID == "" {
		return
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	delete(br.pendingAck, cmd.AckID)
}

// handlePromptCommand spawns a PromptTask that outlives this socket. A
// prior in-flight task, if any, is NOT cancelled by a new prompt — both
// coexist, and the older task's completion must not clear the reference to
// the newer one (identity preservation, §5/§8).
func (br *Bridge) handlePromptCommand(cmd InboundCommand) {
	taskCtx, cancel := context.WithCancel(br.runCtx)
	task := &PromptTask{
		messageID: cmd.MessageID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	br.mu.Lock()
	br.currentPromptTask = task
	br.mu.Unlock()

	go br.runPromptTask(taskCtx, task, cmd)
}

func (br *Bridge) runPromptTask(ctx context.Context, task *PromptTask, cmd InboundCommand) {
	var runErr error

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("prompt task panicked: %v", r)
			br.logger.Error("prompt task panicked", "message_id", task.messageID, "panic", r)
		}

		cancelled := ctx.Err() != nil
		success := runErr == nil && !cancelled

		if err := br.sendEvent(AgentEvent{
			Type:      "execution_complete",
			MessageID: task.messageID,
			Success:   &success,
		}); err != nil {
			br.logger.Error("failed to send execution_complete", "message_id", task.messageID, "error", err)
		}

		br.mu.Lock()
		if br.currentPromptTask == task {
			br.currentPromptTask = nil
		}
		br.mu.Unlock()

		close(task.done)
	}()

	runErr = br.consumePrompt(ctx, cmd)
}

// consumePrompt drives the agent's SSE stream for one prompt, translating
// frames into outbound token events. Returns nil on a clean session.idle,
// ctx.Err() on cancellation, or the streaming error otherwise.
func (br *Bridge) consumePrompt(ctx context.Context, cmd InboundCommand) error {
	if br.agentClient == nil {
		return nil
	}

	frames, err := br.agentClient.StreamPrompt(ctx, br.agentSessionID, cmd.Content)
	if err != nil {
		return err
	}

	for frame := range frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frame.Type == "session.idle" || frame.Type == "server.connected" {
			continue
		}

		_ = br.sendEvent(AgentEvent{
			Type:      "token",
			MessageID: cmd.MessageID,
			Payload:   frame.Properties,
		})
	}

	return ctx.Err()
}

// handleStop cancels the current prompt task, if any and not already done.
// Cancellation tears down the task's context, which the agent client's
// in-flight SSE request observes and closes; no separate agent-side abort
// call is issued. No error results if no task is in flight.
func (br *Bridge) handleStop() {
	br.mu.Lock()
	task := br.currentPromptTask
	br.mu.Unlock()

	if task == nil || task.isDone() {
		return
	}
	task.cancel()
}

package bridge

import (
	"fmt"
	"time"

	"github.com/openinspect/supervisord/internal/auth"
)

// AgentEvent is the outbound envelope the bridge writes to the control
// plane, and the shape replayed from the event buffer / pending-ack map on
// reconnect.
type AgentEvent struct {
	Type      string         `json:"type"`
	SandboxID string         `json:"sandboxId,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	AckID     string         `json:"ackId,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// criticalEventTypes require at-least-once delivery; everything else is
// best-effort.
var criticalEventTypes = map[string]bool{
	"execution_complete": true,
	"error":               true,
	"snapshot_ready":      true,
	"push_complete":       true,
	"workspace_ready":     true,
	"setup_complete":      true,
}

func isCritical(eventType string) bool {
	return criticalEventTypes[eventType]
}

// makeAckID is deterministic for events tied to a messageId (so a retried
// outcome dedupes against the same ack id) and random otherwise.
func makeAckID(ev AgentEvent) (string, error) {
	if ev.MessageID != "" {
		return fmt.Sprintf("%s:%s", ev.Type, ev.MessageID), nil
	}
	suffix, err := auth.RandomHex(16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", ev.Type, suffix), nil
}

// eventBuffer holds events that failed to write (or were produced while no
// socket was open), in FIFO order, bounded by maxSize.
type eventBuffer struct {
	events  []AgentEvent
	maxSize int
}

func newEventBuffer(maxSize int) *eventBuffer {
	return &eventBuffer{maxSize: maxSize}
}

// append adds ev, evicting the oldest non-critical entry (or, if every
// entry is critical, the oldest entry) when at capacity.
func (b *eventBuffer) append(ev AgentEvent) {
	if b.maxSize > 0 && len(b.events) >= b.maxSize {
		evictIdx := -1
		for i, e := range b.events {
			if !isCritical(e.Type) {
				evictIdx = i
				break
			}
		}
		if evictIdx == -1 {
			evictIdx = 0
		}
		b.events = append(b.events[:evictIdx], b.events[evictIdx+1:]...)
	}
	b.events = append(b.events, ev)
}

func (b *eventBuffer) len() int {
	return len(b.events)
}

// drain removes and returns every buffered event in FIFO order.
func (b *eventBuffer) drain() []AgentEvent {
	drained := b.events
	b.events = nil
	return drained
}

// requeue puts events back at the front of the buffer, preserving their
// relative order, used when a flush stops partway through.
func (b *eventBuffer) requeue(events []AgentEvent) {
	if len(events) == 0 {
		return
	}
	b.events = append(events, b.events...)
}

// sendEvent is the sole path for emitting an outbound event.
func (br *Bridge) sendEvent(ev AgentEvent) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.sendEventLocked(ev)
}

func (br *Bridge) sendEventLocked(ev AgentEvent) error {
	if ev.SandboxID == "" {
		ev.SandboxID = br.sandboxID
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	critical := isCritical(ev.Type)
	if critical && ev.AckID == "" {
		ackID, err := makeAckID(ev)
		if err != nil {
			return err
		}
		ev.AckID = ackID
	}

	if br.transport == nil || !br.transport.IsOpen() {
		br.buffer.append(ev)
		return nil
	}

	if err := br.transport.WriteJSON(ev); err != nil {
		br.buffer.append(ev)
		return nil
	}

	if critical {
		br.pendingAck[ev.AckID] = ev
	}
	return nil
}

// flushAfterConnect replays buffered events and then pending acks on a
// freshly opened socket, per the reconnect sequencing contract.
func (br *Bridge) flushAfterConnect() {
	br.mu.Lock()
	defer br.mu.Unlock()

	sentThisRound := make(map[string]bool)

	pending := br.buffer.drain()
	for i, ev := range pending {
		if br.transport == nil || !br.transport.IsOpen() {
			br.buffer.requeue(pending[i:])
			return
		}
		if isCritical(ev.Type) && ev.AckID == "" {
			if ackID, err := makeAckID(ev); err == nil {
				ev.AckID = ackID
			}
		}
		if err := br.transport.WriteJSON(ev); err != nil {
			br.buffer.requeue(pending[i:])
			return
		}
		if isCritical(ev.Type) {
			br.pendingAck[ev.AckID] = ev
			sentThisRound[ev.AckID] = true
		}
	}

	for ackID, ev := range br.pendingAck {
		if sentThisRound[ackID] {
			continue
		}
		if br.transport == nil || !br.transport.IsOpen() {
			return
		}
		if err := br.transport.WriteJSON(ev); err != nil {
			return
		}
	}
}

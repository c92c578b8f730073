package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport for tests, per §10's test-tooling
// note (fakes over real sockets).
type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	writes   []AgentEvent
	failNext bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true}
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("simulated write failure")
	}
	ev, ok := v.(AgentEvent)
	if !ok {
		return nil
	}
	f.writes = append(f.writes, ev)
	return nil
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not implemented")
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func newTestBridge() *Bridge {
	br := New(Config{SandboxID: "sbx-1", SessionID: "sess-1"})
	br.runCtx = context.Background()
	return br
}

func TestMakeAckID_DeterministicWithMessageID(t *testing.T) {
	ev := AgentEvent{Type: "execution_complete", MessageID: "msg-1"}
	id, err := makeAckID(ev)
	if err != nil {
		t.Fatalf("makeAckID failed: %v", err)
	}
	if id != "execution_complete:msg-1" {
		t.Errorf("ackID = %q, want execution_complete:msg-1", id)
	}
}

func TestMakeAckID_RandomWithoutMessageID(t *testing.T) {
	ev := AgentEvent{Type: "token"}
	id1, err := makeAckID(ev)
	if err != nil {
		t.Fatalf("makeAckID failed: %v", err)
	}
	id2, _ := makeAckID(ev)
	if id1 == id2 {
		t.Error("expected distinct random ack ids across calls")
	}
}

func TestSendEvent_NeverOverwritesExistingAckID(t *testing.T) {
	br := newTestBridge()
	tr := newFakeTransport()
	br.transport = tr

	ev := AgentEvent{Type: "execution_complete", MessageID: "msg-1", AckID: "custom-ack"}
	if err := br.sendEvent(ev); err != nil {
		t.Fatalf("sendEvent failed: %v", err)
	}

	if len(tr.writes) != 1 || tr.writes[0].AckID != "custom-ack" {
		t.Fatalf("expected custom ack id preserved, got %+v", tr.writes)
	}
}

func TestSendEvent_NoTransport_Buffers(t *testing.T) {
	br := newTestBridge()

	if err := br.sendEvent(AgentEvent{Type: "token"}); err != nil {
		t.Fatalf("sendEvent failed: %v", err)
	}

	if br.buffer.len() != 1 {
		t.Fatalf("expected 1 buffered event, got %d", br.buffer.len())
	}
	if len(br.pendingAck) != 0 {
		t.Errorf("expected no pending acks for a non-open transport, got %d", len(br.pendingAck))
	}
}

func TestSendEvent_SuccessfulCriticalWrite_RegistersPendingAck(t *testing.T) {
	br := newTestBridge()
	tr := newFakeTransport()
	br.transport = tr

	if err := br.sendEvent(AgentEvent{Type: "execution_complete", MessageID: "msg-1"}); err != nil {
		t.Fatalf("sendEvent failed: %v", err)
	}

	if _, ok := br.pendingAck["execution_complete:msg-1"]; !ok {
		t.Fatal("expected pending ack entry after successful critical write")
	}
}

// No orphan pending acks: a write failure buffers the event and leaves
// PendingAck unchanged.
func TestSendEvent_WriteFailure_NoOrphanPendingAck(t *testing.T) {
	br := newTestBridge()
	tr := newFakeTransport()
	tr.failNext = true
	br.transport = tr

	if err := br.sendEvent(AgentEvent{Type: "execution_complete", MessageID: "msg-1"}); err != nil {
		t.Fatalf("sendEvent failed: %v", err)
	}

	if len(br.pendingAck) != 0 {
		t.Errorf("expected no pending ack after write failure, got %d", len(br.pendingAck))
	}
	if br.buffer.len() != 1 {
		t.Errorf("expected event buffered after write failure, got %d", br.buffer.len())
	}
}

// Ack removal is demand-driven: only an incoming ack command removes an
// entry; a reflush does not.
func TestHandleAck_RemovesPendingEntry(t *testing.T) {
	br := newTestBridge()
	tr := newFakeTransport()
	br.transport = tr

	_ = br.sendEvent(AgentEvent{Type: "execution_complete", MessageID: "msg-1"})

	br.flushAfterConnect()
	if _, ok := br.pendingAck["execution_complete:msg-1"]; !ok {
		t.Fatal("expected reflush to leave the pending ack entry in place")
	}

	br.handleAck(InboundCommand{Type: "ack", AckID: "execution_complete:msg-1"})
	if _, ok := br.pendingAck["execution_complete:msg-1"]; ok {
		t.Error("expected ack command to remove the pending entry")
	}
}

func TestHandleAck_MissingAckIDIsNoOp(t *testing.T) {
	br := newTestBridge()
	br.handleAck(InboundCommand{Type: "ack"})
}

// Buffer overflow: post-insertion size equals the cap, and critical events
// are preferentially retained.
func TestEventBuffer_OverflowEvictsOldestNonCritical(t *testing.T) {
	b := newEventBuffer(2)
	b.append(AgentEvent{Type: "token", MessageID: "1"})
	b.append(AgentEvent{Type: "execution_complete", MessageID: "2"})
	b.append(AgentEvent{Type: "token", MessageID: "3"})

	if b.len() != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", b.len())
	}
	if b.events[0].Type != "execution_complete" {
		t.Errorf("expected the critical event retained first, got %+v", b.events)
	}
}

func TestEventBuffer_OverflowAllCriticalEvictsOldest(t *testing.T) {
	b := newEventBuffer(2)
	b.append(AgentEvent{Type: "execution_complete", MessageID: "1"})
	b.append(AgentEvent{Type: "error", MessageID: "2"})
	b.append(AgentEvent{Type: "snapshot_ready", MessageID: "3"})

	if b.len() != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", b.len())
	}
	if b.events[0].MessageID != "2" {
		t.Errorf("expected oldest critical event evicted, got %+v", b.events)
	}
}

// Reconnect replay scenario (§8 concrete scenario 1).
func TestFlushAfterConnect_ReplaysBufferThenPendingAck(t *testing.T) {
	br := newTestBridge()

	br.buffer.append(AgentEvent{Type: "execution_complete", MessageID: "msg-1"})
	br.buffer.append(AgentEvent{Type: "token", MessageID: "msg-1"})

	tr := newFakeTransport()
	br.transport = tr

	br.flushAfterConnect()

	if len(tr.writes) != 2 {
		t.Fatalf("expected both buffered events flushed, got %d", len(tr.writes))
	}
	if _, ok := br.pendingAck["execution_complete:msg-1"]; !ok {
		t.Fatal("expected execution_complete moved into pending ack after flush")
	}

	br.handleAck(InboundCommand{Type: "ack", AckID: "execution_complete:msg-1"})
	if len(br.pendingAck) != 0 {
		t.Error("expected pending ack empty after matching ack command")
	}
}

// Fatal vs retriable connection error classification (§4.3.6, scenario 2).
func TestIsFatalConnectionError(t *testing.T) {
	cases := map[string]bool{
		"websocket: bad handshake, HTTP 410":    true,
		"dial: HTTP 401 Unauthorized":           true,
		"server returned HTTP 403":              true,
		"not found: HTTP 404":                   true,
		"connection reset by peer":              false,
		"HTTP 500 Internal Server Error":        false,
		"timeout dialing control plane":         false,
	}

	for errString, want := range cases {
		if got := isFatalConnectionError(errString); got != want {
			t.Errorf("isFatalConnectionError(%q) = %v, want %v", errString, got, want)
		}
	}
}

// Identity preservation: completion of an older prompt task after a newer
// one has replaced it must not null out currentPromptTask.
func TestPromptTask_IdentityPreservedAcrossReplacement(t *testing.T) {
	br := newTestBridge()
	br.transport = newFakeTransport()

	olderDone := make(chan struct{})
	older := &PromptTask{messageID: "older", cancel: func() {}, done: olderDone}
	newer := &PromptTask{messageID: "newer", cancel: func() {}, done: make(chan struct{})}

	br.mu.Lock()
	br.currentPromptTask = older
	br.mu.Unlock()

	// A new prompt arrives and replaces the reference.
	br.mu.Lock()
	br.currentPromptTask = newer
	br.mu.Unlock()

	// The older task's completion path fires (simulating runPromptTask's
	// deferred cleanup) and must see it no longer owns currentPromptTask.
	close(olderDone)
	br.mu.Lock()
	if br.currentPromptTask == older {
		br.currentPromptTask = nil
	}
	br.mu.Unlock()

	br.mu.Lock()
	defer br.mu.Unlock()
	if br.currentPromptTask != newer {
		t.Error("expected currentPromptTask to remain the newer task after the older one completed")
	}
}

// Execution-complete on cancel: cancelling a prompt task causes exactly one
// execution_complete event with success=false.
func TestRunPromptTask_CancelEmitsExecutionCompleteFalse(t *testing.T) {
	br := newTestBridge()
	tr := newFakeTransport()
	br.transport = tr
	br.agentClient = blockingAgentClient{}

	ctx, cancel := context.WithCancel(context.Background())
	task := &PromptTask{messageID: "msg-1", cancel: cancel, done: make(chan struct{})}

	br.mu.Lock()
	br.currentPromptTask = task
	br.mu.Unlock()

	go br.runPromptTask(ctx, task, InboundCommand{MessageID: "msg-1", Content: "hi"})

	cancel()

	select {
	case <-task.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prompt task completion")
	}

	var completions []AgentEvent
	tr.mu.Lock()
	for _, ev := range tr.writes {
		if ev.Type == "execution_complete" {
			completions = append(completions, ev)
		}
	}
	tr.mu.Unlock()

	if len(completions) != 1 {
		t.Fatalf("expected exactly one execution_complete, got %d", len(completions))
	}
	if completions[0].Success == nil || *completions[0].Success {
		t.Error("expected success=false on cancellation")
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	if br.currentPromptTask != nil {
		t.Error("expected currentPromptTask cleared after its own completion")
	}
}

// blockingAgentClient streams nothing and blocks until ctx is cancelled,
// simulating a long-running prompt that only ends via stop/shutdown.
type blockingAgentClient struct{}

func (blockingAgentClient) StreamPrompt(ctx context.Context, sessionID, content string) (<-chan AgentFrame, error) {
	frames := make(chan AgentFrame)
	go func() {
		<-ctx.Done()
		close(frames)
	}()
	return frames, nil
}

// Prompt survival: clearing the current transport while a prompt task is
// running does not cancel it.
func TestPromptTask_SurvivesTransportLoss(t *testing.T) {
	br := newTestBridge()
	br.transport = newFakeTransport()
	br.agentClient = blockingAgentClient{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task := &PromptTask{messageID: "msg-1", cancel: cancel, done: make(chan struct{})}

	br.mu.Lock()
	br.currentPromptTask = task
	br.mu.Unlock()

	go br.runPromptTask(ctx, task, InboundCommand{MessageID: "msg-1"})

	// Simulate socket loss: clear the transport.
	br.mu.Lock()
	br.transport = nil
	br.mu.Unlock()

	select {
	case <-task.done:
		t.Fatal("prompt task completed after transport loss; it should survive until cancelled")
	case <-time.After(100 * time.Millisecond):
	}
}

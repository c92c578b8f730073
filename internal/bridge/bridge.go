// Package bridge implements the long-lived bidirectional channel between a
// sandbox and the control plane: streaming agent events with
// at-least-once delivery, survival across reconnects, and prompt execution
// decoupled from any single socket's lifetime.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openinspect/supervisord/internal/auth"
)

// DefaultMaxEventBufferSize bounds the event buffer absent explicit config.
const DefaultMaxEventBufferSize = 256

// SessionTerminatedError signals that the control plane rejected the
// connection outright (401/403/404/410); the run loop must not reconnect.
type SessionTerminatedError struct {
	Status int
}

func (e *SessionTerminatedError) Error() string {
	return fmt.Sprintf("bridge: session terminated by control plane (status %d)", e.Status)
}

// isFatalConnectionError reports whether errString names a connection
// failure the control plane will never recover from on retry.
func isFatalConnectionError(errString string) bool {
	for _, status := range []string{"401", "403", "404", "410"} {
		if strings.Contains(errString, "HTTP "+status) {
			return true
		}
	}
	return false
}

// Bridge owns the websocket session, the at-least-once delivery state, and
// at most one in-flight PromptTask.
type Bridge struct {
	sandboxID       string
	sessionID       string
	controlPlaneURL string
	authCtx         *auth.Context
	agentSessionID  string
	agentClient     AgentClient

	dialer Dialer
	logger *slog.Logger

	runCtx context.Context

	mu                sync.Mutex
	transport         Transport
	pendingAck        map[string]AgentEvent
	buffer            *eventBuffer
	currentPromptTask *PromptTask
}

// Config carries the constructor inputs for a Bridge (§4.3.2).
type Config struct {
	SandboxID          string
	SessionID          string
	ControlPlaneURL    string
	AgentSessionID     string
	MaxEventBufferSize int
	AuthCtx            *auth.Context
	AgentClient        AgentClient
	Dialer             Dialer
	Logger             *slog.Logger
}

// New builds a Bridge. The agent session id is taken from
// cfg.AgentSessionID as given and is opaque to the control plane; New does
// not acquire one itself, and the supervise command leaves it empty.
func New(cfg Config) *Bridge {
	maxBuf := cfg.MaxEventBufferSize
	if maxBuf <= 0 {
		maxBuf = DefaultMaxEventBufferSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}

	return &Bridge{
		sandboxID:       cfg.SandboxID,
		sessionID:       cfg.SessionID,
		controlPlaneURL: cfg.ControlPlaneURL,
		authCtx:         cfg.AuthCtx,
		agentSessionID:  cfg.AgentSessionID,
		agentClient:     cfg.AgentClient,
		dialer:          dialer,
		logger:          logger.With("component", "bridge", "sandbox_id", cfg.SandboxID),
		pendingAck:      make(map[string]AgentEvent),
		buffer:          newEventBuffer(maxBuf),
	}
}

const (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 60 * time.Second
	reconnectBackoffFactor  = 2.0
)

// Run is the supervising loop: it establishes and services websocket
// connections, backing off exponentially between attempts, until ctx is
// cancelled or the control plane terminates the session outright (in which
// case it returns a *SessionTerminatedError and does not reconnect). On
// exit it cancels any in-flight PromptTask.
func (br *Bridge) Run(ctx context.Context) error {
	br.runCtx = ctx
	defer br.shutdownPromptTask()

	backoff := reconnectInitialBackoff
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		br.logger.Info("connecting to control plane", "attempt", attempt)

		err := br.connectAndServe(ctx)
		if err == nil {
			// connectAndServe reports every session end as an error, so a
			// nil result ends Run without reconnecting.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isFatalConnectionError(err.Error()) {
			return &SessionTerminatedError{Status: fatalStatusCode(err.Error())}
		}

		br.logger.Error("connection lost", "error", err, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(math.Min(float64(backoff)*reconnectBackoffFactor, float64(reconnectMaxBackoff)))
	}
}

// fatalStatusCode extracts the HTTP status code that made errString fatal,
// or 0 if none of the known fatal codes were found in it.
func fatalStatusCode(errString string) int {
	for _, s := range []string{"401", "403", "404", "410"} {
		if strings.Contains(errString, "HTTP "+s) {
			status, _ := strconv.Atoi(s)
			return status
		}
	}
	return 0
}

func (br *Bridge) shutdownPromptTask() {
	br.mu.Lock()
	task := br.currentPromptTask
	br.mu.Unlock()

	if task != nil && !task.isDone() {
		task.cancel()
	}
}

// connectAndServe opens one websocket and services it until it closes or
// errors. It returns the error that ended the session: the dial error, the
// socket's read error (a close by the control plane included), or ctx.Err().
func (br *Bridge) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	if br.authCtx != nil {
		token, err := br.authCtx.Mint()
		if err == nil {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, err := br.dialer(ctx, br.wsURL(), header)
	if err != nil {
		return fmt.Errorf("bridge: dial: %w", err)
	}

	br.mu.Lock()
	br.transport = conn
	br.mu.Unlock()

	defer func() {
		br.mu.Lock()
		br.transport = nil
		br.mu.Unlock()
		conn.Close()
	}()

	br.flushAfterConnect()

	return br.recvLoop(ctx, conn)
}

func (br *Bridge) wsURL() string {
	return fmt.Sprintf("%s/sandboxes/%s/bridge?sessionId=%s", br.controlPlaneURL, br.sandboxID, br.sessionID)
}

func (br *Bridge) recvLoop(ctx context.Context, conn Transport) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		cmd, err := decodeCommand(data)
		if err != nil {
			br.logger.Debug("dropping malformed inbound command", "error", err)
			continue
		}

		br.handleCommand(cmd)
	}
}

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openinspect/supervisord/internal/providerpb"
	"github.com/openinspect/supervisord/internal/state"
)

// Handle is the caller-facing reference to a sandbox created through the
// adapter: it lets the build pipeline wait for exit, run ad-hoc commands,
// and snapshot the filesystem.
type Handle struct {
	sandboxID      string
	providerHandle string
	createdAt      time.Time

	provider Provider
	store    *state.Store
}

// SandboxID is this system's local identifier for the sandbox.
func (h *Handle) SandboxID() string { return h.sandboxID }

// ProviderHandle is the opaque id the provider substrate assigned.
func (h *Handle) ProviderHandle() string { return h.providerHandle }

// CreatedAt is when the sandbox was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Wait blocks until the sandbox's main process exits and returns its exit
// code.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	code, err := h.provider.Wait(ctx, h.providerHandle)
	return int(code), err
}

// Exec runs an ad-hoc command inside the sandbox (e.g. reading HEAD SHA)
// and records it in the local command audit trail.
func (h *Handle) Exec(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	started := time.Now().UTC()
	reply, execErr := h.provider.Exec(ctx, h.providerHandle, args...)
	ended := time.Now().UTC()

	if h.store != nil {
		cmd := &state.Command{
			ID:         uuid.NewString(),
			SandboxID:  h.sandboxID,
			Command:    fmt.Sprint(args),
			Stdout:     reply.Stdout,
			Stderr:     reply.Stderr,
			ExitCode:   int(reply.ExitCode),
			DurationMS: ended.Sub(started).Milliseconds(),
			StartedAt:  started,
			EndedAt:    ended,
		}
		_ = h.store.CreateCommand(ctx, cmd)
	}

	return reply.Stdout, reply.Stderr, int(reply.ExitCode), execErr
}

// Snapshot snapshots the sandbox's filesystem into a new provider image id.
func (h *Handle) Snapshot(ctx context.Context) (string, error) {
	return h.provider.Snapshot(ctx, h.providerHandle)
}

// Destroy tears down the sandbox and marks its local record DESTROYED.
func (h *Handle) Destroy(ctx context.Context) error {
	err := h.provider.Destroy(ctx, h.providerHandle)
	if h.store != nil {
		_ = h.store.DeleteSandbox(ctx, h.sandboxID)
	}
	return err
}

// Adapter wires the Provider transport together with local state
// bookkeeping, implementing the three sandbox-provider operations this
// spec names.
type Adapter struct {
	Provider Provider
	Store    *state.Store
	Logger   *slog.Logger
}

// CreateSessionSandbox creates a normal session sandbox.
func (a *Adapter) CreateSessionSandbox(ctx context.Context, cfg SessionConfig, cloneToken string) (*Handle, error) {
	env := SessionEnv(cfg, cloneToken)
	timeout := cfg.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultSandboxTimeoutSeconds
	}

	sandboxID := cfg.SandboxID
	if sandboxID == "" {
		sandboxID = uuid.NewString()
	}

	return a.create(ctx, sandboxID, "session", env, timeout, cfg.RepoOwner, cfg.RepoName, "normal")
}

// CreateBuildSandbox creates a transient build sandbox.
func (a *Adapter) CreateBuildSandbox(ctx context.Context, repoOwner, repoName, defaultBranch, cloneToken string) (*Handle, error) {
	now := time.Now().UTC()
	env, err := BuildEnv(repoOwner, repoName, defaultBranch, cloneToken, now)
	if err != nil {
		return nil, err
	}

	sandboxID := env["SANDBOX_ID"]
	return a.create(ctx, sandboxID, "build", env, BuildSandboxTimeoutSeconds, repoOwner, repoName, "build")
}

// RestoreFromSnapshot restores a session sandbox from a prior image.
func (a *Adapter) RestoreFromSnapshot(ctx context.Context, imageID string, cfg SessionConfig, cloneToken string) (*Handle, error) {
	env, timeout := RestoreEnv(cfg, cloneToken)

	sandboxID := cfg.SandboxID
	if sandboxID == "" {
		sandboxID = uuid.NewString()
	}

	return a.createWithImage(ctx, sandboxID, "session", env, timeout, imageID, cfg.RepoOwner, cfg.RepoName, "snapshot_restore")
}

func (a *Adapter) create(ctx context.Context, sandboxID, kind string, env map[string]string, timeoutSeconds int, repoOwner, repoName, bootMode string) (*Handle, error) {
	return a.createWithImage(ctx, sandboxID, kind, env, timeoutSeconds, "", repoOwner, repoName, bootMode)
}

func (a *Adapter) createWithImage(ctx context.Context, sandboxID, kind string, env map[string]string, timeoutSeconds int, imageID, repoOwner, repoName, bootMode string) (*Handle, error) {
	reply, err := a.Provider.Create(ctx, providerpb.CreateRequest{
		SandboxID:      sandboxID,
		Kind:           kind,
		Env:            env,
		TimeoutSeconds: timeoutSeconds,
		ImageID:        imageID,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: create sandbox: %w", err)
	}

	handle := &Handle{
		sandboxID:      sandboxID,
		providerHandle: reply.ProviderHandle,
		createdAt:      time.Now().UTC(),
		provider:       a.Provider,
		store:          a.Store,
	}

	if a.Store != nil {
		rec := &state.Sandbox{
			ID:             sandboxID,
			Kind:           kind,
			RepoOwner:      repoOwner,
			RepoName:       repoName,
			ProviderHandle: reply.ProviderHandle,
			BootMode:       bootMode,
			State:          "RUNNING",
			TTLSeconds:     timeoutSeconds,
		}
		if err := a.Store.CreateSandbox(ctx, rec); err != nil {
			if a.Logger != nil {
				a.Logger.Warn("failed to persist sandbox record", "sandbox_id", sandboxID, "error", err)
			}
		}
	}

	return handle, nil
}

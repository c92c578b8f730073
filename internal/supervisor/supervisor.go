// Package supervisor implements the in-sandbox bootstrap state machine: it
// selects a boot mode from environment inputs, performs the matching
// filesystem preparation, runs the repo's lifecycle hooks, and starts the
// agent process and bridge.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// BootMode is the state the supervisor starts in, chosen once at startup.
type BootMode string

const (
	ModeNormal          BootMode = "normal"
	ModeBuild           BootMode = "build"
	ModeRepoImage       BootMode = "repo_image"
	ModeSnapshotRestore BootMode = "snapshot_restore"
)

const (
	defaultSetupTimeout = 300 * time.Second
	defaultStartTimeout = 120 * time.Second
)

// Supervisor orchestrates one sandbox boot. Each pipeline step is an
// overridable function field so tests substitute fakes the same way the
// pre-distillation implementation monkey-patched bound methods.
type Supervisor struct {
	SandboxID string
	RepoOwner string
	RepoName  string
	RepoPath  string
	BootMode  BootMode

	VCSHost          string
	VCSCloneUsername string
	VCSCloneToken    string
	GithubAppToken   string

	SetupTimeout time.Duration
	StartTimeout time.Duration

	Logger *slog.Logger

	PerformGitSync     func(ctx context.Context) (bool, error)
	IncrementalGitSync func(ctx context.Context) (bool, error)
	QuickGitFetch      func(ctx context.Context) error
	RunSetupScript     func(ctx context.Context) bool
	RunStartScript     func(ctx context.Context) bool
	StartAgent         func(ctx context.Context) error
	StartBridge        func(ctx context.Context) error
	MonitorProcesses   func(ctx context.Context) error
	ReportFatalError   func(ctx context.Context, err error)
}

// NewFromEnv selects a boot mode and populates supervisor fields from the
// process environment (§4.4.1, §6.5).
func NewFromEnv(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		SandboxID:        os.Getenv("SANDBOX_ID"),
		RepoOwner:        os.Getenv("REPO_OWNER"),
		RepoName:         os.Getenv("REPO_NAME"),
		VCSHost:          os.Getenv("VCS_HOST"),
		VCSCloneUsername: os.Getenv("VCS_CLONE_USERNAME"),
		VCSCloneToken:    os.Getenv("VCS_CLONE_TOKEN"),
		GithubAppToken:   os.Getenv("GITHUB_APP_TOKEN"),
		SetupTimeout:     parseTimeoutEnv("SETUP_TIMEOUT_SECONDS", defaultSetupTimeout),
		StartTimeout:     parseTimeoutEnv("START_TIMEOUT_SECONDS", defaultStartTimeout),
		Logger:           logger.With("component", "supervisor"),
	}

	if s.RepoName != "" {
		s.RepoPath = "/workspace/" + s.RepoName
	}

	switch {
	case os.Getenv("IMAGE_BUILD_MODE") == "true":
		s.BootMode = ModeBuild
	case os.Getenv("FROM_REPO_IMAGE") == "true":
		s.BootMode = ModeRepoImage
	case os.Getenv("RESTORED_FROM_SNAPSHOT") == "true":
		s.BootMode = ModeSnapshotRestore
	default:
		s.BootMode = ModeNormal
	}

	s.wireDefaults()
	return s
}

func (s *Supervisor) wireDefaults() {
	if s.PerformGitSync == nil {
		s.PerformGitSync = s.performGitSync
	}
	if s.IncrementalGitSync == nil {
		s.IncrementalGitSync = s.incrementalGitSync
	}
	if s.QuickGitFetch == nil {
		s.QuickGitFetch = s.quickGitFetch
	}
	if s.RunSetupScript == nil {
		s.RunSetupScript = func(ctx context.Context) bool { return s.runHook(ctx, "setup.sh", s.SetupTimeout) }
	}
	if s.RunStartScript == nil {
		s.RunStartScript = func(ctx context.Context) bool { return s.runHook(ctx, "start.sh", s.StartTimeout) }
	}
	if s.StartAgent == nil {
		s.StartAgent = func(ctx context.Context) error { return nil }
	}
	if s.StartBridge == nil {
		s.StartBridge = func(ctx context.Context) error { return nil }
	}
	if s.MonitorProcesses == nil {
		s.MonitorProcesses = func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	}
	if s.ReportFatalError == nil {
		s.ReportFatalError = func(ctx context.Context, err error) {
			s.Logger.Error("fatal supervisor error", "error", err)
		}
	}
}

// Run drives the per-mode pipeline described in §4.4.2.
func (s *Supervisor) Run(ctx context.Context) error {
	s.wireDefaults()

	var (
		syncOK bool
		err    error
	)

	switch s.BootMode {
	case ModeBuild:
		syncOK, err = s.PerformGitSync(ctx)
	case ModeRepoImage:
		syncOK, err = s.IncrementalGitSync(ctx)
	case ModeSnapshotRestore:
		err = s.QuickGitFetch(ctx)
		syncOK = err == nil
	default:
		syncOK, err = s.PerformGitSync(ctx)
	}
	if err != nil {
		s.Logger.Error("git sync failed", "mode", s.BootMode, "error", err)
	}
	_ = syncOK

	runsSetup := s.BootMode == ModeNormal || s.BootMode == ModeBuild
	runsStart := s.BootMode != ModeBuild

	if runsSetup {
		if ok := s.RunSetupScript(ctx); !ok {
			if s.BootMode != ModeNormal {
				err := fmt.Errorf("supervisor: setup.sh failed")
				s.ReportFatalError(ctx, err)
				return err
			}
			s.Logger.Warn("setup.sh failed, tolerated in normal mode", "hook", "setup.sh")
		}
	}

	if s.BootMode == ModeBuild {
		// Build sandboxes are deliberately terminated by the external build
		// worker after snapshotting; wait for that shutdown signal instead
		// of starting the agent or bridge.
		<-ctx.Done()
		return nil
	}

	if runsStart {
		if ok := s.RunStartScript(ctx); !ok {
			return s.handleHookFailure(ctx, "start.sh")
		}
	}

	if err := s.StartAgent(ctx); err != nil {
		return fmt.Errorf("supervisor: start agent: %w", err)
	}
	if err := s.StartBridge(ctx); err != nil {
		return fmt.Errorf("supervisor: start bridge: %w", err)
	}

	return s.MonitorProcesses(ctx)
}

// handleHookFailure applies §4.4.4's failure policy to a start.sh failure:
// fatal in every non-normal mode, tolerated (logged only, pipeline
// continues to agent/bridge startup) in normal mode.
func (s *Supervisor) handleHookFailure(ctx context.Context, hook string) error {
	err := fmt.Errorf("supervisor: %s failed", hook)

	if s.BootMode == ModeNormal {
		s.Logger.Warn("hook failure tolerated in normal mode", "hook", hook)
		if err2 := s.StartAgent(ctx); err2 != nil {
			return fmt.Errorf("supervisor: start agent: %w", err2)
		}
		if err2 := s.StartBridge(ctx); err2 != nil {
			return fmt.Errorf("supervisor: start bridge: %w", err2)
		}
		return s.MonitorProcesses(ctx)
	}

	s.ReportFatalError(ctx, err)
	return err
}

func parseTimeoutEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

var errNoRepoPath = errors.New("supervisor: repo path not set")

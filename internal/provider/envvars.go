// Package provider adapts this system's sandbox operations (create,
// restore, snapshot) onto an external sandbox-provider substrate, reached
// over gRPC. It owns the environment-variable composition contract that
// every sandbox boot depends on.
package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultSandboxTimeoutSeconds is used by RestoreFromSnapshot unless the
// caller overrides it with a config-level timeout, and must stay
// consistent between CreateSessionSandbox and RestoreFromSnapshot for the
// same logical config.
const DefaultSandboxTimeoutSeconds = 600

// BuildSandboxTimeoutSeconds bounds a build sandbox's lifetime.
const BuildSandboxTimeoutSeconds = 1800

// SessionConfig describes a session sandbox request.
type SessionConfig struct {
	RepoOwner        string
	RepoName         string
	ControlPlaneURL  string
	SandboxAuthToken string
	SandboxID        string
	UserEnvVars      map[string]string
	TimeoutSeconds   int // 0 means "use DefaultSandboxTimeoutSeconds"
}

// vcsVars derives VCS_HOST/VCS_CLONE_USERNAME/VCS_CLONE_TOKEN (and, for
// GitHub, the legacy mirrors) from SCM_PROVIDER and an optional clone
// token. It never reads the clone token from the environment; callers
// supply it explicitly so a build sandbox's token is never confused with a
// session sandbox's.
func vcsVars(cloneToken string) map[string]string {
	provider := os.Getenv("SCM_PROVIDER")

	var host, username string
	switch provider {
	case "bitbucket":
		host = "bitbucket.org"
		username = "x-token-auth"
	default: // "" or "github"
		host = "github.com"
		username = "x-access-token"
	}

	out := map[string]string{
		"VCS_HOST":           host,
		"VCS_CLONE_USERNAME": username,
	}

	if cloneToken != "" {
		out["VCS_CLONE_TOKEN"] = cloneToken
		if provider == "" || provider == "github" {
			out["GITHUB_APP_TOKEN"] = cloneToken
			out["GITHUB_TOKEN"] = cloneToken
		}
	}

	return out
}

// composeEnv merges userEnvVars under system, with system vars always
// winning on key collision. system is never mutated; userEnvVars is never
// mutated.
func composeEnv(system map[string]string, userEnvVars map[string]string) map[string]string {
	out := make(map[string]string, len(system)+len(userEnvVars))
	for k, v := range userEnvVars {
		out[k] = v
	}
	for k, v := range system {
		out[k] = v
	}
	return out
}

// SessionEnv builds the environment for a session sandbox (normal boot),
// honoring the precedence rule: system-injected vars always override
// user-supplied ones.
func SessionEnv(cfg SessionConfig, cloneToken string) map[string]string {
	system := map[string]string{
		"CONTROL_PLANE_URL":  cfg.ControlPlaneURL,
		"SANDBOX_AUTH_TOKEN": cfg.SandboxAuthToken,
		"SANDBOX_ID":         cfg.SandboxID,
	}
	for k, v := range vcsVars(cloneToken) {
		system[k] = v
	}
	return composeEnv(system, cfg.UserEnvVars)
}

// BuildEnv builds the environment for a build sandbox. Per the contract,
// it never emits CONTROL_PLANE_URL, SANDBOX_AUTH_TOKEN, or any
// LLM-provider credentials, and attaches no other secrets beyond the VCS
// clone token.
func BuildEnv(repoOwner, repoName, defaultBranch, cloneToken string, now time.Time) (map[string]string, error) {
	sessionConfig, err := json.Marshal(map[string]string{"branch": defaultBranch})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal session config: %w", err)
	}

	system := map[string]string{
		"IMAGE_BUILD_MODE": "true",
		"REPO_OWNER":       repoOwner,
		"REPO_NAME":        repoName,
		"SANDBOX_ID":       fmt.Sprintf("build-%s-%s-%d", repoOwner, repoName, now.Unix()),
		"SESSION_CONFIG":   string(sessionConfig),
	}
	for k, v := range vcsVars(cloneToken) {
		system[k] = v
	}
	return system, nil
}

// RestoreEnv builds the environment for a snapshot-restore sandbox using
// the same composition rules as SessionEnv, plus the resolved timeout so
// callers can assert create/restore timeout consistency.
func RestoreEnv(cfg SessionConfig, cloneToken string) (map[string]string, int) {
	env := SessionEnv(cfg, cloneToken)
	timeout := cfg.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultSandboxTimeoutSeconds
	}
	return env, timeout
}

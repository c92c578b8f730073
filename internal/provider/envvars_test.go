package provider

import (
	"testing"
	"time"
)

func TestSessionEnv_SystemVarsOverrideUser(t *testing.T) {
	t.Setenv("SCM_PROVIDER", "")

	cfg := SessionConfig{
		ControlPlaneURL:  "https://control-plane.example",
		SandboxAuthToken: "token-123",
		SandboxID:        "sbx-1",
		UserEnvVars: map[string]string{
			"CONTROL_PLANE_URL": "https://malicious.example",
			"CUSTOM_SECRET":     "value",
		},
	}

	env := SessionEnv(cfg, "")

	if env["CONTROL_PLANE_URL"] != "https://control-plane.example" {
		t.Errorf("CONTROL_PLANE_URL = %q, want system value", env["CONTROL_PLANE_URL"])
	}
	if env["CUSTOM_SECRET"] != "value" {
		t.Errorf("CUSTOM_SECRET = %q, want value", env["CUSTOM_SECRET"])
	}
	if env["SANDBOX_AUTH_TOKEN"] != "token-123" {
		t.Errorf("SANDBOX_AUTH_TOKEN = %q, want token-123", env["SANDBOX_AUTH_TOKEN"])
	}
}

func TestVCSVars_DefaultAndExplicitGitHub(t *testing.T) {
	for _, provider := range []string{"", "github"} {
		t.Run("provider="+provider, func(t *testing.T) {
			t.Setenv("SCM_PROVIDER", provider)

			env := SessionEnv(SessionConfig{}, "ghp_test123")

			if env["VCS_HOST"] != "github.com" {
				t.Errorf("VCS_HOST = %q, want github.com", env["VCS_HOST"])
			}
			if env["VCS_CLONE_USERNAME"] != "x-access-token" {
				t.Errorf("VCS_CLONE_USERNAME = %q, want x-access-token", env["VCS_CLONE_USERNAME"])
			}
			if env["VCS_CLONE_TOKEN"] != "ghp_test123" {
				t.Errorf("VCS_CLONE_TOKEN = %q, want ghp_test123", env["VCS_CLONE_TOKEN"])
			}
			if env["GITHUB_APP_TOKEN"] != "ghp_test123" {
				t.Errorf("GITHUB_APP_TOKEN = %q, want ghp_test123", env["GITHUB_APP_TOKEN"])
			}
			if env["GITHUB_TOKEN"] != "ghp_test123" {
				t.Errorf("GITHUB_TOKEN = %q, want ghp_test123", env["GITHUB_TOKEN"])
			}
		})
	}
}

func TestVCSVars_Bitbucket(t *testing.T) {
	t.Setenv("SCM_PROVIDER", "bitbucket")

	env := SessionEnv(SessionConfig{}, "bb_token_abc")

	if env["VCS_HOST"] != "bitbucket.org" {
		t.Errorf("VCS_HOST = %q, want bitbucket.org", env["VCS_HOST"])
	}
	if env["VCS_CLONE_USERNAME"] != "x-token-auth" {
		t.Errorf("VCS_CLONE_USERNAME = %q, want x-token-auth", env["VCS_CLONE_USERNAME"])
	}
	if env["VCS_CLONE_TOKEN"] != "bb_token_abc" {
		t.Errorf("VCS_CLONE_TOKEN = %q, want bb_token_abc", env["VCS_CLONE_TOKEN"])
	}
	if _, ok := env["GITHUB_APP_TOKEN"]; ok {
		t.Error("GITHUB_APP_TOKEN should not be set for bitbucket")
	}
	if _, ok := env["GITHUB_TOKEN"]; ok {
		t.Error("GITHUB_TOKEN should not be set for bitbucket")
	}
}

func TestVCSVars_NoTokenOmitsAllTokenVars(t *testing.T) {
	t.Setenv("SCM_PROVIDER", "")

	env := SessionEnv(SessionConfig{}, "")

	if env["VCS_HOST"] != "github.com" {
		t.Errorf("VCS_HOST = %q, want github.com", env["VCS_HOST"])
	}
	if env["VCS_CLONE_USERNAME"] != "x-access-token" {
		t.Errorf("VCS_CLONE_USERNAME = %q, want x-access-token", env["VCS_CLONE_USERNAME"])
	}
	for _, k := range []string{"VCS_CLONE_TOKEN", "GITHUB_APP_TOKEN", "GITHUB_TOKEN"} {
		if _, ok := env[k]; ok {
			t.Errorf("%s should be omitted when no token is provided", k)
		}
	}
}

func TestBuildEnv_ExcludesControlPlaneAndAuthVars(t *testing.T) {
	t.Setenv("SCM_PROVIDER", "")

	now := time.Unix(1700000000, 0)
	env, err := BuildEnv("acme", "repo", "main", "ghp_abc", now)
	if err != nil {
		t.Fatalf("BuildEnv failed: %v", err)
	}

	if env["IMAGE_BUILD_MODE"] != "true" {
		t.Errorf("IMAGE_BUILD_MODE = %q, want true", env["IMAGE_BUILD_MODE"])
	}
	if env["REPO_OWNER"] != "acme" || env["REPO_NAME"] != "repo" {
		t.Errorf("unexpected repo owner/name: %q/%q", env["REPO_OWNER"], env["REPO_NAME"])
	}
	wantID := "build-acme-repo-1700000000"
	if env["SANDBOX_ID"] != wantID {
		t.Errorf("SANDBOX_ID = %q, want %q", env["SANDBOX_ID"], wantID)
	}
	if env["SESSION_CONFIG"] != `{"branch":"main"}` {
		t.Errorf("SESSION_CONFIG = %q, want branch main", env["SESSION_CONFIG"])
	}

	for _, k := range []string{"CONTROL_PLANE_URL", "SANDBOX_AUTH_TOKEN"} {
		if _, ok := env[k]; ok {
			t.Errorf("%s must not be set on a build sandbox", k)
		}
	}
}

func TestRestoreEnv_DefaultAndCustomTimeout(t *testing.T) {
	env, timeout := RestoreEnv(SessionConfig{}, "")
	_ = env
	if timeout != DefaultSandboxTimeoutSeconds {
		t.Errorf("timeout = %d, want default %d", timeout, DefaultSandboxTimeoutSeconds)
	}

	_, timeout2 := RestoreEnv(SessionConfig{TimeoutSeconds: 14400}, "")
	if timeout2 != 14400 {
		t.Errorf("timeout = %d, want 14400", timeout2)
	}
}

func TestCreateAndRestoreTimeoutConsistency(t *testing.T) {
	cfg := SessionConfig{TimeoutSeconds: 5400}
	_, restoreTimeout := RestoreEnv(cfg, "")

	createTimeout := cfg.TimeoutSeconds
	if createTimeout == 0 {
		createTimeout = DefaultSandboxTimeoutSeconds
	}

	if createTimeout != restoreTimeout {
		t.Errorf("create timeout %d != restore timeout %d", createTimeout, restoreTimeout)
	}
}

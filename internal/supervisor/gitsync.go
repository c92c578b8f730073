package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	normalCloneDepth = "1"
	buildCloneDepth  = "100"
)

// buildRepoURL composes the clone URL per §4.4.5. Token resolution order:
// VCS_CLONE_TOKEN first, then the legacy GITHUB_APP_TOKEN fallback for
// GitHub only. Defaults fall back to GitHub when no VCS vars are set.
func (s *Supervisor) buildRepoURL(authenticated bool) string {
	host := s.VCSHost
	username := s.VCSCloneUsername
	if host == "" {
		host = "github.com"
	}
	if username == "" {
		username = "x-access-token"
	}

	token := s.VCSCloneToken
	if token == "" && host == "github.com" {
		token = s.GithubAppToken
	}

	path := fmt.Sprintf("%s/%s/%s.git", host, s.RepoOwner, s.RepoName)
	if !authenticated || token == "" {
		return "https://" + path
	}
	return fmt.Sprintf("https://%s:%s@%s", username, token, path)
}

// performGitSync does a fresh clone. depth is 1 in normal mode, 100 in
// build mode (§4.4.2).
func (s *Supervisor) performGitSync(ctx context.Context) (bool, error) {
	depth := normalCloneDepth
	if s.BootMode == ModeBuild {
		depth = buildCloneDepth
	}

	if s.RepoPath == "" {
		return false, errNoRepoPath
	}

	if _, err := os.Stat(s.RepoPath); err == nil {
		return true, nil
	}

	url := s.buildRepoURL(true)
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", depth, url, s.RepoPath)
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("supervisor: git clone: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return true, nil
}

// incrementalGitSync updates an existing clone in place: set-url (if a
// token is configured), fetch origin, reset --hard origin/main.
func (s *Supervisor) incrementalGitSync(ctx context.Context) (bool, error) {
	if s.RepoPath == "" {
		return false, nil
	}
	if _, err := os.Stat(s.RepoPath); err != nil {
		return false, nil
	}

	run := func(args ...string) error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = s.RepoPath
		cmd.Env = os.Environ()
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("supervisor: git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	if s.VCSCloneToken != "" {
		if err := run("remote", "set-url", "origin", s.buildRepoURL(true)); err != nil {
			return false, err
		}
	}
	if err := run("fetch", "origin"); err != nil {
		return false, err
	}
	if err := run("reset", "--hard", "origin/main"); err != nil {
		return false, err
	}

	return true, nil
}

// quickGitFetch is used on snapshot restore: the filesystem is already in
// place from the snapshot, so this is a cheap freshness check only.
func (s *Supervisor) quickGitFetch(ctx context.Context) error {
	if s.RepoPath == "" {
		return nil
	}
	if _, err := os.Stat(s.RepoPath); err != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "fetch", "origin")
	cmd.Dir = s.RepoPath
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("supervisor: git fetch: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

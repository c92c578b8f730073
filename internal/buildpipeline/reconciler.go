package buildpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openinspect/supervisord/internal/auth"
)

const defaultLsRemoteTimeout = 30 * time.Second

// EnabledRepo is one entry of GET /repo-images/enabled-repos.
type EnabledRepo struct {
	RepoOwner string `json:"repoOwner"`
	RepoName  string `json:"repoName"`
}

// BuildRecord is one entry of GET /repo-images/status.
type BuildRecord struct {
	RepoOwner string    `json:"repo_owner"`
	RepoName  string    `json:"repo_name"`
	Status    string    `json:"status"`
	BaseSHA   string    `json:"base_sha"`
	CreatedAt time.Time `json:"created_at"`
}

// Reconciler periodically compares each enabled repo's remote HEAD against
// its latest ready build image and triggers a rebuild on mismatch.
type Reconciler struct {
	ControlPlaneURL string

	// MintVCSToken is best-effort: ls-remote proceeds unauthenticated if it
	// returns an error.
	MintVCSToken func(ctx context.Context) (string, error)

	AuthCtx         *auth.Context
	HTTPClient      *http.Client
	LsRemoteTimeout time.Duration
	StaleAfter      time.Duration
	CleanupAfter    time.Duration
	Logger          *slog.Logger
}

func (r *Reconciler) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: callbackPostTimeout}
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reconciler) lsRemoteTimeout() time.Duration {
	if r.LsRemoteTimeout > 0 {
		return r.LsRemoteTimeout
	}
	return defaultLsRemoteTimeout
}

// Start runs Tick on a fixed cadence until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	r.Tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass: fetch enabled repos and build status,
// trigger rebuilds where the remote HEAD has moved past the latest ready
// image, then ask the control plane to mark stale builds failed and clean
// up old failed rows. Per-repo errors and mark-stale/cleanup failures are
// logged and do not abort the pass; a failure to mint the token or to fetch
// the enabled repos or the build status ends the pass early, as does an
// empty enabled-repos list.
func (r *Reconciler) Tick(ctx context.Context) {
	log := r.logger()

	if r.ControlPlaneURL == "" {
		log.Error("reconciler: no control plane url configured")
		return
	}

	start := time.Now()
	triggered := 0

	token, err := r.mintToken()
	if err != nil {
		log.Error("reconciler: mint token failed", "error", err)
		return
	}

	enabledResp, err := doGetJSON(ctx, r.httpClient(), r.ControlPlaneURL+"/repo-images/enabled-repos", token)
	if err != nil {
		log.Error("reconciler: fetch enabled repos failed", "error", err)
		return
	}
	enabled := decodeEnabledRepos(enabledResp)
	if len(enabled) == 0 {
		log.Info("reconciler: no enabled repos")
		return
	}

	statusResp, err := doGetJSON(ctx, r.httpClient(), r.ControlPlaneURL+"/repo-images/status", token)
	if err != nil {
		log.Error("reconciler: fetch image status failed", "error", err)
		return
	}
	allImages := decodeBuildRecords(statusResp)

	cloneToken := ""
	if r.MintVCSToken != nil {
		if t, err := r.MintVCSToken(ctx); err == nil {
			cloneToken = t
		}
	}

	for _, repo := range enabled {
		if repo.RepoOwner == "" || repo.RepoName == "" {
			continue
		}

		remoteSHA, err := gitLsRemoteSHA(ctx, repo.RepoOwner, repo.RepoName, "main", cloneToken, r.lsRemoteTimeout())
		if err != nil || remoteSHA == "" {
			continue
		}

		if !shouldRebuild(repo.RepoOwner, repo.RepoName, remoteSHA, allImages) {
			continue
		}

		triggerURL := fmt.Sprintf("%s/repo-images/trigger/%s/%s", r.ControlPlaneURL, repo.RepoOwner, repo.RepoName)
		if _, err := doPostJSONDecode(ctx, r.httpClient(), triggerURL, token, map[string]any{}); err != nil {
			log.Error("reconciler: trigger failed", "repo_owner", repo.RepoOwner, "repo_name", repo.RepoName, "error", err)
			continue
		}
		triggered++
		log.Info("reconciler: build triggered", "repo_owner", repo.RepoOwner, "repo_name", repo.RepoName)
	}

	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2100 * time.Second
	}
	if _, err := doPostJSONDecode(ctx, r.httpClient(), r.ControlPlaneURL+"/repo-images/mark-stale", token, map[string]any{
		"max_age_seconds": int(staleAfter.Seconds()),
	}); err != nil {
		log.Warn("reconciler: mark-stale failed", "error", err)
	}

	cleanupAfter := r.CleanupAfter
	if cleanupAfter <= 0 {
		cleanupAfter = 86400 * time.Second
	}
	if _, err := doPostJSONDecode(ctx, r.httpClient(), r.ControlPlaneURL+"/repo-images/cleanup", token, map[string]any{
		"max_age_seconds": int(cleanupAfter.Seconds()),
	}); err != nil {
		log.Warn("reconciler: cleanup failed", "error", err)
	}

	log.Info("reconciler: done", "builds_triggered", triggered, "duration_s", time.Since(start).Seconds())
}

func (r *Reconciler) mintToken() (string, error) {
	if r.AuthCtx == nil {
		return "", fmt.Errorf("buildpipeline: no auth context configured")
	}
	return r.AuthCtx.Mint()
}

func decodeEnabledRepos(resp map[string]any) []EnabledRepo {
	raw, _ := resp["repos"].([]any)
	out := make([]EnabledRepo, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, EnabledRepo{
			RepoOwner: stringField(m, "repoOwner"),
			RepoName:  stringField(m, "repoName"),
		})
	}
	return out
}

func decodeBuildRecords(resp map[string]any) []BuildRecord {
	raw, _ := resp["images"].([]any)
	out := make([]BuildRecord, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, BuildRecord{
			RepoOwner: stringField(m, "repo_owner"),
			RepoName:  stringField(m, "repo_name"),
			Status:    stringField(m, "status"),
			BaseSHA:   stringField(m, "base_sha"),
			CreatedAt: timeField(m, "created_at"),
		})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func timeField(m map[string]any, key string) time.Time {
	v, _ := m[key].(string)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// shouldRebuild decides whether repoOwner/repoName needs a fresh build,
// comparing remoteSHA against the newest ready record. Repo matching is
// case-insensitive; records are defensively re-sorted by CreatedAt
// descending rather than trusted to already be ordered.
func shouldRebuild(repoOwner, repoName, remoteSHA string, allImages []BuildRecord) bool {
	ownerLower := strings.ToLower(repoOwner)
	nameLower := strings.ToLower(repoName)

	var repoImages []BuildRecord
	for _, img := range allImages {
		if strings.ToLower(img.RepoOwner) == ownerLower && strings.ToLower(img.RepoName) == nameLower {
			repoImages = append(repoImages, img)
		}
	}

	for _, img := range repoImages {
		if img.Status == "building" {
			return false
		}
	}

	var ready []BuildRecord
	for _, img := range repoImages {
		if img.Status == "ready" {
			ready = append(ready, img)
		}
	}
	if len(ready) == 0 {
		return true
	}

	sort.SliceStable(ready, func(i, j int) bool { return ready[i].CreatedAt.After(ready[j].CreatedAt) })
	return ready[0].BaseSHA != remoteSHA
}

// gitLsRemoteSHA resolves branch's HEAD SHA on the remote, using
// cloneToken for authentication when present.
func gitLsRemoteSHA(ctx context.Context, repoOwner, repoName, branch, cloneToken string, timeout time.Duration) (string, error) {
	var url string
	if cloneToken != "" {
		url = fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", cloneToken, repoOwner, repoName)
	} else {
		url = fmt.Sprintf("https://github.com/%s/%s.git", repoOwner, repoName)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", "ls-remote", url, "refs/heads/"+branch)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote: %w", err)
	}

	output := strings.TrimSpace(string(out))
	if output == "" {
		return "", fmt.Errorf("git ls-remote: empty output")
	}
	fields := strings.Split(output, "\t")
	return fields[0], nil
}

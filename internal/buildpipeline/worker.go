// Package buildpipeline implements the image-build pipeline: an async
// worker that turns a repository into a pre-warmed sandbox snapshot, and a
// periodic reconciler that decides which repositories need a fresh build.
package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openinspect/supervisord/internal/auth"
)

// BuildSandbox is the subset of a build sandbox handle the worker needs:
// await exit, run the HEAD-SHA read, snapshot the filesystem, and tear
// down. *provider.Handle satisfies this structurally.
type BuildSandbox interface {
	Wait(ctx context.Context) (int, error)
	Exec(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error)
	Snapshot(ctx context.Context) (string, error)
	Destroy(ctx context.Context) error
}

// BuildError reports a build sandbox that exited non-zero.
type BuildError struct {
	ExitCode int
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build sandbox exited with code %d", e.ExitCode)
}

// BuildRequest carries the inputs a control-plane build API call supplies.
type BuildRequest struct {
	RepoOwner     string
	RepoName      string
	DefaultBranch string
	CallbackURL   string
	BuildID       string
}

const (
	callbackMaxRetries   = 3
	callbackBackoffBase  = 2 * time.Second
	callbackPostTimeout  = 30 * time.Second
	defaultDefaultBranch = "main"
)

// Worker runs BuildRepoImage invocations. Every field beyond CreateBuildSandbox
// has a usable zero value at Run time except AuthCtx, which callback
// delivery requires.
type Worker struct {
	// CreateBuildSandbox provisions the transient build sandbox via C2.
	CreateBuildSandbox func(ctx context.Context, repoOwner, repoName, defaultBranch, cloneToken string) (BuildSandbox, error)

	// MintCloneToken is best-effort: a failure here means the build
	// proceeds without VCS credentials rather than aborting.
	MintCloneToken func(ctx context.Context) (string, error)

	// CallbackAllowlist bounds which hosts build callbacks may target.
	CallbackAllowlist []string

	AuthCtx    *auth.Context
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (w *Worker) httpClient() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return &http.Client{Timeout: callbackPostTimeout}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// validCallbackURL reports whether url has one of CallbackAllowlist's
// entries as a prefix. An empty allowlist accepts nothing — the SSRF guard
// fails closed absent explicit configuration.
func (w *Worker) validCallbackURL(url string) bool {
	for _, prefix := range w.CallbackAllowlist {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// BuildRepoImage runs one build end to end: mint a clone token, create the
// build sandbox, await its exit, read the HEAD SHA, snapshot the
// filesystem, and report the result to callback_url (or its /build-failed
// sibling on failure). Never returns an error — failures are logged and
// reported via callback.
func (w *Worker) BuildRepoImage(ctx context.Context, req BuildRequest) {
	log := w.logger().With("build_id", req.BuildID, "repo_owner", req.RepoOwner, "repo_name", req.RepoName)

	if req.CallbackURL != "" && !w.validCallbackURL(req.CallbackURL) {
		log.Error("build: invalid callback url", "url", req.CallbackURL)
		return
	}

	branch := req.DefaultBranch
	if branch == "" {
		branch = defaultDefaultBranch
	}

	start := time.Now()

	cloneToken := ""
	if w.MintCloneToken != nil {
		if token, err := w.MintCloneToken(ctx); err == nil {
			cloneToken = token
		} else {
			log.Warn("build: clone token mint failed, continuing unauthenticated", "error", err)
		}
	}

	log.Info("build: starting", "default_branch", branch)

	sandbox, err := w.CreateBuildSandbox(ctx, req.RepoOwner, req.RepoName, branch, cloneToken)
	if err != nil {
		w.reportFailure(ctx, req, start, fmt.Errorf("create build sandbox: %w", err))
		return
	}

	exitCode, err := sandbox.Wait(ctx)
	if err != nil {
		w.reportFailure(ctx, req, start, fmt.Errorf("await sandbox exit: %w", err))
		return
	}
	if exitCode != 0 {
		w.reportFailure(ctx, req, start, &BuildError{ExitCode: exitCode})
		return
	}

	baseSHA := w.readHeadSHA(ctx, sandbox, req.RepoName)

	imageID, err := sandbox.Snapshot(ctx)
	if err != nil {
		w.reportFailure(ctx, req, start, fmt.Errorf("snapshot filesystem: %w", err))
		return
	}

	duration := time.Since(start)
	log.Info("build: succeeded", "provider_image_id", imageID, "base_sha", baseSHA, "build_duration_s", duration.Seconds())

	if req.CallbackURL == "" {
		return
	}

	ok := w.callbackWithRetry(ctx, req.CallbackURL, map[string]any{
		"build_id":               req.BuildID,
		"provider_image_id":      imageID,
		"base_sha":               baseSHA,
		"build_duration_seconds": duration.Seconds(),
	})
	if !ok {
		log.Error("build: success callback delivery failed after retries")
	}
}

func (w *Worker) readHeadSHA(ctx context.Context, sandbox BuildSandbox, repoName string) string {
	repoPath := "/workspace/" + repoName
	stdout, _, exitCode, err := sandbox.Exec(ctx, "git", "-C", repoPath, "rev-parse", "HEAD")
	if err != nil || exitCode != 0 {
		w.logger().Warn("build: read head sha failed", "error", err, "exit_code", exitCode)
		return ""
	}
	return strings.TrimSpace(stdout)
}

func (w *Worker) reportFailure(ctx context.Context, req BuildRequest, start time.Time, buildErr error) {
	duration := time.Since(start)
	w.logger().Error("build: failed", "build_id", req.BuildID, "error", buildErr, "build_duration_s", duration.Seconds())

	if req.CallbackURL == "" {
		return
	}

	failureURL := failureCallbackURL(req.CallbackURL)
	w.callbackWithRetry(ctx, failureURL, map[string]any{
		"build_id": req.BuildID,
		"error":    buildErr.Error(),
	})
}

// failureCallbackURL derives the sibling "/build-failed" URL by replacing
// the success callback's final path segment, mirroring rsplit("/", 1)[0].
func failureCallbackURL(callbackURL string) string {
	idx := strings.LastIndex(callbackURL, "/")
	if idx < 0 {
		return callbackURL + "/build-failed"
	}
	return callbackURL[:idx] + "/build-failed"
}

// callbackWithRetry POSTs payload to url with HMAC auth, making at most
// callbackMaxRetries attempts with exponential backoff between them (2s,
// then 4s). A fresh token is minted per attempt. Returns false (never
// errors) once the attempts are exhausted or ctx is done.
func (w *Worker) callbackWithRetry(ctx context.Context, url string, payload map[string]any) bool {
	for attempt := 0; attempt < callbackMaxRetries; attempt++ {
		if err := w.postJSON(ctx, url, payload); err == nil {
			w.logger().Info("build: callback delivered", "url", url, "attempt", attempt+1)
			return true
		} else {
			delay := callbackBackoffBase * time.Duration(1<<uint(attempt))
			w.logger().Warn("build: callback attempt failed", "url", url, "attempt", attempt+1, "error", err)
			if attempt < callbackMaxRetries-1 {
				if !sleepOrDone(ctx, delay) {
					break
				}
			}
		}
	}
	w.logger().Error("build: callback exhausted retries", "url", url)
	return false
}

func (w *Worker) postJSON(ctx context.Context, url string, payload map[string]any) error {
	if w.AuthCtx == nil {
		return errors.New("buildpipeline: no auth context configured")
	}
	token, err := w.AuthCtx.Mint()
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	return doPostJSON(ctx, w.httpClient(), url, token, payload)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func statusIsSuccess(code int) bool {
	return code >= 200 && code < 300
}

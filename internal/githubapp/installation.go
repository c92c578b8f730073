package githubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// InstallationTokenClient exchanges an App JWT for an installation access
// token, the clone-token source for the image-build pipeline.
type InstallationTokenClient struct {
	Generator      *JWTGenerator
	InstallationID string
	HTTPClient     *http.Client
	BaseURL        string // overridable for tests; defaults to api.github.com
}

const defaultGitHubAPIBase = "https://api.github.com"

// MintCloneToken mints an App JWT and exchanges it for an installation
// access token suitable for authenticated git clone operations. Any
// failure (missing config, bad key, non-2xx exchange) is returned as an
// error; callers in the build pipeline treat this as non-fatal and
// continue without a clone token.
func (c *InstallationTokenClient) MintCloneToken(ctx context.Context) (string, error) {
	if c.Generator == nil || c.InstallationID == "" {
		return "", fmt.Errorf("githubapp: not configured")
	}

	appJWT, err := c.Generator.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("githubapp: generate app jwt: %w", err)
	}

	base := c.BaseURL
	if base == "" {
		base = defaultGitHubAPIBase
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", base, c.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("githubapp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("githubapp: exchange request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("githubapp: exchange returned status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("githubapp: decode response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("githubapp: empty token in response")
	}

	return body.Token, nil
}

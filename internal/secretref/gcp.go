// Package secretref provides an optional GCP Secret Manager backing for
// auth.SecretFetcher, used only when a deployment sets AUTH_SECRET_REF; a
// deployment with no GCP project configured never constructs this client.
package secretref

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// GCPFetcher wraps the GCP Secret Manager client and implements
// auth.SecretFetcher.
type GCPFetcher struct {
	client    *secretmanager.Client
	projectID string
}

// NewGCPFetcher creates a new Secret Manager-backed fetcher.
func NewGCPFetcher(ctx context.Context, projectID string, opts ...option.ClientOption) (*GCPFetcher, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secretref: create secret manager client: %w", err)
	}

	return &GCPFetcher{client: client, projectID: projectID}, nil
}

// FetchSecret retrieves a secret from GCP Secret Manager. secretPath may be
// a full resource name (optionally without a version, defaulting to
// "latest") or a bare secret name resolved against the configured project.
func (f *GCPFetcher) FetchSecret(ctx context.Context, secretPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: f.normalizeSecretPath(secretPath),
	}

	result, err := f.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("secretref: access secret version: %w", err)
	}

	return string(result.Payload.Data), nil
}

func (f *GCPFetcher) normalizeSecretPath(secretPath string) string {
	if strings.HasPrefix(secretPath, "projects/") && strings.Contains(secretPath, "/versions/") {
		return secretPath
	}
	if strings.HasPrefix(secretPath, "projects/") && strings.Contains(secretPath, "/secrets/") {
		return secretPath + "/versions/latest"
	}

	secretName := path.Base(secretPath)
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", f.projectID, secretName)
}

// Close releases the underlying GCP client.
func (f *GCPFetcher) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

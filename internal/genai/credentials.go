package genai

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

var (
	credsOnce sync.Once
	creds     *google.Credentials
	credsErr  error
)

// serviceAccountCredentials loads service-account credentials from keyPath,
// caching the result process-wide. Loading and parsing the key file is done
// once; the returned credentials mint and refresh tokens on demand.
func serviceAccountCredentials(ctx context.Context, keyPath string) (*google.Credentials, error) {
	credsOnce.Do(func() {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			credsErr = fmt.Errorf("reading service account key: %w", err)
			return
		}
		creds, credsErr = google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	})
	return creds, credsErr
}

// accessToken returns a currently-valid bearer token for the Vertex endpoint.
func accessToken(ctx context.Context, keyPath string) (*oauth2.Token, error) {
	c, err := serviceAccountCredentials(ctx, keyPath)
	if err != nil {
		return nil, err
	}
	tok, err := c.TokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}
	return tok, nil
}

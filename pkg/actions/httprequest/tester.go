package httprequest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/models"
)

// CredentialTester checks http connections. When the credentials name a
// health_url it is fetched with the credentials applied.
type CredentialTester struct {
	client *http.Client
}

func NewCredentialTester(client *http.Client) *CredentialTester {
	if client == nil {
		client = http.DefaultClient
	}

	return &CredentialTester{client: client}
}

func (t *CredentialTester) Provider() string { return Provider }

func (t *CredentialTester) Test(ctx context.Context, credentials models.Credentials) error {
	if credentials["token"] == "" && credentials["api_key"] == "" {
		return faults.Validation("TestCredentials", "missing_secret", "http credentials need a token or an api_key")
	}

	healthURL := credentials["health_url"]
	if healthURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	authenticate(req, credentials)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}

	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	return nil
}

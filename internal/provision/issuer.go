package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPCredentialIssuer asks an external credentials service for room-scoped
// access credentials. Revoke treats an unknown room as already revoked.
type HTTPCredentialIssuer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCredentialIssuer creates an issuer against baseURL.
func NewHTTPCredentialIssuer(baseURL string) *HTTPCredentialIssuer {
	return &HTTPCredentialIssuer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (i *HTTPCredentialIssuer) Issue(ctx context.Context, roomID string) (*Credential, error) {
	payload, err := json.Marshal(map[string]string{"room_id": roomID})
	if err != nil {
		return nil, fmt.Errorf("encode issue request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/credentials", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build issue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("credential service returned status %d", resp.StatusCode)
	}
	var body struct {
		Ref    string `json:"ref"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode issue response: %w", err)
	}
	if body.Ref == "" {
		return nil, fmt.Errorf("credential service returned an empty ref")
	}
	return &Credential{Ref: body.Ref, Secret: body.Secret}, nil
}

func (i *HTTPCredentialIssuer) Revoke(ctx context.Context, roomID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, i.baseURL+"/credentials/"+roomID, nil)
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("credential service returned status %d", resp.StatusCode)
	}
	return nil
}

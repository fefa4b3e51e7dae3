package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/greenroomhq/greenroom/internal/core"
)

// WebhookNotifier POSTs operation events as JSON to a configured endpoint,
// typically the portal that asked for the room.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given endpoint.
func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	return &WebhookNotifier{
		url: strings.TrimRight(url, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type webhookPayload struct {
	Type      string           `json:"type"`
	At        time.Time        `json:"at"`
	Operation webhookOperation `json:"operation"`
}

type webhookOperation struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Status       string         `json:"status"`
	RoomID       string         `json:"room_id"`
	RoomName     string         `json:"room_name,omitempty"`
	WorkloadKind string         `json:"workload_kind,omitempty"`
	Result       *webhookResult `json:"result,omitempty"`
}

type webhookResult struct {
	Success         bool   `json:"success"`
	AccessURL       string `json:"access_url,omitempty"`
	Error           string `json:"error,omitempty"`
	ArchiveLocation string `json:"archive_location,omitempty"`
	ProviderReady   *bool  `json:"provider_ready,omitempty"`
}

func (w *WebhookNotifier) Send(ctx context.Context, event core.Event) error {
	payload := webhookPayload{
		Type: event.Type,
		At:   event.At,
		Operation: webhookOperation{
			ID:           event.Operation.ID,
			Kind:         string(event.Operation.Kind),
			Status:       string(event.Operation.Status),
			RoomID:       event.Operation.RoomID,
			RoomName:     event.Operation.RoomName,
			WorkloadKind: event.Operation.WorkloadKind,
		},
	}
	if r := event.Operation.Result; r != nil {
		payload.Operation.Result = &webhookResult{
			Success:         r.Success,
			AccessURL:       r.AccessURL,
			Error:           r.Error,
			ArchiveLocation: r.ArchiveLocation,
			ProviderReady:   r.ProviderReady,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

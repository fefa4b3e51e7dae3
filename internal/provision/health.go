package provision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AwaitHealthy polls healthURL until it answers with a 2xx status or the
// budget runs out, reporting each attempt through onProgress. Returns
// whether the workload turned healthy. The budget bounds only this wait;
// callers treat false as a soft failure, not an error.
func AwaitHealthy(ctx context.Context, client *http.Client, healthURL string, budget, poll time.Duration, onProgress func(string)) bool {
	progress := progressFunc(onProgress)
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	attempt := 0
	for {
		attempt++
		detail := probe(ctx, client, healthURL)
		if detail == "" {
			progress(fmt.Sprintf("workload healthy after %d checks", attempt))
			return true
		}
		progress(fmt.Sprintf("health check %d: %s", attempt, detail))
		if time.Now().After(deadline) {
			progress("health budget exhausted, continuing without a healthy workload")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// probe returns "" when healthy, otherwise a short failure description.
func probe(ctx context.Context, client *http.Client, healthURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err.Error()
	}
	resp, err := client.Do(req)
	if err != nil {
		return err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return ""
}

// HealthURL derives the workload health endpoint from its access URL.
func HealthURL(accessURL string) string {
	return strings.TrimRight(accessURL, "/") + "/healthz"
}

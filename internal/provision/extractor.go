package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HTTPArtifactExtractor downloads a room's workspace export and stores it
// under archiveDir. The workload is expected to serve a tar.gz snapshot of
// the candidate's working data on /export.
type HTTPArtifactExtractor struct {
	archiveDir string
	client     *http.Client
}

// NewHTTPArtifactExtractor creates an extractor writing into archiveDir.
func NewHTTPArtifactExtractor(archiveDir string) *HTTPArtifactExtractor {
	return &HTTPArtifactExtractor{
		archiveDir: archiveDir,
		// Exports can be large; the context bounds the overall call.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (e *HTTPArtifactExtractor) Extract(ctx context.Context, roomID, accessURL string) (string, error) {
	if accessURL == "" {
		return "", errors.New("room has no access url to extract from")
	}
	if err := os.MkdirAll(e.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure archive dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accessURL+"/export", nil)
	if err != nil {
		return "", fmt.Errorf("build export request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("export returned status %d", resp.StatusCode)
	}
	name := fmt.Sprintf("%s-%s.tar.gz", roomID, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(e.archiveDir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return path, nil
}

package replicate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"mediajobs/internal/domain"
)

// DownloadArtifact fetches a generated file fully into memory and returns its
// bytes and content type.
func (c *Client) DownloadArtifact(ctx context.Context, artifactURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(artifactURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", fmt.Errorf("replicate: invalid artifact url %q: %w", artifactURL, domain.ErrDownload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("replicate: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("replicate: download artifact: %v: %w", err, domain.ErrDownload)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("replicate: download status %d: %w", resp.StatusCode, domain.ErrDownload)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("replicate: read artifact: %v: %w", err, domain.ErrDownload)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.logger.Debug().Str("url", parsed.Redacted()).Int("bytes", len(data)).Msg("replicate: artifact downloaded")
	return data, contentType, nil
}

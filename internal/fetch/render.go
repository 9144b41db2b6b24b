package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RenderClient calls an external headless-browser service that loads a URL,
// runs its scripts and returns the resulting HTML.
//
//	POST {base}/render  {"url": "...", "timeout_ms": 15000}
//	200 text/html       rendered document
//	4xx/5xx             upstream status is mirrored
type RenderClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewRenderClient creates a render service client.
func NewRenderClient(baseURL string, logger *zap.Logger) *RenderClient {
	return &RenderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger,
	}
}

type renderRequest struct {
	URL       string `json:"url"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Render implements Renderer.
func (c *RenderClient) Render(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(renderRequest{URL: url, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	// The service needs its own budget plus some slack to report back.
	rctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: Forbidden, URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{
			Kind:       classifyStatus(resp.StatusCode),
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("render service: %s", strings.TrimSpace(string(preview))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}

	c.logger.Debug("page rendered",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

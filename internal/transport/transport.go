// Package transport wraps the outbound HTTP surface used by command
// handlers: JSON requests against the platform REST API and multipart file
// uploads for oversized responses.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"gatewaybot/botd/internal/logging"
)

// Response is the reduced view handlers care about.
type Response struct {
	Status int
	Body   []byte
}

// Success reports whether the status is in the 2xx range.
func (r Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client issues requests on behalf of command handlers.
type Client interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error)
	Upload(ctx context.Context, url string, headers map[string]string, field, filename string, content []byte) (Response, error)
}

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	http   *http.Client
	logger *logging.Logger
}

// NewHTTPClient builds a client with a bounded request timeout.
func NewHTTPClient(timeout time.Duration, logger *logging.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	return &HTTPClient{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Do sends one request and reads the full response body.
func (c *HTTPClient) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

// Upload sends one file as a multipart form request.
func (c *HTTPClient) Upload(ctx context.Context, url string, headers map[string]string, field, filename string, content []byte) (Response, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile(field, filename)
	if err != nil {
		return Response{}, err
	}
	if _, err := part.Write(content); err != nil {
		return Response{}, err
	}
	if err := form.Close(); err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return Response{}, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.send(req)
}

func (c *HTTPClient) send(req *http.Request) (Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	out := Response{Status: resp.StatusCode, Body: body}
	if !out.Success() {
		c.logger.Warn("request rejected",
			logging.String("method", req.Method),
			logging.String("url", req.URL.Path),
			logging.Int("status", out.Status))
	}
	return out, nil
}

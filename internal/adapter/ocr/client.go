// Package ocr calls the OCR sidecar service that turns scanned PDFs and
// images into plain text.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/pkg/textx"
)

// Client posts files to the OCR service. The service accepts a multipart
// upload under the "pdf" field regardless of the actual format and responds
// with the recognized text.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs an OCR client.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type ocrResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// ExtractPath uploads the file at path and returns the recognized text.
func (c *Client) ExtractPath(ctx context.Context, fileName, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("op=ocr.read_file: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("pdf", fileName)
	if err != nil {
		return "", fmt.Errorf("op=ocr.form_file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("op=ocr.form_write: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=ocr.form_close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", &buf)
	if err != nil {
		return "", fmt.Errorf("op=ocr.new_request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=ocr.do: %w: %v", domain.ErrExtractionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("op=ocr.read_body: %w: %v", domain.ErrExtractionFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=ocr.status: %s: %w: %s", resp.Status, domain.ErrExtractionFailed,
			textx.TruncateRunes(string(body), 200))
	}

	var out ocrResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("op=ocr.decode: %w: %v", domain.ErrExtractionFailed, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("op=ocr.service: %w: %s", domain.ErrExtractionFailed, out.Error)
	}
	return textx.SanitizeText(out.Text), nil
}

// Package ai implements the coding-synthesis client on an OpenAI-compatible
// chat completions API.
package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/config"
	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/pkg/textx"
)

// Generation parameters. Low temperature keeps code assignment stable across
// retries of the same chart.
const (
	codingTemperature = 0.1
	summaryMaxTokens  = 1024
	maxDocumentRunes  = 60000
)

// Client implements domain.AIClient.
type Client struct {
	cfg     config.Config
	prompts config.Prompts
	hc      *http.Client
}

// New constructs a Client.
func New(cfg config.Config, prompts config.Prompts) *Client {
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:     cfg,
		prompts: prompts,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateCoding renders the chart documents into the coding prompt and
// parses the structured result. An empty result set is treated as a failure
// so the job retries instead of storing a blank chart.
func (c *Client) GenerateCoding(ctx domain.Context, meta domain.ChartMeta, documents []string) (domain.AIResult, error) {
	if len(documents) == 0 {
		return domain.AIResult{}, fmt.Errorf("op=ai.generate_coding: no documents: %w", domain.ErrInvalidArgument)
	}
	start := time.Now()
	content, err := c.chatJSON(ctx, c.prompts.CodingSystem, buildCodingPrompt(meta, documents), c.cfg.LLMMaxTokens, true)
	observability.AIRequestDuration.WithLabelValues("coding").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.AIResult{}, err
	}

	var res domain.AIResult
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		// Models sometimes wrap the object in prose; salvage the first
		// top-level JSON object before giving up.
		salvaged, ok := firstJSONObject(content)
		if !ok {
			return domain.AIResult{}, fmt.Errorf("op=ai.parse_result: %w: %v", domain.ErrAIFailed, err)
		}
		if err := json.Unmarshal([]byte(salvaged), &res); err != nil {
			return domain.AIResult{}, fmt.Errorf("op=ai.parse_salvaged: %w: %v", domain.ErrAIFailed, err)
		}
	}
	if res.Empty() {
		return domain.AIResult{}, fmt.Errorf("op=ai.generate_coding: model returned no codes: %w", domain.ErrAIFailed)
	}
	return res, nil
}

// SummarizeDocument produces a short per-document summary. Callers treat
// failures as non-fatal.
func (c *Client) SummarizeDocument(ctx domain.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	start := time.Now()
	content, err := c.chatJSON(ctx, c.prompts.SummarySystem,
		textx.TruncateRunes(textx.SanitizeText(text), maxDocumentRunes), summaryMaxTokens, false)
	observability.AIRequestDuration.WithLabelValues("summary").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// chatJSON calls chat completions with retry on transient upstream failures.
func (c *Client) chatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int, jsonMode bool) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("op=ai.chat: LLM_API_KEY missing: %w", domain.ErrInvalidArgument)
	}
	reqBody := chatRequest{
		Model: c.cfg.LLMModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: codingTemperature,
		MaxTokens:   maxTokens,
	}
	if jsonMode {
		reqBody.ResponseFormat = map[string]any{"type": "json_object"}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("op=ai.marshal: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 20 * time.Second
	expo.MaxElapsedTime = 90 * time.Second

	var content string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.LLMBaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.new_request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("op=ai.do: %w: %v", domain.ErrAIFailed, err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("op=ai.read_body: %w: %v", domain.ErrAIFailed, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			slog.Warn("llm transient failure, retrying",
				slog.Int("status", resp.StatusCode),
				slog.String("body", textx.TruncateRunes(string(body), 200)))
			return fmt.Errorf("op=ai.status: %s: %w", resp.Status, domain.ErrAIFailed)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("op=ai.status: %s: %w: %s",
				resp.Status, domain.ErrAIFailed, textx.TruncateRunes(string(body), 200)))
		}
		var out chatResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.decode: %w: %v", domain.ErrAIFailed, err))
		}
		if out.Error != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.upstream: %w: %s", domain.ErrAIFailed, out.Error.Message))
		}
		if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
			return fmt.Errorf("op=ai.empty_choice: %w", domain.ErrAIFailed)
		}
		content = out.Choices[0].Message.Content
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expo, ctx)); err != nil {
		return "", err
	}
	return content, nil
}

func buildCodingPrompt(meta domain.ChartMeta, documents []string) string {
	var b strings.Builder
	b.WriteString("Chart metadata:\n")
	writeField := func(name, val string) {
		if val != "" {
			fmt.Fprintf(&b, "- %s: %s\n", name, val)
		}
	}
	writeField("Patient", meta.PatientName)
	writeField("Facility", meta.Facility)
	writeField("Specialty", meta.Specialty)
	writeField("Provider", meta.Provider)
	writeField("Date of visit", meta.DateOfVisit)
	b.WriteString("\n")
	for i, doc := range documents {
		fmt.Fprintf(&b, "=== Document %d of %d ===\n", i+1, len(documents))
		// Numbered after truncation so cited line numbers match what the
		// model actually received.
		b.WriteString(textx.NumberLines(textx.TruncateRunes(textx.SanitizeText(doc), maxDocumentRunes)))
		b.WriteString("\n\n")
	}
	b.WriteString("Return the coding result as a single JSON object.")
	return b.String()
}

// firstJSONObject returns the first balanced top-level {...} in s.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Package ollama talks to Ollama's native /api/generate endpoint, which
// takes raw base64 images instead of data URLs.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vbonduro/camprompt/internal/completion"
)

const generatePath = "/api/generate"

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict int `json:"num_predict"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

type Client struct {
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func NewClient(model string, maxTokens int, logger *slog.Logger) *Client {
	if maxTokens <= 0 {
		maxTokens = completion.DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{},
		logger:    logger.With("component", "completion.ollama"),
	}
}

func (c *Client) Complete(ctx context.Context, req completion.Request) (string, error) {
	if req.Image == nil {
		return "", fmt.Errorf("no image to submit")
	}

	payload, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  req.Instruction,
		Images:  []string{req.Image.Base64()},
		Stream:  false,
		Options: generateOptions{NumPredict: c.maxTokens},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(req.Endpoint, "/") + generatePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending generate request", "url", url, "model", c.model)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call ollama: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", &completion.RequestError{Status: resp.StatusCode, Body: completion.ReadErrorBody(resp.Body)}
	}

	var body generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &completion.RequestError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %v", completion.ErrMalformedResponse, err),
		}
	}
	if body.Response == nil {
		return "", &completion.RequestError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: missing response", completion.ErrMalformedResponse),
		}
	}
	return *body.Response, nil
}

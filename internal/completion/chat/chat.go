// Package chat talks to OpenAI-compatible /v1/chat/completions servers
// (llama.cpp server, vLLM, Ollama, LM Studio, OpenAI).
package chat

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

const completionsPath = "/v1/chat/completions"

// Field names for the user message parts array. ContentFieldLegacy exists
// for servers written against clients that emitted "context".
const (
	ContentFieldStandard = "content"
	ContentFieldLegacy   = "context"
)

type part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	role  string
	field string
	parts []part
}

func (m message) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"role":  m.role,
		m.field: m.parts,
	})
}

type request struct {
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type Options struct {
	MaxTokens    int
	Model        string
	ContentField string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Client struct {
	maxTokens    int
	model        string
	contentField string
	client       *http.Client
	logger       *slog.Logger
}

func NewClient(opts Options) *Client {
	c := &Client{
		maxTokens:    opts.MaxTokens,
		model:        opts.Model,
		contentField: opts.ContentField,
		client:       opts.HTTPClient,
		logger:       opts.Logger,
	}
	if c.maxTokens <= 0 {
		c.maxTokens = completion.DefaultMaxTokens
	}
	if c.contentField == "" {
		c.contentField = ContentFieldStandard
	}
	// No client timeout: the coordinator's in-flight guard bounds duplication,
	// not duration.
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "completion.chat")
	return c
}

func (c *Client) buildRequest(req completion.Request) request {
	return request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []message{{
			role:  "user",
			field: c.contentField,
			parts: []part{
				{Type: "text", Text: req.Instruction},
				{Type: "image_url", ImageURL: &imageURL{URL: req.Image.DataURL()}},
			},
		}},
	}
}

func (c *Client) Complete(ctx context.Context, req completion.Request) (string, error) {
	if req.Image == nil {
		return "", fmt.Errorf("no image to submit")
	}

	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(req.Endpoint, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending completion request", "url", url, "image_bytes", len(req.Image.Data))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &completion.RequestError{Status: resp.StatusCode, Body: completion.ReadErrorBody(resp.Body)}
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &completion.RequestError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %v", completion.ErrMalformedResponse, err),
		}
	}

	if len(body.Choices) == 0 || body.Choices[0].Message.Content == nil {
		return "", &completion.RequestError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: missing choices[0].message.content", completion.ErrMalformedResponse),
		}
	}

	return *body.Choices[0].Message.Content, nil
}

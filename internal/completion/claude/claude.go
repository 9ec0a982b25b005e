package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/vbonduro/camprompt/internal/completion"
)

// Client sends frames to the Anthropic Messages API. It ignores
// Request.Endpoint; the API base URL is fixed at construction.
type Client struct {
	api       *anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// statusKey carries a *int through the request context so statusTransport
// can report the HTTP status of the call that produced an API error.
type statusKey struct{}

type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if resp != nil {
		if status, ok := req.Context().Value(statusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}

// NewClient creates a Claude backend. An empty baseURL uses the public API.
func NewClient(apiKey, model, baseURL string, maxTokens int, logger *slog.Logger) *Client {
	opts := []anthropic.ClientOption{
		anthropic.WithHTTPClient(&http.Client{Transport: statusTransport{next: http.DefaultTransport}}),
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	if maxTokens <= 0 {
		maxTokens = completion.DefaultMaxTokens
	}
	return &Client{
		api:       anthropic.NewClient(apiKey, opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "completion.claude"),
	}
}

// buildRequest constructs the Messages API payload for one frame.
func (c *Client) buildRequest(req completion.Request) anthropic.MessagesRequest {
	return anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.Message{{
			Role: anthropic.RoleUser,
			Content: []anthropic.MessageContent{
				anthropic.NewImageMessageContent(anthropic.NewMessageContentSource(
					anthropic.MessagesContentSourceTypeBase64,
					normaliseMIME(req.Image.MIMEType),
					req.Image.Base64(),
				)),
				anthropic.NewTextMessageContent(req.Instruction),
			},
		}},
	}
}

func (c *Client) Complete(ctx context.Context, req completion.Request) (string, error) {
	if req.Image == nil {
		return "", fmt.Errorf("no image to submit")
	}

	c.logger.Debug("sending messages request", "model", c.model, "image_bytes", len(req.Image.Data))

	var status int
	resp, err := c.api.CreateMessages(context.WithValue(ctx, statusKey{}, &status), c.buildRequest(req))
	if err != nil {
		// A JSON error reply decodes to *APIError; anything else the API
		// returns with a failure status is a *RequestError with the raw body.
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			return "", &completion.RequestError{Status: status, Body: apiErr.Message}
		}
		var reqErr *anthropic.RequestError
		if errors.As(err, &reqErr) {
			return "", &completion.RequestError{Status: reqErr.StatusCode, Body: string(reqErr.Body)}
		}
		return "", fmt.Errorf("failed to call claude: %w", err)
	}

	for _, blk := range resp.Content {
		if blk.Type == anthropic.MessagesContentTypeText && blk.Text != nil {
			return *blk.Text, nil
		}
	}

	return "", &completion.RequestError{
		Status: http.StatusOK,
		Err:    fmt.Errorf("%w: no text block in reply", completion.ErrMalformedResponse),
	}
}

// normaliseMIME maps image types to the values the Anthropic API accepts.
// Unknown types are coerced to jpeg, which is what capture.Encode produces.
func normaliseMIME(mimeType string) string {
	switch mimeType {
	case "image/png", "image/gif", "image/webp":
		return mimeType
	default:
		return "image/jpeg"
	}
}

// Package sender talks to the WhatsApp Cloud API messages endpoint.
package sender

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

	"github.com/marminbh/wa-dispatch/internal/apperrors"
)

const maxResponseBody = 64 << 10

// Credentials identify the sending endpoint and authorize the call.
type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}

type TemplateMessage struct {
	Name       string
	Language   string
	Components json.RawMessage
}

// Message is either a plain text session message or a template message.
type Message struct {
	To       string
	Text     string
	Template *TemplateMessage
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts msg and returns the provider message id. Errors are
// classified: transient for 429, 5xx and network failures, permanent for
// other rejections.
func (c *Client) Send(ctx context.Context, creds Credentials, msg Message) (string, error) {
	payload, err := json.Marshal(buildRequest(msg))
	if err != nil {
		return "", apperrors.Permanent(apperrors.CodeInvalidRequest, fmt.Errorf("failed to marshal message: %w", err))
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.Permanent(apperrors.CodeInvalidRequest, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Provider request failed",
			zap.String("phone_number_id", creds.PhoneNumberID),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return "", apperrors.Transient(apperrors.CodeProviderUnavailable, fmt.Errorf("provider request failed: %w", err))
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil {
		c.logger.Warn("Failed to read provider response", zap.Error(readErr))
	}

	c.logger.Debug("Provider responded",
		zap.String("phone_number_id", creds.PhoneNumberID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if err := classifyResponse(resp.StatusCode, body, resp.Header.Get("Retry-After")); err != nil {
		return "", err
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil || len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", apperrors.Transient(apperrors.CodeProviderUnavailable, fmt.Errorf("provider response carried no message id"))
	}
	return out.Messages[0].ID, nil
}

func buildRequest(msg Message) map[string]interface{} {
	req := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.To,
	}
	if msg.Template != nil {
		tmpl := map[string]interface{}{
			"name":     msg.Template.Name,
			"language": map[string]string{"code": msg.Template.Language},
		}
		if len(msg.Template.Components) > 0 {
			tmpl["components"] = msg.Template.Components
		}
		req["type"] = "template"
		req["template"] = tmpl
		return req
	}
	req["type"] = "text"
	req["text"] = map[string]interface{}{"body": msg.Text}
	return req
}

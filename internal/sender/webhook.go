package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// WebhookSender delivers messages by POSTing them to a channel gateway.
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

var _ ChannelSender = (*WebhookSender)(nil)

func (c *WebhookSender) Send(ctx context.Context, msg model.Message) (Outcome, error) {
	reqBody, err := json.Marshal(sendRequest{
		Recipient: msg.Recipient,
		Channel:   string(msg.Channel),
		Content:   msg.Content,
		MessageID: msg.ID,
	})
	if err != nil {
		return Outcome{Code: Permanent, Detail: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return Outcome{Code: Permanent, Detail: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		// Retryable transport failure. A timeout may have reached the
		// gateway, so it still counts as attempted; refused/DNS errors
		// never got through and the quota reservation is refundable.
		return Outcome{Code: Transient, Detail: err.Error(), Attempted: isTimeout(err)}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr sendResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return Outcome{
				Code:      Permanent,
				Detail:    fmt.Sprintf("failed to decode json: %v body=%q", err, string(body)),
				Attempted: true,
			}, nil
		}
		return Outcome{Code: Success, RemoteID: sr.MessageID, Attempted: true}, nil

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Outcome{
			Code:      Transient,
			Detail:    fmt.Sprintf("gateway status %d body=%q", resp.StatusCode, string(body)),
			Attempted: true,
		}, nil

	default:
		// Remaining 4xx: the gateway rejected the message itself.
		return Outcome{
			Code:      Permanent,
			Detail:    fmt.Sprintf("gateway status %d body=%q", resp.StatusCode, string(body)),
			Attempted: true,
		}, nil
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

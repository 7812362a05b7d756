// Package greenapi implements the messaging provider against a Green-API
// style WhatsApp HTTP gateway: sendMessage for outbound, the
// receiveNotification/deleteNotification pair for inbound polling.
package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	BaseURL    string
	InstanceID string
	Token      string
	Timeout    time.Duration

	// SendRetryMax caps the elapsed time spent retrying a single send.
	SendRetryMax time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.green-api.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SendRetryMax <= 0 {
		cfg.SendRetryMax = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// SendMessage delivers text to the party, retrying transient failures with
// exponential backoff. Client errors (4xx) are not retried.
func (c *Client) SendMessage(ctx context.Context, partyID, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"chatId":  strings.TrimSpace(partyID),
		"message": text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}

	var ack string
	operation := func() error {
		messageID, sendErr := c.sendOnce(ctx, payload)
		if sendErr != nil {
			return sendErr
		}
		ack = messageID
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.cfg.SendRetryMax
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return ack, nil
}

func (c *Client) sendOnce(ctx context.Context, payload []byte) (string, error) {
	endpoint := c.endpoint("sendMessage")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode >= 500 {
		return "", fmt.Errorf("send failed with status %d", res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Error("send rejected", "status", res.StatusCode, "body", strings.TrimSpace(string(body)))
		return "", backoff.Permanent(fmt.Errorf("send rejected with status %d", res.StatusCode))
	}

	var response struct {
		IDMessage string `json:"idMessage"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode send response: %w", err))
	}
	if strings.TrimSpace(response.IDMessage) == "" {
		return "", backoff.Permanent(fmt.Errorf("send response missing idMessage"))
	}
	return response.IDMessage, nil
}

// Notification is one pending inbound webhook body plus the receipt needed
// to delete it from the provider queue.
type Notification struct {
	ReceiptID int64
	Body      json.RawMessage
}

// ReceiveNotification long-polls the provider queue. A nil notification
// means the queue was empty.
func (c *Client) ReceiveNotification(ctx context.Context) (*Notification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("receiveNotification"), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("receive notification failed with status %d", res.StatusCode)
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var notification struct {
		ReceiptID int64           `json:"receiptId"`
		Body      json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &Notification{ReceiptID: notification.ReceiptID, Body: notification.Body}, nil
}

func (c *Client) DeleteNotification(ctx context.Context, receiptID int64) error {
	endpoint := fmt.Sprintf("%s/%d", c.endpoint("deleteNotification"), receiptID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("delete notification failed with status %d", res.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf(
		"%s/waInstance%s/%s/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		c.cfg.InstanceID,
		method,
		c.cfg.Token,
	)
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RelayProvider posts envelopes to one message relay. 5xx responses are
// retryable, 4xx responses are permanent (a rejected envelope will not
// start passing on retry).
type RelayProvider struct {
	Label    string
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (p *RelayProvider) Name() string { return p.Label }

func (p *RelayProvider) Send(ctx context.Context, msg OutgoingMessage, conversationID string) error {
	payload := map[string]any{
		"message_id":      msg.MessageID,
		"conversation_id": conversationID,
		"envelope":        msg.Envelope,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/v1/envelopes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("relay %s temporary error: %s", p.Label, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("relay %s permanent error: %s", p.Label, resp.Status))
	}
	return nil
}

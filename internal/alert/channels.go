package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channel sends one rendered text message to a preconfigured endpoint.
// Adding a provider means adding a variant here, not modifying callers.
type Channel interface {
	Send(ctx context.Context, text string) error
}

// NewChannel creates the channel adapter for the configured provider kind.
// An empty webhook URL yields a noop channel so the worker can run without
// alerting configured.
func NewChannel(kind, webhookURL string, client *http.Client) (Channel, error) {
	if webhookURL == "" {
		return NoopChannel{}, nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	switch kind {
	case "dingtalk":
		return &DingTalkChannel{url: webhookURL, client: client}, nil
	case "feishu":
		return &FeishuChannel{url: webhookURL, client: client}, nil
	case "wecom", "wechat_work":
		return &WeComChannel{url: webhookURL, client: client}, nil
	default:
		return nil, fmt.Errorf("unsupported alert channel %q", kind)
	}
}

// NoopChannel drops every message. Used when no webhook URL is configured.
type NoopChannel struct{}

func (NoopChannel) Send(ctx context.Context, text string) error {
	return nil
}

// DingTalkChannel posts text messages to a DingTalk group robot webhook.
type DingTalkChannel struct {
	url    string
	client *http.Client
}

func (c *DingTalkChannel) Send(ctx context.Context, text string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	return postJSON(ctx, c.client, c.url, payload)
}

// FeishuChannel posts text messages to a Feishu/Lark bot webhook.
type FeishuChannel struct {
	url    string
	client *http.Client
}

func (c *FeishuChannel) Send(ctx context.Context, text string) error {
	payload := map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": text},
	}
	return postJSON(ctx, c.client, c.url, payload)
}

// WeComChannel posts text messages to a WeCom (WeChat Work) bot webhook.
type WeComChannel struct {
	url    string
	client *http.Client
}

func (c *WeComChannel) Send(ctx context.Context, text string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	return postJSON(ctx, c.client, c.url, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

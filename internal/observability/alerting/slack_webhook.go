package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookSlackSender 通过 Incoming Webhook 向 Slack 发送消息。
type WebhookSlackSender struct {
	WebhookURL string
	HTTPClient *http.Client
}

// NewWebhookSlackSender 创建 Slack webhook 发送器。
func NewWebhookSlackSender(webhookURL string) *WebhookSlackSender {
	return &WebhookSlackSender{
		WebhookURL: webhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send 实现 SlackSender 接口。
func (s *WebhookSlackSender) Send(ctx context.Context, channel, content string) error {
	if s == nil || strings.TrimSpace(s.WebhookURL) == "" {
		return fmt.Errorf("slack webhook 未配置")
	}
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 slack 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

var _ SlackSender = (*WebhookSlackSender)(nil)

// Package notify 向外部推送服务投递充电事件通知。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// 通知类型
const (
	TypeChargingStarted   = "charging_started"
	TypeChargingCompleted = "charging_completed"
)

// Message 一条推送通知
type Message struct {
	UserID           string         `json:"user_id"`
	Title            string         `json:"title"`
	Body             string         `json:"body"`
	NotificationType string         `json:"notification_type"`
	URL              string         `json:"url,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key"`
}

// Notifier 推送客户端；endpoint 为空时所有投递都是 no-op
type Notifier struct {
	httpClient *http.Client
	endpoint   string
}

// NewNotifier 创建推送客户端
func NewNotifier(endpoint string) *Notifier {
	return &Notifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		endpoint: endpoint,
	}
}

// Send 投递一条通知；失败只返回错误，由调用方决定记录方式
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if n.endpoint == "" {
		return nil
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = uuid.NewString()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected: status=%d", resp.StatusCode)
	}
	return nil
}

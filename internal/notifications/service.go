package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"matchscope/internal/config"
)

const userAgent = "Matchscope/0.1.0"

// Event identifies an order milestone worth telling an operator about.
type Event string

const (
	EventOrderCompleted Event = "order_completed"
	EventOrderFailed    Event = "order_failed"
	EventRefundStuck    Event = "refund_stuck"
	EventTest           Event = "test"
)

// Payload carries the event fields used to render a message.
type Payload map[string]any

// Service defines the notification surface exposed to workflow components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventOrderCompleted: cfg.Notifications.OrderCompleted,
			EventOrderFailed:    cfg.Notifications.OrderFailed,
			EventRefundStuck:    true,
			EventTest:           true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event Event, payload Payload) (message, bool) {
	order := payload.text("orderNumber")
	if order == "" {
		order = "unknown order"
	}
	switch event {
	case EventOrderCompleted:
		body := fmt.Sprintf("Analysis ready: %s", order)
		if user := payload.text("userID"); user != "" {
			body += fmt.Sprintf(" (user %s)", user)
		}
		return message{
			title: "Matchscope - Report Ready",
			body:  body,
			tags:  []string{"matchscope", "order", "completed"},
		}, true
	case EventOrderFailed:
		body := fmt.Sprintf("Order failed: %s", order)
		if reason := payload.text("reason"); reason != "" {
			body += "\nReason: " + reason
		}
		if refunded, _ := payload["refunded"].(bool); refunded {
			body += "\nCharge refunded"
		}
		return message{
			title:    "Matchscope - Order Failed",
			body:     body,
			tags:     []string{"matchscope", "order", "failed"},
			priority: "high",
		}, true
	case EventRefundStuck:
		body := fmt.Sprintf("Refund pending for %s", order)
		if errText := payload.text("error"); errText != "" {
			body += ": " + errText
		}
		return message{
			title:    "Matchscope - Refund Pending",
			body:     body,
			tags:     []string{"matchscope", "refund", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Matchscope - Test",
			body:     "Notification system test",
			tags:     []string{"matchscope", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

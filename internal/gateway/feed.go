package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"KeyLedger/internal/models"

	"github.com/gorilla/websocket"
)

// FeedClient reads the gateway's websocket event feed. The feed delivers the same
// events as webhooks, so a missed webhook still reaches the settlement handler.
type FeedClient struct {
	Endpoint string
	APIKey   string
	Conn     *websocket.Conn
}

func NewFeedClient(endpoint, apiKey string) *FeedClient {
	return &FeedClient{Endpoint: endpoint, APIKey: apiKey}
}

func (c *FeedClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.APIKey)
	}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, header)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *FeedClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *FeedClient) Subscribe(ctx context.Context, types ...models.GatewayEventType) error {
	payload := map[string]any{
		"action": "subscribe",
		"events": types,
	}
	return c.Conn.WriteJSON(payload)
}

// Read blocks for the next message. Cancelling ctx closes the connection so a
// blocked read returns.
func (c *FeedClient) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()
	_, msg, err := c.Conn.ReadMessage()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return msg, err
}

// ParseFeedMessage extracts an event from a feed frame. ok is false for frames that
// carry no event, such as subscription acks and heartbeats.
func ParseFeedMessage(msg []byte, receivedAt time.Time) (ev models.GatewayEvent, ok bool, err error) {
	var env struct {
		Type    string          `json:"type"`
		Event   json.RawMessage `json:"event"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return models.GatewayEvent{}, false, err
	}
	switch env.Type {
	case "error":
		return models.GatewayEvent{}, false, errors.New(env.Message)
	case "event":
	default:
		return models.GatewayEvent{}, false, nil
	}
	if len(env.Event) == 0 {
		return models.GatewayEvent{}, false, nil
	}
	ev, err = ParseEvent(env.Event, receivedAt)
	if err != nil {
		return models.GatewayEvent{}, false, err
	}
	return ev, true, nil
}

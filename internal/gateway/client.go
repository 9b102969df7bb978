// Package gateway talks to the hosted payment gateway: it opens checkout sessions,
// authenticates webhooks and reads the gateway's event feed.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"KeyLedger/internal/apperr"
)

type SessionRequest struct {
	OrderID   string `json:"order_id"`
	InvoiceNo string `json:"invoice_no"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type Session struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var out Session
	if err := c.postJSON(ctx, c.baseURL+"/v1/checkout/sessions", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.RedirectURL == "" {
		return nil, fmt.Errorf("session response without id or redirect url: %w", apperr.ErrGatewayFailure)
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %v: %w", err, apperr.ErrGatewayFailure)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg != "" {
			return fmt.Errorf("gateway http status %d: %s: %w", resp.StatusCode, msg, apperr.ErrGatewayFailure)
		}
		return fmt.Errorf("gateway http status %d: %w", resp.StatusCode, apperr.ErrGatewayFailure)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %v: %w", err, apperr.ErrGatewayFailure)
	}
	return nil
}

// MultiClient spreads session creation over several gateway endpoints and moves to
// the next one after failThreshold consecutive failures.
type MultiClient struct {
	clients       []*Client
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiClient(endpoints []string, apiKey string, failThreshold int) (*MultiClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("gateway endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*Client, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewClient(ep, apiKey))
	}
	return &MultiClient{clients: clients, failThreshold: failThreshold}, nil
}

func (m *MultiClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

// CreateSession tries each endpoint at most once and returns the last error.
func (m *MultiClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var lastErr error
	for range m.clients {
		client, idx := m.currentClient()
		out, err := client.CreateSession(ctx, req)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
	}
	return nil, lastErr
}

func (m *MultiClient) currentClient() (*Client, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}

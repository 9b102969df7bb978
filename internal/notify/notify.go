// Package notify sends buyer emails through a transactional mail API.
package notify

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

	"KeyLedger/internal/apperr"

	"github.com/cenkalti/backoff/v4"
)

type Message struct {
	To      string
	Subject string
	Text    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPMailer posts messages to an /emails endpoint with bearer auth. 5xx, 429 and
// transport failures are retried with exponential backoff; other 4xx are final.
type HTTPMailer struct {
	baseURL    string
	apiKey     string
	from       string
	client     *http.Client
	maxElapsed time.Duration
}

func NewHTTPMailer(baseURL, apiKey, from string) *HTTPMailer {
	return &HTTPMailer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		from:       from,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxElapsed: 30 * time.Second,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return apperr.Invalid("recipient is required")
	}
	body, err := json.Marshal(sendRequest{From: m.from, To: []string{msg.To}, Subject: msg.Subject, Text: msg.Text})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(m.maxElapsed))
	err = backoff.Retry(func() error {
		return m.post(ctx, body)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (m *HTTPMailer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail api: %v: %w", err, apperr.ErrUnavailable)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("mail api status %d: %w", resp.StatusCode, apperr.ErrUnavailable)
	default:
		return backoff.Permanent(fmt.Errorf("mail api status %d", resp.StatusCode))
	}
}

// LogMailer writes messages to the log instead of sending them. Used when no mail API
// is configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email not sent, no mail api configured",
		"to", msg.To,
		"subject", msg.Subject,
	)
	return nil
}

package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"
)

const SignatureHeader = "Gateway-Signature"

// Sign returns the Gateway-Signature value for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac(secret, unix, body))
}

func mac(secret, unix string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(unix))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// VerifySignature checks header against body. Signatures older or newer than
// tolerance are rejected so captured webhooks cannot be replayed later.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var unix string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if unix == "" || len(sigs) == 0 {
		return fmt.Errorf("malformed %s header: %w", SignatureHeader, apperr.ErrForbidden)
	}

	ts, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return fmt.Errorf("bad signature timestamp: %w", apperr.ErrForbidden)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("signature timestamp outside tolerance: %w", apperr.ErrForbidden)
		}
	}

	want := mac(secret, unix, body)
	for _, sig := range sigs {
		if hmac.Equal(sig, want) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch: %w", apperr.ErrForbidden)
}

type wireEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"session_id"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

// ParseEvent decodes a webhook or feed event. Unknown event types parse fine and are
// ignored downstream.
func ParseEvent(body []byte, receivedAt time.Time) (models.GatewayEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return models.GatewayEvent{}, apperr.Invalid("decode gateway event: %v", err)
	}
	if w.ID == "" {
		return models.GatewayEvent{}, apperr.Invalid("gateway event without id")
	}
	if w.Data.SessionID == "" {
		return models.GatewayEvent{}, apperr.Invalid("gateway event %s without session id", w.ID)
	}
	return models.GatewayEvent{
		EventID:    w.ID,
		Type:       models.GatewayEventType(w.Type),
		SessionRef: w.Data.SessionID,
		Amount:     w.Data.Amount,
		Payload:    append([]byte(nil), body...),
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"KeyLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestSendRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Path != "/emails" || r.Header.Get("Authorization") != "Bearer re_test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"em_1"}`))
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPMailer(srv.URL, "re_test", "keys@shop.example")
	err := m.Send(t.Context(), Message{To: "buyer@example.com", Subject: "Your key", Text: "KEY"})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, sendRequest{From: "keys@shop.example", To: []string{"buyer@example.com"}, Subject: "Your key", Text: "KEY"}, got)
}

func TestSendStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	err := NewHTTPMailer(srv.URL, "re_test", "from@example.com").Send(t.Context(), Message{To: "x@example.com"})
	require.ErrorContains(t, err, "422")
	require.Equal(t, int32(1), calls.Load())
}

func TestSendGivesUpAfterMaxElapsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPMailer(srv.URL, "re_test", "from@example.com")
	m.maxElapsed = 300 * time.Millisecond
	err := m.Send(t.Context(), Message{To: "x@example.com"})
	require.ErrorContains(t, err, "502")
}

func TestSendRequiresRecipient(t *testing.T) {
	err := NewHTTPMailer("http://unused", "k", "f").Send(t.Context(), Message{})
	require.Error(t, err)
}

func TestLogMailer(t *testing.T) {
	require.NoError(t, LogMailer{Logger: testutil.Logger(t)}.Send(t.Context(), Message{To: "x@example.com"}))
}

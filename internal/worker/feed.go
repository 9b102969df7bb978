package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"KeyLedger/internal/gateway"
	"KeyLedger/internal/models"

	"github.com/cenkalti/backoff/v4"
)

type Feed interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, types ...models.GatewayEventType) error
	Read(ctx context.Context) ([]byte, error)
	Close()
}

// RunFeed keeps a subscription to the gateway event feed open until ctx ends.
// Failed connects back off exponentially; after FeedFailoverThreshold consecutive
// failures the next endpoint is tried.
func (w *Worker) RunFeed(ctx context.Context) {
	endpoints := sanitize(w.FeedEndpoints)
	if len(endpoints) == 0 {
		w.logger().InfoContext(ctx, "gateway feed disabled: no endpoints configured")
		return
	}
	threshold := w.FeedFailoverThreshold
	if threshold <= 0 {
		threshold = 3
	}
	maxDelay := w.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}

	idx, failures := 0, 0
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(min(time.Second, maxDelay)),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)

	for ctx.Err() == nil {
		var feed Feed
		connect := func() error {
			feed = w.newFeed(endpoints[idx])
			if err := feed.Connect(ctx); err != nil {
				return err
			}
			if err := feed.Subscribe(ctx, models.EventPaymentSucceeded, models.EventPaymentFailed); err != nil {
				feed.Close()
				return err
			}
			return nil
		}
		notify := func(err error, wait time.Duration) {
			failures++
			w.logger().WarnContext(ctx, "gateway feed connect failed",
				"endpoint", endpoints[idx],
				"retry_in", wait,
				"error", err,
			)
			if failures >= threshold && len(endpoints) > 1 {
				idx = (idx + 1) % len(endpoints)
				failures = 0
				w.logger().InfoContext(ctx, "gateway feed failing over", "endpoint", endpoints[idx])
			}
		}
		if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
			return
		}
		bo.Reset()
		failures = 0
		w.logger().InfoContext(ctx, "gateway feed connected", "endpoint", endpoints[idx])

		err := w.consume(ctx, feed)
		feed.Close()
		if ctx.Err() != nil {
			return
		}
		w.logger().WarnContext(ctx, "gateway feed dropped", "endpoint", endpoints[idx], "error", err)
	}
}

func (w *Worker) consume(ctx context.Context, feed Feed) error {
	for {
		msg, err := feed.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok, err := gateway.ParseFeedMessage(msg, w.now())
		if err != nil {
			w.logger().WarnContext(ctx, "gateway feed message rejected", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := w.Payments.HandleGatewayEvent(ctx, ev); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// the webhook or a later replay will deliver the event again
			w.logger().ErrorContext(ctx, "gateway feed event failed", "event_id", ev.EventID, "error", err)
		}
	}
}

func (w *Worker) newFeed(endpoint string) Feed {
	if w.NewFeed != nil {
		return w.NewFeed(endpoint)
	}
	return gateway.NewFeedClient(endpoint, w.FeedAPIKey)
}

func sanitize(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

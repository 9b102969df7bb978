package worker

import (
	"context"
	"log/slog"
	"time"

	"KeyLedger/internal/delivery"
	"KeyLedger/internal/models"
)

type DeliverySweeper interface {
	Sweep(ctx context.Context) (delivery.SweepResult, error)
}

type StaleOrders interface {
	FailStale(ctx context.Context) (int64, error)
}

type EventHandler interface {
	HandleGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, error)
}

type Worker struct {
	Deliveries DeliverySweeper
	Orders     StaleOrders
	Payments   EventHandler
	Interval   time.Duration

	FeedEndpoints         []string
	FeedAPIKey            string
	FeedFailoverThreshold int
	// MaxReconnectDelay caps the backoff between feed reconnects.
	MaxReconnectDelay time.Duration
	// NewFeed opens a client for one endpoint. Defaults to the gateway websocket client.
	NewFeed func(endpoint string) Feed

	Now    func() time.Time
	Logger *slog.Logger
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) interval() time.Duration {
	if w.Interval > 0 {
		return w.Interval
	}
	return 30 * time.Second
}

func (w *Worker) Run(ctx context.Context) {
	go w.RunFeed(ctx)
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	for {
		if err := w.SweepOnce(ctx); err != nil {
			w.logger().ErrorContext(ctx, "sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce fails abandoned orders and expires reveal windows. Both steps are
// best effort: a failure in one does not skip the other.
func (w *Worker) SweepOnce(ctx context.Context) error {
	var firstErr error
	if w.Orders != nil {
		n, err := w.Orders.FailStale(ctx)
		if err != nil {
			firstErr = err
		} else if n > 0 {
			w.logger().InfoContext(ctx, "stale orders failed", "count", n)
		}
	}
	if w.Deliveries != nil {
		res, err := w.Deliveries.Sweep(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == nil && (res.Expired > 0 || res.Backordered > 0) {
			w.logger().InfoContext(ctx, "delivery sweep",
				"expired", res.Expired,
				"backordered", res.Backordered,
			)
		}
	}
	return firstErr
}

package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/ledger"
)

// Observer receives every order event in ledger order.
type Observer func(domain.OrderEvent)

// Feedback drains a ledger subscription into observers: the portfolio
// tracker, the strategy engine and any event sinks. An event is
// acknowledged only after every observer has seen it.
type Feedback struct {
	sub       *ledger.Subscription
	observers []Observer
	logger    *slog.Logger
}

// NewFeedback creates a Feedback loop over sub.
func NewFeedback(sub *ledger.Subscription, logger *slog.Logger, observers ...Observer) *Feedback {
	return &Feedback{
		sub:       sub,
		observers: observers,
		logger:    logger.With(slog.String("component", "feedback"), slog.String("subscription", sub.Name())),
	}
}

// Run delivers events until ctx is cancelled or the subscription closes.
func (f *Feedback) Run(ctx context.Context) error {
	for {
		ev, err := f.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ledger.ErrSubscriptionClosed) {
				return nil
			}
			return err
		}
		for _, obs := range f.observers {
			obs(ev)
		}
		f.sub.Ack()
		f.logger.DebugContext(ctx, "order event delivered",
			slog.Uint64("seq", ev.Seq),
			slog.String("order_id", ev.Order.ID),
			slog.String("state", string(ev.Order.State)),
		)
	}
}

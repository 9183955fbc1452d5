// Package notify fans operator alerts out to Telegram and Discord. Alerts
// are filtered by event type and throttled per event and title.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Event types.
const (
	EventBreakerOpen  = "breaker_open"
	EventHealth       = "health"
	EventOrderFailed  = "order_failed"
	EventOrderFilled  = "order_filled"
	EventRiskRejected = "risk_rejected"
	EventFeed         = "feed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type alert struct {
	event, title, message string
}

// Notifier dispatches to every Sender. Notify is synchronous; Enqueue hands
// the alert to Run so hot paths never wait on a webhook.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	queue chan alert
}

// NewNotifier creates a Notifier. An empty events list allows every event.
// Alerts repeating the same event and title within cooldown are dropped.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
		queue:    make(chan alert, 64),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify delivers immediately if event passes the filter and cooldown.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.admit(event, title) {
		n.logger.DebugContext(ctx, "alert suppressed", slog.String("event", event), slog.String("title", title))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Enqueue schedules an alert for Run. A full queue drops the alert.
func (n *Notifier) Enqueue(event, title, message string) {
	if !n.Enabled() {
		return
	}
	select {
	case n.queue <- alert{event: event, title: title, message: message}:
	default:
		n.logger.Warn("alert queue full, dropping", slog.String("event", event), slog.String("title", title))
	}
}

// Run delivers enqueued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := n.Notify(sendCtx, a.event, a.title, a.message); err != nil {
				n.logger.WarnContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// OnOrderEvent alerts on failed and filled orders.
func (n *Notifier) OnOrderEvent(ev domain.OrderEvent) {
	o := ev.Order
	if ev.Previous == o.State {
		return
	}
	switch o.State {
	case domain.OrderStateFailed:
		n.Enqueue(EventOrderFailed, "Order failed: "+o.Symbol,
			fmt.Sprintf("%s %s %s (%s): %s", o.Side, o.Quantity, o.Symbol, o.ID, o.Reason))
	case domain.OrderStateRejected:
		n.Enqueue(EventRiskRejected, "Order rejected: "+o.Symbol,
			fmt.Sprintf("%s %s by %s: %s", o.Side, o.Symbol, o.StrategyTag, o.Reason))
	case domain.OrderStateFilled:
		n.Enqueue(EventOrderFilled, "Order filled: "+o.Symbol,
			fmt.Sprintf("%s %s %s @ %s (%s)", o.Side, o.FilledQuantity, o.Symbol, o.AverageFillPrice, o.ID))
	}
}

// OnBreakerChange alerts when an endpoint breaker opens.
func (n *Notifier) OnBreakerChange(name string, _, to domain.BreakerState) {
	if to != domain.BreakerOpen {
		return
	}
	n.Enqueue(EventBreakerOpen, "Circuit open: "+name, "requests to "+name+" are failing fast until the cool-down elapses")
}

func (n *Notifier) admit(event, title string) bool {
	if len(n.events) > 0 && !n.events[event] {
		return false
	}
	if n.cooldown <= 0 {
		return true
	}
	key := event + "\x00" + title
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

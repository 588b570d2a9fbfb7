package display

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/obs"
)

const (
	defaultSubscriberBuffer = 16
	defaultListenerBuffer   = 8
)

type subscriber struct {
	id  string
	out chan []byte
}

type listener struct {
	orderID string
	out     chan StepReport
}

// Hub fans notifications out to every connected display and routes step
// reports back to whoever is waiting on that order. Publishing never blocks.
type Hub struct {
	mu        sync.Mutex
	seq       uint64
	last      []byte
	lastMsg   Notification
	subs      map[*subscriber]struct{}
	listeners map[*listener]struct{}
	logger    zerolog.Logger
	now       func() time.Time
}

// NewHub returns an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:      make(map[*subscriber]struct{}),
		listeners: make(map[*listener]struct{}),
		logger:    logger.With().Str("component", "display_hub").Logger(),
		now:       time.Now,
	}
}

// Publish stamps n with the next sequence number and sends it to every
// subscriber. The stamped notification is returned.
func (h *Hub) Publish(ctx context.Context, n Notification) (Notification, error) {
	if n.Type == "" {
		n.Type = TypeState
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	n.Seq = h.seq
	n.At = h.now().UTC()
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("display: encode notification: %w", err)
	}
	if n.Type == TypeState {
		h.last = payload
		h.lastMsg = n
	}
	for sub := range h.subs {
		h.offer(sub, payload)
	}
	obs.CountDisplay("outbound", n.Type)
	h.logger.Debug().Uint64("seq", n.Seq).Str("step", string(n.Step)).Str("order_id", n.OrderID).Int("subscribers", len(h.subs)).Msg("display_publish")
	return n, nil
}

// Cancel tells the display to abandon the in-flight step for orderID.
func (h *Hub) Cancel(ctx context.Context, orderID string) error {
	_, err := h.Publish(ctx, Notification{Type: TypeCancel, Step: StepPayment, OrderID: orderID})
	return err
}

// Last returns the most recent state notification.
func (h *Hub) Last() (Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastMsg, h.seq > 0 && h.last != nil
}

// offer keeps the newest frame when a subscriber falls behind; every state
// frame is a full snapshot so older ones can go.
func (h *Hub) offer(sub *subscriber, payload []byte) {
	select {
	case sub.out <- payload:
		return
	default:
	}
	select {
	case <-sub.out:
	default:
	}
	select {
	case sub.out <- payload:
	default:
		h.logger.Warn().Str("display_id", sub.id).Msg("dropping display frame, buffer full")
	}
}

// Subscribe registers a transport. The latest state is replayed immediately.
// The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(id string) (<-chan []byte, func()) {
	sub := &subscriber{id: id, out: make(chan []byte, defaultSubscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	if h.last != nil {
		sub.out <- h.last
	}
	h.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.out)
		})
	}
}

// Subscribers returns the number of connected displays.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Listen receives reports for orderID until the returned func is called.
func (h *Hub) Listen(orderID string) (<-chan StepReport, func()) {
	l := &listener{orderID: orderID, out: make(chan StepReport, defaultListenerBuffer)}
	h.mu.Lock()
	h.listeners[l] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return l.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, l)
			h.mu.Unlock()
		})
	}
}

// Deliver routes an inbound report. Reports nobody is waiting for are dropped.
func (h *Hub) Deliver(report StepReport) error {
	if err := report.Validate(); err != nil {
		obs.CountDisplay("inbound", "malformed")
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	routed := false
	for l := range h.listeners {
		if l.orderID != "" && report.OrderID != "" && l.orderID != report.OrderID {
			continue
		}
		select {
		case l.out <- report:
			routed = true
		default:
			h.logger.Warn().Str("order_id", l.orderID).Str("step", string(report.Step)).Msg("dropping step report, listener busy")
		}
	}
	kind := "routed"
	if !routed {
		kind = "unrouted"
		h.logger.Debug().Str("order_id", report.OrderID).Str("step", string(report.Step)).Str("status", string(report.Status)).Msg("step report without listener")
	}
	obs.CountDisplay("inbound", kind)
	return nil
}

// Package hub is the subscription registry and event dispatcher: it tracks
// which connections watch which conversation and fans events out to them.
package hub

import (
	"errors"
	"sync"

	"stream-chat/pkg/metrics"
	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/domain"

	"github.com/rs/zerolog"
)

// ErrSubscriberGone is returned by Deliver once a subscriber is closed.
var ErrSubscriberGone = errors.New("subscriber gone")

// Subscriber is one connection's outbound side. Deliver must keep frames in
// call order.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) error
}

type Hub struct {
	mu      sync.RWMutex
	convs   map[string]map[Subscriber]struct{}
	bySub   map[Subscriber][]string // subscription order, oldest first
	owners  map[string]Subscriber   // client session id -> connection
	gates   map[Subscriber]*sync.Mutex
	maxSubs int

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a hub. maxSubs caps subscriptions per connection; 0 means no cap.
func New(maxSubs int, log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		convs:   make(map[string]map[Subscriber]struct{}),
		bySub:   make(map[Subscriber][]string),
		owners:  make(map[string]Subscriber),
		gates:   make(map[Subscriber]*sync.Mutex),
		maxSubs: maxSubs,
		log:     log.With().Str("component", "hub").Logger(),
		metrics: m,
	}
}

// Subscribe adds sub to the conversation. It is idempotent and reports
// whether a new subscription was created. When the per-connection cap is
// reached the oldest subscription is dropped first.
func (h *Hub) Subscribe(sub Subscriber, conversationID string) bool {
	g := h.gate(sub)
	g.Lock()
	defer g.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(sub, conversationID)
}

// gate serializes deliveries to sub against changes of its subscriptions:
// once Unsubscribe returns, no event of that conversation is handed to sub.
func (h *Hub) gate(sub Subscriber) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[sub]
	if !ok {
		g = &sync.Mutex{}
		h.gates[sub] = g
	}
	return g
}

func (h *Hub) subscribeLocked(sub Subscriber, conversationID string) bool {
	if _, ok := h.convs[conversationID][sub]; ok {
		return false
	}
	if h.maxSubs > 0 {
		for len(h.bySub[sub]) >= h.maxSubs {
			h.unsubscribeLocked(sub, h.bySub[sub][0])
		}
	}
	if h.convs[conversationID] == nil {
		h.convs[conversationID] = make(map[Subscriber]struct{})
	}
	h.convs[conversationID][sub] = struct{}{}
	h.bySub[sub] = append(h.bySub[sub], conversationID)
	h.metrics.SubscriptionAdded()
	h.log.Debug().Str("conn", sub.ID()).Str("conversation_id", conversationID).
		Int("total", len(h.convs[conversationID])).Msg("subscribed")
	return true
}

// Unsubscribe waits for a delivery to sub that is in progress.
func (h *Hub) Unsubscribe(sub Subscriber, conversationID string) bool {
	g := h.gate(sub)
	g.Lock()
	defer g.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(sub, conversationID)
}

func (h *Hub) unsubscribeLocked(sub Subscriber, conversationID string) bool {
	subs, ok := h.convs[conversationID]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.convs, conversationID)
	}
	list := h.bySub[sub]
	for i, id := range list {
		if id == conversationID {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.bySub, sub)
	} else {
		h.bySub[sub] = list
	}
	h.metrics.SubscriptionsRemoved(1)
	h.log.Debug().Str("conn", sub.ID()).Str("conversation_id", conversationID).Msg("unsubscribed")
	return true
}

// UnsubscribeAll removes every subscription held by sub and releases any
// client session it owns.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	g := h.gate(sub)
	g.Lock()
	defer g.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.gates, sub)

	for _, conversationID := range append([]string(nil), h.bySub[sub]...) {
		h.unsubscribeLocked(sub, conversationID)
	}
	for sessionID, owner := range h.owners {
		if owner == sub {
			delete(h.owners, sessionID)
		}
	}
}

// Subscriptions returns the conversations sub is subscribed to, oldest first.
func (h *Hub) Subscriptions(sub Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.bySub[sub]...)
}

func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.convs[conversationID])
}

// Claim records sub as the owner of a client session and returns the
// connection that owned it before, if any. The caller closes the previous one.
func (h *Hub) Claim(clientSessionID string, sub Subscriber) Subscriber {
	if clientSessionID == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.owners[clientSessionID]
	h.owners[clientSessionID] = sub
	if prev == sub {
		return nil
	}
	return prev
}

// Publish encodes ev once and delivers it to every subscriber of its
// conversation. Subscribers that fail delivery are unsubscribed.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.convs[ev.ConversationID]))
	for sub := range h.convs[ev.ConversationID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	data, err := protocol.Encode(EncodeEvent(ev))
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("encode event failed")
		return
	}

	for _, sub := range subs {
		delivered, err := h.deliver(sub, ev.ConversationID, data)
		if err != nil {
			h.log.Warn().Err(err).Str("conn", sub.ID()).Str("conversation_id", ev.ConversationID).
				Msg("deliver failed, dropping subscriber")
			h.Unsubscribe(sub, ev.ConversationID)
			continue
		}
		if delivered {
			h.metrics.EventDelivered(string(ev.Kind))
		}
	}
}

// deliver hands data to sub unless it left the conversation after Publish
// took its snapshot of subscribers.
func (h *Hub) deliver(sub Subscriber, conversationID string, data []byte) (bool, error) {
	g := h.gate(sub)
	g.Lock()
	defer g.Unlock()

	h.mu.RLock()
	_, member := h.convs[conversationID][sub]
	h.mu.RUnlock()
	if !member {
		return false, nil
	}
	if err := sub.Deliver(data); err != nil {
		return false, err
	}
	return true, nil
}

// SubscribeAndSend subscribes sub and hands it the given event ahead of any
// event published afterwards. The caller serializes it against Publish for
// the same conversation.
func (h *Hub) SubscribeAndSend(sub Subscriber, conversationID string, ev *domain.Event) (bool, error) {
	if ev == nil {
		return h.Subscribe(sub, conversationID), nil
	}
	data, err := protocol.Encode(EncodeEvent(*ev))
	if err != nil {
		return h.Subscribe(sub, conversationID), err
	}

	g := h.gate(sub)
	g.Lock()
	h.mu.Lock()
	added := h.subscribeLocked(sub, conversationID)
	h.mu.Unlock()
	err = sub.Deliver(data)
	g.Unlock()

	if err != nil {
		h.Unsubscribe(sub, conversationID)
		return false, err
	}
	h.metrics.EventDelivered(string(ev.Kind))
	return added, nil
}

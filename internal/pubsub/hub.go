// Package pubsub implements the in-process channel fan-out hub described
// in spec.md §4.7: a channel→subscriber-set map kept in lockstep with a
// per-client mailbox, delivering PUBLISH payloads to every subscriber of a
// channel in publish order.
package pubsub

import (
	"sync"

	"github.com/kvredis/kvredis/internal/metrics"
)

// Message is what a publisher hands to every subscriber's mailbox.
type Message struct {
	Channel string
	Payload []byte
}

// Mailbox is the receiving side of a client's pub/sub delivery channel.
// Delivery is best-effort (spec §4.7/§5): a full mailbox drops the message
// rather than blocking the publisher.
type Mailbox chan Message

// NewMailbox returns a mailbox with headroom for bursty publishers without
// unbounded growth; a slow subscriber drops messages instead of stalling
// PUBLISH, matching spec §5's backpressure rule.
func NewMailbox() Mailbox {
	return make(Mailbox, 256)
}

// Hub is the shared channel/subscriber registry. One Hub per server.
type Hub struct {
	mu            sync.RWMutex
	channels      map[string]map[int64]Mailbox // channel -> clientID -> mailbox
	clientChannel map[int64]map[string]bool    // clientID -> channels, for disconnect cleanup
	mailboxes     map[int64]Mailbox            // clientID -> its one delivery mailbox
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{
		channels:      make(map[string]map[int64]Mailbox),
		clientChannel: make(map[int64]map[string]bool),
		mailboxes:     make(map[int64]Mailbox),
	}
}

// Mailbox returns clientID's delivery mailbox, creating it on first use.
// The connection's write loop holds onto the returned channel for the
// life of the connection, reading from it independently of which or how
// many channels are subscribed at any moment.
func (h *Hub) Mailbox(clientID int64) Mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb, ok := h.mailboxes[clientID]
	if !ok {
		mb = NewMailbox()
		h.mailboxes[clientID] = mb
	}
	return mb
}

// Subscribe adds clientID to channel's subscriber set, using (and creating,
// if needed) clientID's single mailbox. Returns the client's total
// subscribed-channel count after the change, matching the reply shape
// SUBSCRIBE needs (spec §4.7).
func (h *Hub) Subscribe(channel string, clientID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	mb, ok := h.mailboxes[clientID]
	if !ok {
		mb = NewMailbox()
		h.mailboxes[clientID] = mb
	}

	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[int64]Mailbox)
		h.channels[channel] = subs
	}
	subs[clientID] = mb

	chans, ok := h.clientChannel[clientID]
	if !ok {
		chans = make(map[string]bool)
		h.clientChannel[clientID] = chans
	}
	chans[channel] = true

	return len(chans)
}

// Unsubscribe removes clientID from channel. Returns the client's
// remaining subscribed-channel count.
func (h *Hub) Unsubscribe(channel string, clientID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(channel, clientID)
}

func (h *Hub) unsubscribeLocked(channel string, clientID int64) int {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	chans := h.clientChannel[clientID]
	delete(chans, channel)
	return len(chans)
}

// UnsubscribeAll removes every channel membership for clientID and frees
// its mailbox, used on disconnect (spec §3 "Lifecycle").
func (h *Hub) UnsubscribeAll(clientID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.clientChannel[clientID] {
		if subs, ok := h.channels[channel]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	delete(h.clientChannel, clientID)
	delete(h.mailboxes, clientID)
}

// SubscriptionCount returns how many channels clientID currently follows.
func (h *Hub) SubscriptionCount(clientID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientChannel[clientID])
}

// Publish snapshots channel's subscriber mailboxes and delivers Message to
// each, best-effort. Returns the number of subscribers the channel had at
// publish time (spec §4.7's PUBLISH return value), regardless of whether
// any individual delivery was dropped.
func (h *Hub) Publish(channel string, payload []byte) int {
	h.mu.RLock()
	subs := h.channels[channel]
	mailboxes := make([]Mailbox, 0, len(subs))
	for _, mb := range subs {
		mailboxes = append(mailboxes, mb)
	}
	h.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, mb := range mailboxes {
		select {
		case mb <- msg:
		default:
			// Receiver's buffer is full; drop this delivery rather than
			// block the publisher (spec §5/§7.3).
			metrics.PubSubDropped()
		}
	}
	return len(mailboxes)
}

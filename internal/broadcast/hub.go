// Package broadcast propagates cache updates and sync events between
// manager instances ("tabs") over named channels.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/TheMichaelB/whsync/internal/events"
)

// inboxSize bounds undelivered messages per endpoint.
const inboxSize = 256

// Handler receives messages from other tabs.
type Handler func(Message)

// Forwarder receives every message published locally on a channel.
type Forwarder func(Message)

// Hub connects endpoints that joined the same channel name.
type Hub struct {
	mu         sync.RWMutex
	endpoints  map[string]map[*Endpoint]struct{}
	forwarders map[string]map[int]Forwarder
	nextFwd    int
	logger     *events.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *events.Logger) *Hub {
	return &Hub{
		endpoints:  make(map[string]map[*Endpoint]struct{}),
		forwarders: make(map[string]map[int]Forwarder),
		logger:     logger.WithField("component", "broadcast"),
	}
}

// NewTabID returns a random tab identifier.
func NewTabID() string {
	return uuid.NewString()
}

// Join attaches a new endpoint to channel. An empty tabID gets a random one.
func (h *Hub) Join(channel, tabID string) *Endpoint {
	if tabID == "" {
		tabID = NewTabID()
	}

	e := &Endpoint{
		hub:     h,
		channel: channel,
		tabID:   tabID,
		inbox:   make(chan Message, inboxSize),
		done:    make(chan struct{}),
		logger:  h.logger.WithFields(map[string]interface{}{"channel": channel, "tab_id": tabID}),
	}

	h.mu.Lock()
	if h.endpoints[channel] == nil {
		h.endpoints[channel] = make(map[*Endpoint]struct{})
	}
	h.endpoints[channel][e] = struct{}{}
	h.mu.Unlock()

	go e.run()
	return e
}

// Forward registers f for every locally published message on channel and
// returns a function removing it.
func (h *Hub) Forward(channel string, f Forwarder) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.forwarders[channel] == nil {
		h.forwarders[channel] = make(map[int]Forwarder)
	}
	id := h.nextFwd
	h.nextFwd++
	h.forwarders[channel][id] = f

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.forwarders[channel], id)
	}
}

// Deliver hands msg to every endpoint on its channel except the sender.
// Messages arriving from a relay enter here and are not forwarded again.
func (h *Hub) Deliver(msg Message) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.endpoints[msg.Channel]))
	for e := range h.endpoints[msg.Channel] {
		if e.tabID != msg.TabID {
			targets = append(targets, e)
		}
	}
	h.mu.RUnlock()

	for _, e := range targets {
		e.enqueue(msg)
	}
}

// Endpoints returns the number of endpoints joined to channel.
func (h *Hub) Endpoints(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints[channel])
}

func (h *Hub) publish(msg Message) {
	h.Deliver(msg)

	h.mu.RLock()
	forwarders := make([]Forwarder, 0, len(h.forwarders[msg.Channel]))
	for _, f := range h.forwarders[msg.Channel] {
		forwarders = append(forwarders, f)
	}
	h.mu.RUnlock()

	for _, f := range forwarders {
		f(msg)
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[e.channel], e)
	if len(h.endpoints[e.channel]) == 0 {
		delete(h.endpoints, e.channel)
	}
}

// Endpoint is one tab's view of a channel.
type Endpoint struct {
	hub     *Hub
	channel string
	tabID   string
	logger  *events.Logger

	mu       sync.RWMutex
	handlers []Handler
	closed   bool

	inbox chan Message
	done  chan struct{}
}

// TabID returns the origin id stamped on published messages.
func (e *Endpoint) TabID() string {
	return e.tabID
}

// Channel returns the channel name.
func (e *Endpoint) Channel() string {
	return e.channel
}

// Subscribe adds a handler. Handlers run sequentially on the endpoint's
// delivery goroutine.
func (e *Endpoint) Subscribe(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Publish sends a message to every other endpoint on the channel.
func (e *Endpoint) Publish(typ MessageType, data interface{}) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return fmt.Errorf("endpoint closed")
	}

	msg, err := NewMessage(typ, e.tabID, data)
	if err != nil {
		return err
	}
	msg.Channel = e.channel

	e.hub.publish(msg)
	return nil
}

// Close leaves the channel and stops delivery.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.leave(e)
	close(e.done)
}

func (e *Endpoint) enqueue(msg Message) {
	select {
	case e.inbox <- msg:
	case <-e.done:
	default:
		e.logger.WithField("type", msg.Type).Warn("Inbox full, dropping message")
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case msg := <-e.inbox:
			// Relays may echo our own frames back
			if msg.TabID == e.tabID {
				continue
			}

			e.mu.RLock()
			handlers := append([]Handler(nil), e.handlers...)
			e.mu.RUnlock()

			for _, h := range handlers {
				e.dispatch(h, msg)
			}
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) dispatch(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(map[string]interface{}{
				"type":  msg.Type,
				"panic": r,
			}).Error("Broadcast handler panicked")
		}
	}()
	h(msg)
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // full snapshots ride on sync-complete frames
)

// RelayServer fans frames out between processes joined to the same
// channel over WebSocket.
type RelayServer struct {
	mu       sync.RWMutex
	rooms    map[string]map[*peer]struct{}
	upgrader websocket.Upgrader
	router   chi.Router
	logger   *events.Logger
}

// NewRelayServer creates a relay with routes mounted.
func NewRelayServer(logger *events.Logger) *RelayServer {
	s := &RelayServer{
		rooms: make(map[string]map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Relay binds to loopback by default; tabs are local processes
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.WithField("component", "relay"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/channels/{name}", s.handleChannel)
	s.router = r

	return s
}

// Handler returns the HTTP handler.
func (s *RelayServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled.
func (s *RelayServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Relay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Peers returns the number of connections joined to channel.
func (s *RelayServer) Peers(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[channel])
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	peers := 0
	for _, room := range s.rooms {
		peers += len(room)
	}
	rooms := len(s.rooms)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"channels": rooms,
		"peers":    peers,
	})
}

func (s *RelayServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.Error(w, "channel name required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Upgrade failed")
		return
	}

	p := &peer{
		server:  s,
		channel: name,
		conn:    conn,
		send:    make(chan []byte, inboxSize),
	}

	s.mu.Lock()
	if s.rooms[name] == nil {
		s.rooms[name] = make(map[*peer]struct{})
	}
	s.rooms[name][p] = struct{}{}
	s.mu.Unlock()

	s.logger.WithField("channel", name).Debug("Peer joined")

	go p.writePump()
	go p.readPump()
}

func (s *RelayServer) remove(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[p.channel]
	if _, ok := room[p]; !ok {
		return
	}
	delete(room, p)
	close(p.send)
	if len(room) == 0 {
		delete(s.rooms, p.channel)
	}
	s.logger.WithField("channel", p.channel).Debug("Peer left")
}

func (s *RelayServer) fanOut(from *peer, frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for p := range s.rooms[from.channel] {
		if p == from {
			continue
		}
		select {
		case p.send <- frame:
		default:
			s.logger.WithField("channel", p.channel).Warn("Peer too slow, dropping frame")
		}
	}
}

type peer struct {
	server  *RelayServer
	channel string
	conn    *websocket.Conn
	send    chan []byte
}

func (p *peer) readPump() {
	defer func() {
		p.server.remove(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.server.logger.WithError(err).Warn("Peer read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Type == "" {
			p.server.logger.WithField("size", len(frame)).Warn("Dropping invalid frame")
			continue
		}

		p.server.fanOut(p, frame)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RelayClient bridges one hub channel to a relay server.
type RelayClient struct {
	channel string
	ws      *transport.WSClient
	stopFwd func()
	done    chan struct{}
	logger  *events.Logger
}

// ChannelURL returns the relay endpoint for channel.
func ChannelURL(base, channel string) string {
	return strings.TrimRight(base, "/") + "/channels/" + url.PathEscape(channel)
}

// ConnectRelay joins channel on the relay at base and bridges it to hub.
// Local publishes go out; frames from other processes are delivered to
// local endpoints.
func ConnectRelay(ctx context.Context, hub *Hub, base, channel string, logger *events.Logger) (*RelayClient, error) {
	ws := transport.NewWSClient(ChannelURL(base, channel), nil, logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}

	c := &RelayClient{
		channel: channel,
		ws:      ws,
		done:    make(chan struct{}),
		logger:  logger.WithFields(map[string]interface{}{"component": "relay_client", "channel": channel}),
	}

	c.stopFwd = hub.Forward(channel, func(msg Message) {
		if err := ws.Send(msg); err != nil {
			c.logger.WithError(err).Warn("Relay send failed")
		}
	})

	go c.receive(hub)
	return c, nil
}

func (c *RelayClient) receive(hub *Hub) {
	defer close(c.done)

	for frame := range c.ws.Messages() {
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.logger.WithError(err).Warn("Dropping undecodable relay frame")
			continue
		}
		msg.Channel = c.channel
		hub.Deliver(msg)
	}
}

// Done is closed when the relay connection ends.
func (c *RelayClient) Done() <-chan struct{} {
	return c.done
}

// Close stops forwarding and disconnects.
func (c *RelayClient) Close() error {
	c.stopFwd()
	return c.ws.Close()
}

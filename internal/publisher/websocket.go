package publisher

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/tangible/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients are push-only; anything they send is read and discarded.
	maxMessageSize = 512
)

// wsEndpoint serves a hub's messages to WebSocket clients, one frame per
// message.
type wsEndpoint struct {
	name        string
	messageType int
	hub         *Hub[[]byte]
	upgrader    websocket.Upgrader

	server   *http.Server
	listener net.Listener
	serveWg  sync.WaitGroup
	connWg   sync.WaitGroup
}

func newWSEndpoint(name string, messageType int, hub *Hub[[]byte]) *wsEndpoint {
	return &wsEndpoint{
		name:        name,
		messageType: messageType,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (e *wsEndpoint) start(addr string) error {
	log.Printf("[%s] Attempting to bind to %s...", e.name, addr)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	e.listener = lis
	e.server = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.serveWg.Add(1)
	go func() {
		defer e.serveWg.Done()
		log.Printf("[%s] listening on %s", e.name, lis.Addr())
		if err := e.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[%s] server error: %v", e.name, err)
		}
	}()
	return nil
}

func (e *wsEndpoint) addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// stop closes the listener, stops the hub and waits for every connection
// goroutine to exit.
func (e *wsEndpoint) stop() {
	if e.server != nil {
		// Close does not touch hijacked connections; those are closed by
		// their write pumps once the hub stops.
		e.server.Close()
	}
	e.hub.Stop()
	e.serveWg.Wait()
	e.connWg.Wait()
}

// ServeHTTP upgrades the request and starts the client's pumps. The client
// is registered before the handshake completes so that it receives every
// message broadcast after the dial returns.
func (e *wsEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.hub.Running() {
		http.Error(w, "publisher stopped", http.StatusServiceUnavailable)
		return
	}
	client := e.hub.Register(r.RemoteAddr)
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[%s] upgrade failed for %s: %v", e.name, r.RemoteAddr, err)
		e.hub.Unregister(client.ID)
		return
	}

	e.connWg.Add(2)
	go e.writePump(conn, client)
	go e.readPump(conn, client)
}

func (e *wsEndpoint) writePump(conn *websocket.Conn, client *Client[[]byte]) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		e.connWg.Done()
	}()

	for {
		select {
		case msg := <-client.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(e.messageType, msg); err != nil {
				log.Printf("[%s] write to %s failed: %v", e.name, client.Remote, err)
				e.hub.Unregister(client.ID)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				e.hub.Unregister(client.ID)
				return
			}
		case <-client.Done():
			e.flush(conn, client)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// flush writes whatever is still queued for a client that is being closed.
func (e *wsEndpoint) flush(conn *websocket.Conn, client *Client[[]byte]) {
	for {
		select {
		case msg := <-client.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(e.messageType, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (e *wsEndpoint) readPump(conn *websocket.Conn, client *Client[[]byte]) {
	defer func() {
		e.hub.Unregister(client.ID)
		e.connWg.Done()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[%s] read from %s: %v", e.name, client.Remote, err)
			}
			return
		}
	}
}

// WebSocketConfig configures the JSON WebSocket publisher.
type WebSocketConfig struct {
	// ListenAddr is the address to listen on (e.g. ":9002").
	ListenAddr string
	// Queue bounds the events waiting for broadcast.
	Queue int
	// ClientQueue bounds the events waiting for one client.
	ClientQueue int
}

// DefaultWebSocketConfig returns the default configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ListenAddr:  ":9002",
		Queue:       DefaultQueue,
		ClientQueue: DefaultClientQueue,
	}
}

// WebSocket pushes one JSON text frame per registry event to every
// connected client.
type WebSocket struct {
	cfg   WebSocketConfig
	poses Poses
	hub   *Hub[[]byte]
	ep    *wsEndpoint
}

// NewWebSocket returns a stopped JSON publisher reading poses from poses.
func NewWebSocket(cfg WebSocketConfig, poses Poses) *WebSocket {
	hub := NewHub[[]byte]("WebSocket", cfg.Queue, cfg.ClientQueue)
	return &WebSocket{
		cfg:   cfg,
		poses: poses,
		hub:   hub,
		ep:    newWSEndpoint("WebSocket", websocket.TextMessage, hub),
	}
}

// Name implements Publisher.
func (p *WebSocket) Name() string { return "WebSocket" }

// Start binds the listener and starts the broadcast goroutine.
func (p *WebSocket) Start() error {
	if err := p.hub.Start(); err != nil {
		return err
	}
	if err := p.ep.start(p.cfg.ListenAddr); err != nil {
		p.hub.Stop()
		return err
	}
	return nil
}

// Stop closes the listener and every client, then waits for the service
// goroutines.
func (p *WebSocket) Stop() {
	p.ep.stop()
	log.Printf("[WebSocket] stopped")
}

// Addr returns the bound listener address.
func (p *WebSocket) Addr() string {
	return p.ep.addr()
}

// Fire encodes ev and queues it for broadcast. It never blocks.
func (p *WebSocket) Fire(ev registry.Event, id int) error {
	msg, err := NewMessage(ev, id, p.poses)
	if err != nil {
		return err
	}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s %d: %w", ev, id, err)
	}
	p.hub.Broadcast(data)
	return nil
}

// Stats implements Publisher.
func (p *WebSocket) Stats() Stats {
	s := p.hub.Stats()
	s.Addr = p.Addr()
	return s
}

// Package publish pushes JSON status to an MQTT broker and to websocket
// clients
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
)

// Publisher accepts status values
type Publisher interface {
	Publish(v any) error
	Close()
}

// MQTT publishes every value as JSON to one topic
type MQTT struct {
	client mqtt.Client
	topic  string
}

// DialMQTT connects to broker
func DialMQTT(broker, clientID, topic string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return &MQTT{client: client, topic: topic}, nil
}

// Publish sends v without waiting for delivery
func (p *MQTT) Publish(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (p *MQTT) Close() {
	p.client.Disconnect(250)
}

// Hub serves a websocket endpoint and fans every published value out to
// the connected clients
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams status until the client goes
// away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("publish: websocket upgrade: %v", err)
		return
	}
	c := &hubClient{
		conn:   conn,
		sendCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages; it returns when the connection fails
func (h *Hub) readPump(c *hubClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	defer h.drop(c)
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) drop(c *hubClient) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish queues v for every client. Slow clients miss updates.
func (h *Hub) Publish(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.sendCh <- payload:
		default:
		}
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

// Multi publishes to several publishers, returning the first error
type Multi []Publisher

func (m Multi) Publish(v any) error {
	var first error
	for _, p := range m {
		if err := p.Publish(v); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}

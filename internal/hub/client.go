package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Envelope is the JSON frame exchanged with subscribers
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Server-to-client message types
const (
	MessageTypeStatus     = "status"
	MessageTypeError      = "error"
	MessageTypeAlert      = "alert"
	MessageTypeMarketData = "market_data"
	MessageTypePong       = "pong"
)

// Client error codes
const (
	ErrCodeInvalidJSON    = "INVALID_JSON"
	ErrCodeMissingChannel = "MISSING_CHANNEL"
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
)

type clientMessage struct {
	Action  string   `json:"action"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

type statusData struct {
	Connected     bool     `json:"connected"`
	ConnectionID  string   `json:"connection_id,omitempty"`
	Subscribed    string   `json:"subscribed,omitempty"`
	Unsubscribed  string   `json:"unsubscribed,omitempty"`
	Subscriptions []string `json:"subscriptions"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one WebSocket subscriber. Outbound messages go through a
// buffered channel drained by a dedicated write pump, so a slow consumer
// fails fast instead of blocking a broadcast.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *logrus.Entry
}

// Send queues a message for the write pump. It returns an error when the
// connection is closed or its buffer is full, which the hub treats as a dead
// consumer.
func (c *Client) Send(message []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errBufferFull
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("unexpected close")
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(ErrCodeInvalidJSON, "Invalid JSON message")
		return
	}

	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			c.sendError(ErrCodeMissingChannel, "Channel is required")
			return
		}
		c.hub.Subscribe(c.id, msg.Channel, msg.Symbols)
		c.sendStatus(statusData{Connected: true, Subscribed: msg.Channel})

	case "unsubscribe":
		if msg.Channel != "" {
			c.hub.Unsubscribe(c.id, msg.Channel)
		}
		c.sendStatus(statusData{Connected: true, Unsubscribed: msg.Channel})

	case "ping":
		c.hub.SendTo(c.id, Envelope{
			Type: MessageTypePong,
			Data: map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)},
		})

	default:
		c.sendError(ErrCodeUnknownAction, fmt.Sprintf("Unknown action: %s", msg.Action))
	}
}

func (c *Client) sendStatus(status statusData) {
	status.Subscriptions = c.hub.Subscriptions(c.id)
	if status.Subscriptions == nil {
		status.Subscriptions = []string{}
	}
	c.hub.SendTo(c.id, Envelope{Type: MessageTypeStatus, Data: status})
}

func (c *Client) sendError(code, message string) {
	c.hub.SendTo(c.id, Envelope{Type: MessageTypeError, Data: errorData{Code: code, Message: message}})
}

// ServeWS upgrades an HTTP request into a hub connection
func ServeWS(h *Hub, logger *logrus.Logger) http.HandlerFunc {
	log := logger.WithField("component", "ws")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Error("websocket upgrade failed")
			return
		}

		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, sendBufferSize),
			done: make(chan struct{}),
			log:  log,
		}
		client.id = h.Connect(client)

		go client.writePump()

		client.sendStatus(statusData{Connected: true, ConnectionID: client.id})

		client.readPump()
	}
}

package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Callbacks receive channel activity. All callbacks are optional and are
// invoked from the read pump goroutine of the currently attached peer.
type Callbacks struct {
	OnMessage    func(Message)
	OnBinary     func([]byte)
	OnConnect    func()
	OnDisconnect func()
}

// Channel is a single-peer message link to the capture page. It holds at
// most one websocket connection: attaching a new peer forcibly closes the
// previous one, and messages from an evicted peer are discarded.
type Channel struct {
	callbacks Callbacks

	mu   sync.Mutex
	conn *websocket.Conn
	gen  uint64
}

func NewChannel(callbacks Callbacks) *Channel {
	return &Channel{callbacks: callbacks}
}

// Attach registers conn as the single active peer, evicting any previous
// connection, and starts its read pump.
func (c *Channel) Attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != nil {
		log.Printf("transport: replacing existing client connection")
		_ = c.conn.Close()
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}

	go c.readPump(conn, gen)
}

// Connected reports whether a peer is currently attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes a message to the attached peer. Sending with no peer attached
// is a logged no-op: the client may legitimately disconnect at any moment
// and callers must not have to care.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		log.Printf("warning: transport send with no client attached (type=%s)", msg.Type)
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close tears down the attached peer, if any. Safe to call repeatedly.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// readPump drains conn until it drops. Frames are dispatched only while
// conn is still the current peer, so a replaced client's late messages
// never reach the callbacks.
func (c *Channel) readPump(conn *websocket.Conn, gen uint64) {
	defer func() {
		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		if current && c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect()
		}
	}()

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("transport: read error: %v", err)
			}
			return
		}

		if !c.isCurrent(gen) {
			return
		}

		if frameType == websocket.TextMessage {
			var msg Message
			if err := json.Unmarshal(data, &msg); err == nil && msg.Type != "" {
				if c.callbacks.OnMessage != nil {
					c.callbacks.OnMessage(msg)
				}
				continue
			}
		}

		// Binary frame, or text that is not a valid envelope: hand the raw
		// buffer over. Some browsers send blobs as binary frames by default.
		if c.callbacks.OnBinary != nil {
			c.callbacks.OnBinary(data)
		}
	}
}

func (c *Channel) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.gen == gen
}

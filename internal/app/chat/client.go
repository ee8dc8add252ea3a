package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spachat/internal/pkg/logx"
	"spachat/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxFrameSize = 8192

	// capacity of the outbound frame queue.
	sendQueueSize = 256

	// WsCloseCodeSessionEvicted is a custom WebSocket Close Code (4000-4999 range)
	// used to signal the client that its identity was bound by a newer connection.
	WsCloseCodeSessionEvicted = 4001
)

// Client is a websocket connection attached to a Relay. It implements Conn.
type Client struct {
	id    string
	relay *Relay
	conn  *websocket.Conn

	// a buffered channel used to queue frames waiting to be sent to the client.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string

	logger zerolog.Logger
}

// NewClient wraps an upgraded websocket connection.
func NewClient(relay *Relay, wsConn *websocket.Conn) *Client {
	id := randx.ConnID()

	return &Client{
		id:        id,
		relay:     relay,
		conn:      wsConn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
		logger:    logx.Logger().With().Str("conn_id", id).Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a frame without blocking.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping frame")
		return ErrSendQueueFull
	}
}

// Close asks the write pump to flush queued frames and close the connection normally.
func (c *Client) Close() {
	c.shutdown(websocket.CloseNormalClosure, "")
}

// Evict closes the connection with WsCloseCodeSessionEvicted after the queued frames,
// which include the evicted event, have been written.
func (c *Client) Evict(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionEvicted).
		Str("reason", reason).
		Msg("Evicting client connection.")

	c.shutdown(WsCloseCodeSessionEvicted, reason)
}

func (c *Client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()

		close(c.done)
	})
}

// Serve registers the client with the relay and runs both pumps. It returns when the
// connection is gone.
func (c *Client) Serve() error {
	if err := c.relay.Connect(c); err != nil {
		_ = c.conn.Close()
		return err
	}

	go c.WritePump()
	c.ReadPump()
	return nil
}

// ReadPump reads frames from the websocket and dispatches them to the relay.
// On exit it reports the disconnect and closes the connection.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxFrameSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading frame (client close/going away)")
			}
			return
		}

		if err := c.relay.Dispatch(c, frame); err != nil {
			c.logger.Warn().Err(err).Msg("Relay refused frame, closing connection")
			return
		}
	}
}

func (c *Client) cleanupOnDisconnect() {
	c.logger.Debug().Msg("Client connection cleanup starting.")

	if err := c.relay.Disconnect(c); err != nil && !errors.Is(err, ErrRelayStopped) {
		c.logger.Warn().Err(err).Msg("Failed to report disconnect")
	}

	c.shutdown(websocket.CloseGoingAway, "")

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// WritePump writes queued frames and heartbeats until the client is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(websocket.TextMessage, frame) {
				return
			}

		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}

		case <-c.done:
			c.flush()
			c.writeClose()
			return
		}
	}
}

// flush writes the frames that were queued before the client was closed.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeClose() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		c.logger.Debug().Err(err).Int("close_code", code).Msg("Failed to write close message")
	}
}

// writeFrame returns false if the pump should terminate.
func (c *Client) writeFrame(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

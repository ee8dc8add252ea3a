package people

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spachat/internal/app/proto"
	"spachat/internal/pkg/logx"
)

const (
	// timeout duration for writing a frame to the relay.
	writeWait = 10 * time.Second

	// maximum allowed size (in bytes) of a frame received from the relay.
	maxFrameSize = 1 << 20
)

// ErrSocketClosed is returned by Emit after the socket has stopped.
var ErrSocketClosed = errors.New("socket closed")

// Socket is a gorilla websocket Transport. Handlers run on the socket's read goroutine.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[proto.EventType]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
	err       error

	logger zerolog.Logger
}

// Dial connects to the relay websocket at url and starts reading.
func Dial(ctx context.Context, url string, header http.Header) (*Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return NewSocket(conn), nil
}

// NewSocket wraps an established connection and starts its read loop.
func NewSocket(conn *websocket.Conn) *Socket {
	s := &Socket{
		conn:     conn,
		handlers: make(map[proto.EventType]func(json.RawMessage)),
		done:     make(chan struct{}),
		logger:   logx.Component("socket"),
	}

	go s.readLoop()
	return s
}

// Emit sends one event.
func (s *Socket) Emit(event proto.EventType, payload any) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	frame, err := proto.Encode(event, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// On installs the handler for event, replacing any previous one.
func (s *Socket) On(event proto.EventType, fn func(json.RawMessage)) {
	s.mu.Lock()
	s.handlers[event] = fn
	s.mu.Unlock()
}

// Off removes the handler for event.
func (s *Socket) Off(event proto.EventType) {
	s.mu.Lock()
	delete(s.handlers, event)
	s.mu.Unlock()
}

// Done is closed when the read loop ends.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the read loop, if any.
func (s *Socket) Err() error {
	<-s.done
	return s.err
}

// Close sends a normal close frame and waits for the read loop to end.
func (s *Socket) Close() error {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.writeMu.Unlock()

	select {
	case <-s.done:
	case <-time.After(writeWait):
	}

	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}

func (s *Socket) readLoop() {
	defer s.closeOnce.Do(func() { close(s.done) })

	s.conn.SetReadLimit(maxFrameSize)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			s.logger.Debug().Err(err).Msg("Socket read loop stopped.")
			return
		}

		env, err := proto.Decode(frame)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed frame.")
			continue
		}

		s.mu.RLock()
		fn := s.handlers[env.Type]
		s.mu.RUnlock()

		if fn == nil {
			s.logger.Debug().Str("event", string(env.Type)).Msg("No handler for event.")
			continue
		}
		fn(env.Payload)
	}
}

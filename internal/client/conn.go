package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/transfer"
	ws "github.com/jonmumm/escuchame2/internal/websocket"
)

const (
	writeWait  = 10 * time.Second
	ackTimeout = 30 * time.Second
)

var (
	// ErrRejected is returned when the machine ignores an event in its
	// current state.
	ErrRejected = errors.New("event not accepted")
	ErrClosed   = errors.New("connection closed")
)

// ServerError is an error envelope answering one of our events.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type reply struct {
	ack *ws.AckMessage
	err *ws.ErrorMessage
}

// Conn is the realtime connection to one conversation. Events are sent one
// at a time and each waits for its acknowledgement.
type Conn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	onView func(conversation.View)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan reply
	closed  chan struct{}
	once    sync.Once
}

// Dial connects to wsURL and starts reading. onView is called from the read
// goroutine for every snapshot.
func Dial(ctx context.Context, wsURL, token string, onView func(conversation.View), logger *zap.Logger) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Conn{
		conn:    conn,
		logger:  logger,
		onView:  onView,
		pending: make(map[string]chan reply),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send dispatches ev and waits for the server's answer.
func (c *Conn) Send(ctx context.Context, ev conversation.Event) (conversation.Result, error) {
	id := uuid.NewString()
	ch := make(chan reply, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return conversation.Result{}, ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ws.CreateEventMessage(id, ev)); err != nil {
		return conversation.Result{}, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return conversation.Result{}, &ServerError{Code: r.err.Code, Message: r.err.Message}
		}
		return conversation.Result{Accepted: r.ack.Accepted, State: r.ack.State}, nil
	case <-timer.C:
		return conversation.Result{}, fmt.Errorf("no acknowledgement for %s within %v", ev.Type, ackTimeout)
	case <-ctx.Done():
		return conversation.Result{}, ctx.Err()
	case <-c.closed:
		return conversation.Result{}, ErrClosed
	}
}

// Sender adapts the connection for transfer.Transmit: an event the machine
// does not accept counts as a rejection.
func (c *Conn) Sender() transfer.Sender {
	return transfer.SenderFunc(func(ctx context.Context, event transfer.Event) error {
		res, err := c.Send(ctx, conversation.Event{
			Type:  conversation.EventType(event.Type),
			Audio: event.Audio,
		})
		if err != nil {
			return err
		}
		if !res.Accepted {
			return fmt.Errorf("%w in state %s", ErrRejected, res.State)
		}
		return nil
	})
}

// Close ends the connection with a normal closure.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
	})
}

func (c *Conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			c.logger.Warn("Ignoring malformed frame", zap.Error(err))
			continue
		}

		switch base.Type {
		case ws.MessageTypeSnapshot:
			var msg ws.SnapshotMessage
			if err := json.Unmarshal(data, &msg); err == nil && c.onView != nil {
				c.onView(msg.View)
			}
		case ws.MessageTypeAck:
			var msg ws.AckMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				c.resolve(msg.MessageID, reply{ack: &msg})
			}
		case ws.MessageTypeError:
			var msg ws.ErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if !c.resolve(msg.MessageID, reply{err: &msg}) {
				c.logger.Warn("Server error",
					zap.String("code", msg.Code),
					zap.String("message", msg.Message))
			}
		case ws.MessageTypePong:
		default:
			c.logger.Debug("Ignoring message", zap.String("type", string(base.Type)))
		}
	}
}

func (c *Conn) resolve(id string, r reply) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

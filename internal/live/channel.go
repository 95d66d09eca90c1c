// Package live maintains the websocket connection to the chat socket server.
// A channel is scoped to one room (the participant's account id); it delivers
// normalized inbound events to a registered handler and accepts best-effort
// outbound sends. Reconnection after a drop is handled internally; connection
// state transitions are published on the bus.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/tripchat/internal/bus"
	"github.com/matheus3301/tripchat/internal/timeline"
)

// State is the connection state of a live channel.
type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateOpen       State = "OPEN"
	StateClosed     State = "CLOSED"
	StateError      State = "ERROR"
)

// StateChange is the payload of live.state_changed bus events.
type StateChange struct {
	From State
	To   State
}

// ErrNotOpen is returned by Send when the channel has no open connection.
var ErrNotOpen = errors.New("live channel not open")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Conn is the subset of the websocket connection the channel uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// DialFunc establishes a connection to the given websocket URL.
type DialFunc func(url string) (Conn, error)

func wsDial(rawURL string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

// Channel is a long-lived room subscription. Exactly one channel is open per
// identity/conversation pair; the session controller owns its lifetime.
type Channel struct {
	socketURL string
	room      string
	username  string
	dial      DialFunc
	bus       *bus.Bus
	logger    *zap.Logger

	mu      sync.Mutex
	conn    Conn
	handler func(timeline.Inbound)
	state   State
	cancel  context.CancelFunc
}

// New creates a channel for the room keyed by the participant's account id.
func New(socketURL string, accountID int64, username string, b *bus.Bus, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		socketURL: socketURL,
		room:      strconv.FormatInt(accountID, 10),
		username:  username,
		dial:      wsDial,
		bus:       b,
		logger:    logger,
		state:     StateIdle,
	}
}

// SetDialFunc overrides how the underlying connection is established.
func (c *Channel) SetDialFunc(d DialFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = d
}

// OnMessage registers the inbound event handler. Passing nil deregisters it;
// events arriving with no handler are dropped.
func (c *Channel) OnMessage(fn func(timeline.Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection and starts the read loop. Idempotent
// while connecting or already open. The initial dial failure is returned to
// the caller; drops after that reconnect internally until ctx is cancelled
// or Disconnect is called.
func (c *Channel) Connect(ctx context.Context) error {
	// Claim the CONNECTING state in the same critical section as the
	// idempotence check so concurrent Connect calls cannot both dial.
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateConnecting
	c.mu.Unlock()
	c.publishState(from, StateConnecting)

	conn, err := c.dial(c.url())
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("connect live channel: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateOpen)
	go c.readLoop(ctx, conn)
	return nil
}

// Disconnect releases the connection. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateClosed)
}

// Send transmits a chat message to the room. Fire-and-forget: a nil return
// means the frame was written, not that it was delivered.
func (c *Channel) Send(tripBookingID int64, text string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}

	data, err := encodeSend(c.room, c.username, tripBookingID, text)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message frame: %w", err)
	}
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("live connection dropped", zap.Error(err))
			c.setState(StateClosed)

			next, ok := c.reconnect(ctx)
			if !ok {
				return
			}
			conn = next
			continue
		}

		evt, err := decodeInbound(data)
		if err != nil {
			// Malformed frames must never disturb the timeline.
			c.logger.Debug("dropping inbound frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(evt)
		}
	}
}

// reconnect retries the dial with capped exponential backoff until it
// succeeds or ctx is cancelled.
func (c *Channel) reconnect(ctx context.Context) (Conn, bool) {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		c.setState(StateConnecting)
		conn, err := c.dial(c.url())
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(StateOpen)
			return conn, true
		}

		c.logger.Warn("reconnect attempt failed", zap.Error(err), zap.Duration("backoff", backoff))
		c.setState(StateClosed)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Channel) url() string {
	q := url.Values{}
	q.Set("room", c.room)
	q.Set("username", c.username)
	return c.socketURL + "?" + q.Encode()
}

func (c *Channel) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.publishState(from, to)
}

func (c *Channel) publishState(from, to State) {
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:    bus.KindLiveStateChanged,
			At:      time.Now(),
			Payload: StateChange{From: from, To: to},
		})
	}
}

// Package session orchestrates one chat session: identity resolution, history
// load, live channel lifecycle and the merged timeline. A controller instance
// serves exactly one ConversationRef; a conversation change or retry builds a
// new one.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/tripchat/internal/bus"
	"github.com/matheus3301/tripchat/internal/identity"
	"github.com/matheus3301/tripchat/internal/timeline"
)

// ConversationRef identifies the chat thread for one trip booking.
// Immutable for the controller's lifetime.
type ConversationRef struct {
	ConversationID   int64
	CounterpartID    int64
	CounterpartLabel string
}

// HistoryLoader fetches the point-in-time message history.
type HistoryLoader interface {
	Load(ctx context.Context, credential string, conversationID int64, self identity.Identity) ([]timeline.Message, error)
}

// LiveChannel is the transport surface the controller drives.
type LiveChannel interface {
	Connect(ctx context.Context) error
	OnMessage(fn func(timeline.Inbound))
	Send(tripBookingID int64, text string) error
	Disconnect()
}

// ChannelFactory builds the live channel once the identity is known; the
// room key is the resolved account id.
type ChannelFactory func(self identity.Identity) LiveChannel

// Controller owns the session lifecycle and the timeline merger.
type Controller struct {
	credential string
	conv       ConversationRef
	history    HistoryLoader
	channelFor ChannelFactory
	window     time.Duration
	machine    *Machine
	bus        *bus.Bus
	logger     *zap.Logger

	cancel context.CancelFunc

	mu       sync.Mutex
	self     identity.Identity
	channel  LiveChannel
	merger   *timeline.Merger
	disposed bool
}

// NewController creates a controller for one conversation. window is the
// optimistic-reconciliation window; <= 0 selects the default.
func NewController(credential string, conv ConversationRef, history HistoryLoader, channelFor ChannelFactory, window time.Duration, b *bus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		credential: credential,
		conv:       conv,
		history:    history,
		channelFor: channelFor,
		window:     window,
		machine:    NewMachine(b),
		bus:        b,
		logger:     logger,
	}
}

// Start runs the session bring-up: resolve identity, then load history and
// connect the live channel concurrently, seed the timeline, and enter LIVE.
// Blocks until the session is live or has failed; callers typically run it in
// a goroutine and watch session events on the bus.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.machine.Transition(ResolvingIdentity); err != nil {
		return err
	}

	self, err := identity.Extract(c.credential)
	if err != nil {
		c.fail(err)
		return err
	}

	channel := c.channelFor(self)
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return context.Canceled
	}
	c.self = self
	c.channel = channel
	c.merger = timeline.NewMerger(self.AccountID, c.window, c.logger)
	c.mu.Unlock()

	c.logger.Info("identity resolved",
		zap.Int64("account_id", self.AccountID),
		zap.Int64("conversation_id", c.conv.ConversationID))

	if err := c.machine.Transition(LoadingHistory); err != nil {
		return err
	}

	// Register the handler before connecting so nothing is missed; the
	// merger buffers events that arrive ahead of the history seed.
	channel.OnMessage(c.handleInbound)

	connected := make(chan error, 1)
	go func() { connected <- channel.Connect(ctx) }()

	msgs, err := c.history.Load(ctx, c.credential, c.conv.ConversationID, self)

	// Capture the merger together with the disposal flag so a concurrent
	// Dispose cannot nil it between the check and the seed.
	c.mu.Lock()
	merger := c.merger
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		// A response arriving after disposal must not be merged.
		return context.Canceled
	}
	if err != nil {
		channel.Disconnect()
		c.fail(fmt.Errorf("load history: %w", err))
		return err
	}

	merger.SeedHistory(msgs)
	c.publishTimelineChanged()

	select {
	case err := <-connected:
		if c.isDisposed() {
			return context.Canceled
		}
		if err != nil {
			channel.Disconnect()
			c.fail(err)
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.machine.Transition(Live); err != nil {
		return err
	}
	c.logger.Info("session live", zap.Int64("conversation_id", c.conv.ConversationID))
	return nil
}

// Send validates and appends a local optimistic message, then transmits it.
// The optimistic entry stays visible even if transmission fails; the failure
// is surfaced as a session.send_failed event.
func (c *Controller) Send(text string) error {
	if c.machine.Current() != Live {
		return fmt.Errorf("session is %s, not live", c.machine.Current())
	}

	c.mu.Lock()
	merger := c.merger
	channel := c.channel
	c.mu.Unlock()

	msg, err := merger.AppendLocal(text)
	if err != nil {
		return err
	}
	c.publishTimelineChanged()

	if err := channel.Send(c.conv.ConversationID, msg.Text); err != nil {
		c.logger.Warn("send failed, keeping optimistic entry",
			zap.String("msg_id", msg.ID), zap.Error(err))
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.KindSessionSendFailed, At: time.Now(), Payload: err})
		}
	}
	return nil
}

// Timeline returns a snapshot of the merged message sequence.
func (c *Controller) Timeline() []timeline.Message {
	c.mu.Lock()
	merger := c.merger
	c.mu.Unlock()
	if merger == nil {
		return nil
	}
	return merger.Snapshot()
}

// State returns the current session state.
func (c *Controller) State() State {
	return c.machine.Current()
}

// Identity returns the resolved participant identity (zero before resolution).
func (c *Controller) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Conversation returns the conversation this controller serves.
func (c *Controller) Conversation() ConversationRef {
	return c.conv
}

// Dispose tears the session down: deregisters the message handler, releases
// the live channel and discards timeline state. Idempotent; terminal.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	channel := c.channel
	cancel := c.cancel
	c.channel = nil
	c.merger = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if channel != nil {
		channel.OnMessage(nil)
		channel.Disconnect()
	}
	_ = c.machine.Transition(TornDown)
	c.logger.Info("session torn down", zap.Int64("conversation_id", c.conv.ConversationID))
}

func (c *Controller) handleInbound(evt timeline.Inbound) {
	c.mu.Lock()
	merger := c.merger
	disposed := c.disposed
	c.mu.Unlock()

	if disposed || merger == nil {
		return
	}
	if evt.ConversationID != 0 && evt.ConversationID != c.conv.ConversationID {
		c.logger.Debug("dropping event for other conversation",
			zap.Int64("got", evt.ConversationID),
			zap.Int64("want", c.conv.ConversationID))
		return
	}

	merger.IngestLive(evt)
	c.publishTimelineChanged()
}

func (c *Controller) fail(err error) {
	c.logger.Error("session failed", zap.Error(err))
	_ = c.machine.Transition(Failed)
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindSessionFailed, At: time.Now(), Payload: err})
	}
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Controller) publishTimelineChanged() {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindTimelineChanged, At: time.Now()})
	}
}

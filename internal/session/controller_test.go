package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/tripchat/internal/bus"
	"github.com/matheus3301/tripchat/internal/identity"
	"github.com/matheus3301/tripchat/internal/timeline"
)

// token builds a fake JWT carrying the given account id.
func token(accountID string) string {
	enc := base64.RawURLEncoding.EncodeToString
	payload := `{"sub":{"account":{"id":` + accountID + `}}}`
	return enc([]byte(`{}`)) + "." + enc([]byte(payload)) + ".sig"
}

type fakeHistory struct {
	msgs    []timeline.Message
	err     error
	release chan struct{} // when non-nil, Load blocks until closed
	calls   int
}

func (f *fakeHistory) Load(ctx context.Context, _ string, _ int64, _ identity.Identity) ([]timeline.Message, error) {
	f.calls++
	if f.release != nil {
		select {
		case <-f.release:
		case <-time.After(5 * time.Second):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs, nil
}

type fakeChannel struct {
	mu           sync.Mutex
	handler      func(timeline.Inbound)
	connectErr   error
	connects     int
	disconnects  int
	sendErr      error
	sentTexts    []string
	sentTripIDs  []int64
	builtForRoom int64
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeChannel) OnMessage(fn func(timeline.Inbound)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeChannel) Send(tripBookingID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTripIDs = append(f.sentTripIDs, tripBookingID)
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

// emit simulates an inbound live event.
func (f *fakeChannel) emit(evt timeline.Inbound) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (f *fakeChannel) hasHandler() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

var conv = ConversationRef{ConversationID: 42, CounterpartID: 9, CounterpartLabel: "Driver"}

func newTestController(history HistoryLoader, ch *fakeChannel) (*Controller, *bus.Bus) {
	b := bus.New()
	factory := func(self identity.Identity) LiveChannel {
		ch.builtForRoom = self.AccountID
		return ch
	}
	return NewController(token("7"), conv, history, factory, 0, b, nil), b
}

func startLive(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.State() != Live {
		t.Fatalf("state = %s, want LIVE", c.State())
	}
}

func TestStartHappyPath(t *testing.T) {
	h := &fakeHistory{msgs: []timeline.Message{
		{ID: "h1", Authorship: timeline.Counterpart, Text: "Hi", SentAt: time.Now().Add(-time.Hour), Origin: timeline.OriginHistory},
	}}
	ch := &fakeChannel{}
	c, _ := newTestController(h, ch)
	defer c.Dispose()

	startLive(t, c)

	if c.Identity().AccountID != 7 {
		t.Errorf("identity = %d, want 7", c.Identity().AccountID)
	}
	if ch.builtForRoom != 7 {
		t.Errorf("channel built for room %d, want 7", ch.builtForRoom)
	}
	if ch.connects != 1 {
		t.Errorf("connects = %d, want 1", ch.connects)
	}

	tl := c.Timeline()
	if len(tl) != 1 || tl[0].ID != "h1" || tl[0].Authorship != timeline.Counterpart {
		t.Errorf("timeline = %+v, want the seeded history entry", tl)
	}
}

func TestStartMalformedCredential(t *testing.T) {
	ch := &fakeChannel{}
	b := bus.New()
	sub := b.Subscribe(bus.KindSessionFailed, 1)
	defer sub.Cancel()

	factory := func(identity.Identity) LiveChannel { return ch }
	c := NewController("not-a-token", conv, &fakeHistory{}, factory, 0, b, nil)

	err := c.Start(context.Background())
	if !errors.Is(err, identity.ErrMalformed) {
		t.Errorf("Start() error = %v, want ErrMalformed", err)
	}
	if c.State() != Failed {
		t.Errorf("state = %s, want FAILED", c.State())
	}
	if ch.connects != 0 {
		t.Errorf("channel connected despite identity failure")
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Error("no session.failed event published")
	}
}

func TestStartHistoryFailure(t *testing.T) {
	h := &fakeHistory{err: errors.New("boom")}
	ch := &fakeChannel{}
	c, _ := newTestController(h, ch)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when history fails")
	}
	if c.State() != Failed {
		t.Errorf("state = %s, want FAILED", c.State())
	}
	if ch.disconnects == 0 {
		t.Error("live channel not torn down on history failure")
	}
}

func TestStartConnectFailure(t *testing.T) {
	ch := &fakeChannel{connectErr: errors.New("refused")}
	c, _ := newTestController(&fakeHistory{}, ch)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the initial connect fails")
	}
	if c.State() != Failed {
		t.Errorf("state = %s, want FAILED", c.State())
	}
	if ch.disconnects == 0 {
		t.Error("live channel not torn down on connect failure")
	}
}

func TestSendOptimisticThenEcho(t *testing.T) {
	ch := &fakeChannel{}
	c, _ := newTestController(&fakeHistory{}, ch)
	defer c.Dispose()
	startLive(t, c)

	if err := c.Send("On my way"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	tl := c.Timeline()
	if len(tl) != 1 || tl[0].Origin != timeline.OriginLocal || tl[0].Authorship != timeline.Self {
		t.Fatalf("timeline = %+v, want one local optimistic entry", tl)
	}
	if len(ch.sentTexts) != 1 || ch.sentTexts[0] != "On my way" || ch.sentTripIDs[0] != 42 {
		t.Errorf("transmitted = %v/%v, want On my way to trip 42", ch.sentTexts, ch.sentTripIDs)
	}

	// The server echoes the message back 200ms later.
	ch.emit(timeline.Inbound{ID: "srv-1", SenderID: 7, ConversationID: 42, Text: "On my way", SentAt: time.Now().Add(200 * time.Millisecond)})

	tl = c.Timeline()
	if len(tl) != 1 {
		t.Fatalf("timeline length = %d, want 1 (echo must reconcile)", len(tl))
	}
	if tl[0].Origin != timeline.OriginLive || tl[0].ID != "srv-1" {
		t.Errorf("entry = %+v, want reconciled live entry srv-1", tl[0])
	}
}

func TestSendEmptyNeverReachesTransport(t *testing.T) {
	ch := &fakeChannel{}
	c, _ := newTestController(&fakeHistory{}, ch)
	defer c.Dispose()
	startLive(t, c)

	if err := c.Send("   "); !errors.Is(err, timeline.ErrEmptyMessage) {
		t.Errorf("Send() error = %v, want ErrEmptyMessage", err)
	}
	if len(ch.sentTexts) != 0 {
		t.Error("empty message reached the transport")
	}
	if len(c.Timeline()) != 0 {
		t.Error("empty message appended to the timeline")
	}
}

func TestSendBeforeLive(t *testing.T) {
	c, _ := newTestController(&fakeHistory{}, &fakeChannel{})
	if err := c.Send("hello"); err == nil {
		t.Error("Send() before LIVE should fail")
	}
}

func TestSendTransmitFailureKeepsEntry(t *testing.T) {
	ch := &fakeChannel{sendErr: errors.New("socket gone")}
	c, b := newTestController(&fakeHistory{}, ch)
	defer c.Dispose()
	sub := b.Subscribe(bus.KindSessionSendFailed, 1)
	defer sub.Cancel()
	startLive(t, c)

	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send() error = %v (transmit failure must not fail the call)", err)
	}
	if len(c.Timeline()) != 1 {
		t.Error("optimistic entry discarded on transmit failure")
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Error("no session.send_failed event published")
	}
}

func TestInboundOtherConversationDropped(t *testing.T) {
	ch := &fakeChannel{}
	c, _ := newTestController(&fakeHistory{}, ch)
	defer c.Dispose()
	startLive(t, c)

	ch.emit(timeline.Inbound{ID: "x1", SenderID: 9, ConversationID: 999, Text: "wrong trip"})
	if n := len(c.Timeline()); n != 0 {
		t.Errorf("timeline length = %d, want 0 (other conversation must be dropped)", n)
	}

	ch.emit(timeline.Inbound{ID: "x2", SenderID: 9, ConversationID: 42, Text: "right trip"})
	if n := len(c.Timeline()); n != 1 {
		t.Errorf("timeline length = %d, want 1", n)
	}
}

func TestPreSeedEventsBuffered(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHistory{
		release: release,
		msgs: []timeline.Message{
			{ID: "h1", Authorship: timeline.Counterpart, Text: "Hi", SentAt: time.Unix(100, 0), Origin: timeline.OriginHistory},
		},
	}
	ch := &fakeChannel{}
	c, _ := newTestController(h, ch)
	defer c.Dispose()

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	// Wait until the handler is registered, then deliver a live event while
	// the history fetch is still in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !ch.hasHandler() {
		time.Sleep(5 * time.Millisecond)
	}
	ch.emit(timeline.Inbound{ID: "l1", SenderID: 9, ConversationID: 42, Text: "early", SentAt: time.Unix(200, 0)})

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tl := c.Timeline()
	if len(tl) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(tl))
	}
	if tl[0].ID != "h1" || tl[1].ID != "l1" {
		t.Errorf("order = [%s %s], want [h1 l1]", tl[0].ID, tl[1].ID)
	}
}

// Disposing mid-flight must discard the late history response entirely.
func TestDisposeDiscardsLateHistory(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHistory{
		release: release,
		msgs: []timeline.Message{
			{ID: "h1", Authorship: timeline.Counterpart, Text: "Hi", SentAt: time.Unix(100, 0), Origin: timeline.OriginHistory},
		},
	}
	ch := &fakeChannel{}
	c, _ := newTestController(h, ch)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !ch.hasHandler() {
		time.Sleep(5 * time.Millisecond)
	}

	c.Dispose()
	close(release) // history resolves after disposal

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() error = %v, want context.Canceled", err)
	}
	if c.State() != TornDown {
		t.Errorf("state = %s, want TORN_DOWN", c.State())
	}
	if tl := c.Timeline(); len(tl) != 0 {
		t.Errorf("timeline = %+v, want empty after disposal", tl)
	}
	if ch.hasHandler() {
		t.Error("message handler still registered after disposal")
	}
	if ch.disconnects == 0 {
		t.Error("channel not disconnected on disposal")
	}
}

// Quitting or retrying while Start is still resolving must neither race on
// the controller fields nor panic on a nil merger.
func TestStartDisposeConcurrent(t *testing.T) {
	for i := 0; i < 200; i++ {
		ch := &fakeChannel{}
		c, _ := newTestController(&fakeHistory{}, ch)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			c.Dispose()
		}()
		wg.Wait()

		if tl := c.Timeline(); len(tl) != 0 {
			t.Fatalf("timeline = %+v, want empty after disposal", tl)
		}
	}
}

func TestDisposeIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	c, _ := newTestController(&fakeHistory{}, ch)
	startLive(t, c)

	c.Dispose()
	c.Dispose()

	if ch.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", ch.disconnects)
	}
}

package timeline

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned when a local send has no text after trimming.
var ErrEmptyMessage = errors.New("message text is empty")

// DefaultReconcileWindow bounds how far apart in time a local optimistic entry
// and its live echo may be and still be treated as the same message.
const DefaultReconcileWindow = 5 * time.Second

// Merger owns the authoritative in-memory message sequence for one
// conversation. It merges the one-shot history seed, inbound live events and
// local optimistic sends into a single deduplicated, time-ordered timeline.
//
// All mutations are serialized behind a mutex; snapshots are copies and safe
// to hold across further mutation.
type Merger struct {
	mu     sync.Mutex
	selfID int64
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	entries []Message
	seen    map[string]struct{}
	seeded  bool
	pending []Inbound
	seq     uint64
}

// NewMerger creates a merger for the participant with the given account id.
// window <= 0 selects DefaultReconcileWindow.
func NewMerger(selfID int64, window time.Duration, logger *zap.Logger) *Merger {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		selfID: selfID,
		window: window,
		now:    time.Now,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// SeedHistory installs the history fetch result. Server order is preserved
// as-is; entries are tagged OriginHistory. Live events that arrived before the
// seed are merged afterwards, in arrival order. A second seed is a no-op.
func (m *Merger) SeedHistory(msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seeded {
		m.logger.Warn("duplicate history seed ignored")
		return
	}

	m.entries = make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, dup := m.seen[msg.ID]; dup {
			continue
		}
		m.seq++
		msg.Origin = OriginHistory
		msg.seq = m.seq
		m.seen[msg.ID] = struct{}{}
		m.entries = append(m.entries, msg)
	}
	m.seeded = true

	buffered := m.pending
	m.pending = nil
	for _, evt := range buffered {
		m.ingestLocked(evt)
	}
}

// IngestLive merges an inbound live event. Events arriving before the history
// seed are buffered and replayed once seeding completes. Malformed events
// (no sender, blank text) are dropped without error.
func (m *Merger) IngestLive(evt Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded {
		m.pending = append(m.pending, evt)
		return
	}
	m.ingestLocked(evt)
}

func (m *Merger) ingestLocked(evt Inbound) {
	text := strings.TrimSpace(evt.Text)
	if evt.SenderID <= 0 || text == "" {
		m.logger.Debug("dropping malformed live event",
			zap.Int64("sender_id", evt.SenderID),
			zap.Int("text_len", len(evt.Text)))
		return
	}

	if evt.ID != "" {
		if _, dup := m.seen[evt.ID]; dup {
			return
		}
	}

	sentAt := evt.SentAt
	if sentAt.IsZero() {
		sentAt = m.now()
	}
	authorship := AuthorshipFor(m.selfID, evt.SenderID)

	// A live echo of our own recent optimistic send replaces that entry in
	// place instead of appending a duplicate. The entry keeps its position
	// (local sentAt) but adopts the live id and origin.
	if authorship == Self && m.reconcileLocked(evt.ID, text) {
		return
	}

	id := evt.ID
	if id == "" {
		id = fmt.Sprintf("live-%d-%d", sentAt.UnixNano(), m.seq+1)
	}
	m.insertLocked(Message{
		ID:         id,
		Authorship: authorship,
		Text:       evt.Text,
		SentAt:     sentAt,
		Origin:     OriginLive,
	})
}

// reconcileLocked finds the newest unreconciled optimistic entry with the same
// trimmed text inside the reconciliation window and upgrades it. Reports
// whether a replacement happened.
func (m *Merger) reconcileLocked(liveID, text string) bool {
	cutoff := m.now().Add(-m.window)
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := &m.entries[i]
		if e.Origin != OriginLocal || e.Authorship != Self {
			continue
		}
		if e.SentAt.Before(cutoff) {
			break
		}
		if strings.TrimSpace(e.Text) != text {
			continue
		}
		delete(m.seen, e.ID)
		if liveID != "" {
			e.ID = liveID
		}
		e.Origin = OriginLive
		m.seen[e.ID] = struct{}{}
		return true
	}
	return false
}

// AppendLocal validates and appends a locally originated message, returning
// the optimistic entry. The caller is responsible for transmitting the text;
// the entry stays visible regardless of transmission outcome.
func (m *Merger) AppendLocal(text string) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, ErrEmptyMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	msg := Message{
		ID:         localID(now),
		Authorship: Self,
		Text:       trimmed,
		SentAt:     now,
		Origin:     OriginLocal,
	}
	m.insertLocked(msg)
	return msg, nil
}

// insertLocked places msg at its sorted position: sentAt ascending, then
// origin priority, then insertion sequence.
func (m *Merger) insertLocked(msg Message) {
	m.seq++
	msg.seq = m.seq
	m.seen[msg.ID] = struct{}{}

	i := sort.Search(len(m.entries), func(i int) bool {
		return messageLess(msg, m.entries[i])
	})
	m.entries = slices.Insert(m.entries, i, msg)
}

func messageLess(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	return a.seq < b.seq
}

// Snapshot returns a copy of the current timeline, oldest first.
func (m *Merger) Snapshot() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Len returns the number of timeline entries.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// localID generates a client-side message id: monotonic timestamp prefix,
// uuid suffix for collision-freedom.
func localID(now time.Time) string {
	return fmt.Sprintf("local-%d-%s", now.UnixNano(), uuid.NewString()[:8])
}

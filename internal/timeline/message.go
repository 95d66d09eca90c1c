package timeline

import "time"

// Origin tags where a message entered the timeline from. The numeric order is
// the tie-break priority for equal timestamps: history sorts before live,
// live before local optimistic.
type Origin int

const (
	OriginHistory Origin = iota
	OriginLive
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginHistory:
		return "history"
	case OriginLive:
		return "live"
	case OriginLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Authorship classifies a message as written by this participant or the
// counterpart. Always derived by identity comparison, never stored elsewhere.
type Authorship int

const (
	Self Authorship = iota
	Counterpart
)

func (a Authorship) String() string {
	if a == Self {
		return "self"
	}
	return "counterpart"
}

// AuthorshipFor classifies a sender id against the resolved participant.
func AuthorshipFor(selfID, senderID int64) Authorship {
	if senderID == selfID {
		return Self
	}
	return Counterpart
}

// Message is the canonical timeline entry.
type Message struct {
	ID         string
	Authorship Authorship
	Text       string
	SentAt     time.Time
	Origin     Origin

	// seq is the insertion sequence number, the final ordering tie-break.
	seq uint64
}

// Inbound is a normalized live event before merging. Produced by the live
// channel's frame decoder and by tests.
type Inbound struct {
	ID             string
	SenderID       int64
	ConversationID int64
	Text           string
	SentAt         time.Time
}

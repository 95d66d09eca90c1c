package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/tripchat/internal/timeline"
)

// Wire event names used by the chat socket server.
const (
	eventMessageReceived = "message-received"
	messageTypeSend      = "MESSAGE_SEND"
)

// errSkippedFrame marks inbound frames that are not chat messages or are
// unusable. They are logged and dropped, never surfaced.
var errSkippedFrame = errors.New("skipped frame")

// frame is the wire envelope in both directions. The server double-encodes
// the chat payload: Content is itself a JSON document.
type frame struct {
	Event       string `json:"event,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	ID          string `json:"id,omitempty"`
	SenderID    int64  `json:"senderId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"` // epoch millis
	Content     string `json:"content,omitempty"`
	Room        string `json:"room,omitempty"`
	Username    string `json:"username,omitempty"`
}

type chatContent struct {
	Message       string `json:"message"`
	TripBookingID int64  `json:"tripBookingId"`
}

// decodeInbound parses a raw websocket frame into a normalized inbound event.
// Frames that are not message-received, or that lack a sender or text, return
// an error wrapping errSkippedFrame.
func decodeInbound(data []byte) (timeline.Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return timeline.Inbound{}, fmt.Errorf("%w: undecodable frame: %v", errSkippedFrame, err)
	}
	if f.Event != eventMessageReceived {
		return timeline.Inbound{}, fmt.Errorf("%w: event %q", errSkippedFrame, f.Event)
	}

	var c chatContent
	if err := json.Unmarshal([]byte(f.Content), &c); err != nil {
		return timeline.Inbound{}, fmt.Errorf("%w: undecodable content: %v", errSkippedFrame, err)
	}
	if f.SenderID <= 0 {
		return timeline.Inbound{}, fmt.Errorf("%w: missing sender id", errSkippedFrame)
	}
	if strings.TrimSpace(c.Message) == "" {
		return timeline.Inbound{}, fmt.Errorf("%w: empty message body", errSkippedFrame)
	}

	var sentAt time.Time
	if f.Timestamp > 0 {
		sentAt = time.UnixMilli(f.Timestamp)
	}

	return timeline.Inbound{
		ID:             f.ID,
		SenderID:       f.SenderID,
		ConversationID: c.TripBookingID,
		Text:           c.Message,
		SentAt:         sentAt,
	}, nil
}

// encodeSend builds an outbound MESSAGE_SEND frame for the given room.
func encodeSend(room, username string, tripBookingID int64, text string) ([]byte, error) {
	content, err := json.Marshal(chatContent{
		Message:       text,
		TripBookingID: tripBookingID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	data, err := json.Marshal(frame{
		MessageType: messageTypeSend,
		Content:     string(content),
		Room:        room,
		Username:    username,
	})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

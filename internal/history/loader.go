// Package history fetches the point-in-time message history for a
// conversation from the trip API. One attempt per call; retry policy belongs
// to the caller.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/tripchat/internal/identity"
	"github.com/matheus3301/tripchat/internal/timeline"
)

// Kind classifies a history fetch failure.
type Kind int

const (
	KindTransport Kind = iota
	KindUnauthorized
	KindNotFound
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a kinded history fetch failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("history %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errOf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

const requestTimeout = 15 * time.Second

// Loader issues authenticated history requests.
type Loader struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewLoader creates a loader against the given API base URL.
func NewLoader(baseURL string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// envelope is the API success wrapper.
type envelope struct {
	Code int      `json:"code"`
	Data []record `json:"data"`
}

type record struct {
	ID        flexID          `json:"id"`
	SenderID  int64           `json:"senderId"`
	Text      string          `json:"text"`
	CreatedAt json.RawMessage `json:"createdAt"`
}

// Load fetches the ordered history for a conversation. Server order is
// preserved and assumed chronological. Records are tagged OriginHistory with
// authorship derived from the resolved identity.
func (l *Loader) Load(ctx context.Context, credential string, conversationID int64, self identity.Identity) ([]timeline.Message, error) {
	url := fmt.Sprintf("%s/conversations/%d/messages", l.baseURL, conversationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errOf(KindTransport, "build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errOf(KindTransport, "fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errOf(KindUnauthorized, "status %d", resp.StatusCode)
	case http.StatusNotFound:
		return nil, errOf(KindNotFound, "conversation %d not found", conversationID)
	default:
		return nil, errOf(KindProtocol, "unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errOf(KindProtocol, "decode envelope: %w", err)
	}
	if env.Code != http.StatusOK {
		return nil, errOf(KindProtocol, "envelope code %d", env.Code)
	}

	msgs := make([]timeline.Message, 0, len(env.Data))
	for i, rec := range env.Data {
		sentAt, err := parseTimestamp(rec.CreatedAt)
		if err != nil {
			return nil, errOf(KindProtocol, "record %d: %w", i, err)
		}
		msgs = append(msgs, timeline.Message{
			ID:         string(rec.ID),
			Authorship: timeline.AuthorshipFor(self.AccountID, rec.SenderID),
			Text:       rec.Text,
			SentAt:     sentAt,
			Origin:     timeline.OriginHistory,
		})
	}

	l.logger.Info("history loaded",
		zap.Int64("conversation_id", conversationID),
		zap.Int("messages", len(msgs)))
	return msgs, nil
}

// flexID accepts both string and numeric message ids.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	return fmt.Errorf("id is neither string nor number: %s", data)
}

// parseTimestamp accepts RFC3339 strings and epoch-millisecond numbers.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("createdAt missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("createdAt %q: %w", s, err)
		}
		return t, nil
	}
	millis, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("createdAt %s: %w", raw, err)
	}
	return time.UnixMilli(millis), nil
}

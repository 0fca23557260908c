package chat

import "time"

// Message is a persisted chat message with its author's profile.
type Message struct {
	ID           int64     `json:"id"`
	JourneyID    string    `json:"journey_id"`
	UserID       string    `json:"user_id"`
	Text         string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
	AuthorName   string    `json:"author_name"`
	AuthorAvatar string    `json:"author_avatar"`
}

type EchoState string

const (
	Sending EchoState = "sending"
	Sent    EchoState = "sent"
	Failed  EchoState = "failed"
)

// Echo is the local copy of a message shown while the server catches up.
type Echo struct {
	LocalID   string    `json:"local_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	State     EchoState `json:"state"`
}

// Item is one rendered chat line.
type Item struct {
	Key          string    `json:"key"`
	MessageID    int64     `json:"message_id,omitempty"`
	UserID       string    `json:"user_id"`
	Text         string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
	AuthorName   string    `json:"author_name,omitempty"`
	AuthorAvatar string    `json:"author_avatar,omitempty"`
	Pending      bool      `json:"pending"`
	State        EchoState `json:"state,omitempty"`
	Consecutive  bool      `json:"consecutive"`
}

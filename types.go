package rcchat

import (
	"encoding/json"
	"slices"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// ChatKind is the kind of a conversation.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
	ChatRandom ChatKind = "random"
)

// IsPeerToPeer reports whether the chat has exactly one peer (direct or random).
func (k ChatKind) IsPeerToPeer() bool {
	return k == ChatDirect || k == ChatRandom
}

// MessageKind is the content kind of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

func parseMessageKind(s string) MessageKind {
	switch MessageKind(s) {
	case MessageImage, MessageFile:
		return MessageKind(s)
	}
	return MessageText
}

// User is a chat identity. Optional fields are empty when unknown.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Email       string    `json:"email,omitempty"`
	Username    string    `json:"username,omitempty"`
	IsAnonymous bool      `json:"isAnonymous"`
	LastSeen    time.Time `json:"lastSeen"`
	Bio         string    `json:"bio,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
}

// DisplayName returns the best human label for u.
func (u *User) DisplayName() string {
	if u == nil {
		return "Anonymous User"
	}
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	return "Anonymous User"
}

// Group is a named set of members. The client never invents group ids.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	IsPrivate   bool      `json:"isPrivate,omitempty"`
}

// Message is immutable once created. ID is its identity.
type Message struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      MessageKind `json:"type"`
	// ClientID is set on locally sent messages until the server confirms them.
	ClientID string `json:"clientId,omitempty"`
}

// Before reports whether m sorts before o: by timestamp, then by id.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

// Chat is a conversation and the loaded window of its history.
type Chat struct {
	ID           string    `json:"id"`
	Kind         ChatKind  `json:"type"`
	Participants []string  `json:"participants"`
	GroupID      string    `json:"groupId,omitempty"`
	Messages     []Message `json:"messages"`
	UnreadCount  int       `json:"unreadCount"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Peer returns the other participant of a direct or random chat.
func (c *Chat) Peer(me string) string {
	if !c.Kind.IsPeerToPeer() {
		return ""
	}
	for _, id := range c.Participants {
		if id != me {
			return id
		}
	}
	return ""
}

// HasParticipants reports whether every id is a participant of c.
func (c *Chat) HasParticipants(ids ...string) bool {
	for _, id := range ids {
		if !slices.Contains(c.Participants, id) {
			return false
		}
	}
	return true
}

// Oldest returns the oldest loaded message, if any.
func (c *Chat) Oldest() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[0], true
}

// ConversationRef identifies a conversation for the gateway.
type ConversationRef struct {
	ChatID  string
	Kind    ChatKind
	GroupID string
	UserID  string // the requesting user
}

// ============================================================================
// Gateway Payloads
// ============================================================================

// ChatList is the decoded result of the my-chats endpoint.
type ChatList struct {
	GroupChats  []RemoteGroupChat
	DirectChats []RemoteDirectChat
}

// RemoteGroupChat is one group conversation with its most recent message.
type RemoteGroupChat struct {
	Group       Group
	LastMessage *Message
}

// RemoteDirectChat is one direct conversation with its most recent message.
type RemoteDirectChat struct {
	ID          string
	User        *User
	LastMessage *Message
}

// SearchHit is one result of the search endpoint.
type SearchHit struct {
	Type  string          `json:"type"` // "user" or "group"
	User  *User           `json:"user,omitempty"`
	Group *Group          `json:"group,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// GroupsOverview holds the group categories shown on the home screen.
type GroupsOverview struct {
	Trending []Group
	New      []Group
	Popular  []Group
}

// MessageType is the framing of a message on the event channel.
type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessageGroup   MessageType = "group"
)

// OutboundMessage is the send-message payload.
type OutboundMessage struct {
	FromUserID  string      `json:"fromUserId"`
	ToUserID    string      `json:"toUserId,omitempty"`
	GroupID     string      `json:"groupId,omitempty"`
	Message     string      `json:"message"`
	Type        MessageType `json:"type"`
	ClientMsgID string      `json:"clientMsgId,omitempty"`
}

// TypingSignal is the typing / stop-typing payload.
type TypingSignal struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

// MessageEvent is a pushed message.
type MessageEvent struct {
	ID          string
	Type        MessageType
	SenderID    string
	ToUserID    string
	GroupID     string
	Text        string
	Kind        MessageKind
	CreatedAt   time.Time
	ClientMsgID string
}

// Message converts the event into a timeline message.
func (ev MessageEvent) Message() Message {
	return Message{
		ID:        ev.ID,
		SenderID:  ev.SenderID,
		Content:   ev.Text,
		Timestamp: ev.CreatedAt,
		Kind:      parseMessageKind(string(ev.Kind)),
	}
}

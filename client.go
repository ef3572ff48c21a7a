// Package rcchat is a Go client SDK for the rcchat messaging service.
//
// It keeps one user's conversations in sync with the server: paginated
// history, live pushes over a WebSocket and local sends are merged into one
// ordered, de-duplicated timeline per chat.
//
// Example:
//
//	sess, _ := rcchat.NewSession(rcchat.SessionConfig{
//		BaseURL: "https://chat.example.com/apis/v1",
//		WSURL:   "wss://chat.example.com/ws",
//	})
//	defer sess.Close()
//
//	sess.JoinAnonymous(ctx, "ada")
//	sess.Connect(ctx)
//	sess.Engine().LoadChatList(ctx)
//	sess.Engine().SendMessage(ctx, chatID, "hello")
package rcchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080/apis/v1"
	DefaultTimeout = 30 * time.Second
	DefaultLimit   = 20
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response half of the chat gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new chat API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// form builds url.Values from key/value pairs, skipping empty values.
func form(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	return v
}

// doRequest POSTs a form to endpoint and returns the payload: the "data"
// member of a {status, data} envelope, or the whole body otherwise.
func (c *Client) doRequest(ctx context.Context, endpoint string, fields url.Values) (json.RawMessage, error) {
	var body io.Reader
	if fields != nil {
		body = strings.NewReader(fields.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if fields != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	return unwrapEnvelope(endpoint, data)
}

type envelope struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func unwrapEnvelope(endpoint string, data []byte) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return data, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal response: %w", endpoint, err)
	}
	if env.Status != nil && !statusOK(env.Status) {
		msg := env.Message
		if msg == "" {
			msg = "request rejected"
		}
		return nil, &APIError{Endpoint: endpoint, Message: msg}
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data, nil
	}
	return data, nil
}

// statusOK accepts true, 1, 2xx and "success"/"ok"-like strings.
func statusOK(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n == 1 || (n >= 200 && n < 300)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch strings.ToLower(s) {
		case "false", "error", "fail", "failed", "failure":
			return false
		}
		return true
	}
	return true
}

func errorMessage(body []byte, fallback string) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		return env.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 {
		return s
	}
	return fallback
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Wire types
// ============================================================================

// flexID decodes either "id" or an object carrying _id / id.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var obj struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*f = flexID(firstNonEmpty(obj.MongoID, obj.ID))
	return nil
}

// flexTime decodes an RFC3339 string or epoch milliseconds.
type flexTime struct{ time.Time }

func (f *flexTime) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			f.Time = t
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		return fmt.Errorf("invalid timestamp %q", s)
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	f.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

type wireUser struct {
	ID          string   `json:"id"`
	MongoID     string   `json:"_id"`
	Name        string   `json:"name"`
	Phone       string   `json:"phone"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	IsAnonymous *bool    `json:"isAnonymous"`
	CreatedAt   flexTime `json:"createdAt"`
	LastSeen    flexTime `json:"lastSeen"`
	Bio         string   `json:"bio"`
	Avatar      string   `json:"avatar"`
}

func (w *wireUser) user() User {
	u := User{
		ID:       firstNonEmpty(w.MongoID, w.ID),
		Name:     w.Name,
		Phone:    w.Phone,
		Email:    w.Email,
		Username: w.Username,
		LastSeen: w.LastSeen.Time,
		Bio:      w.Bio,
		Avatar:   w.Avatar,
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = w.CreatedAt.Time
	}
	if w.IsAnonymous != nil {
		u.IsAnonymous = *w.IsAnonymous
	} else {
		u.IsAnonymous = w.Name == ""
	}
	return u
}

type wireMessage struct {
	ID          string   `json:"id"`
	MongoID     string   `json:"_id"`
	SenderID    string   `json:"senderId"`
	Sender      flexID   `json:"sender"`
	Content     string   `json:"content"`
	Text        string   `json:"text"`
	Timestamp   flexTime `json:"timestamp"`
	CreatedAt   flexTime `json:"createdAt"`
	Type        string   `json:"type"`
	ClientMsgID string   `json:"clientMsgId"`
}

func (w *wireMessage) message() Message {
	ts := w.Timestamp.Time
	if ts.IsZero() {
		ts = w.CreatedAt.Time
	}
	return Message{
		ID:        firstNonEmpty(w.MongoID, w.ID),
		SenderID:  firstNonEmpty(w.SenderID, string(w.Sender)),
		Content:   firstNonEmpty(w.Content, w.Text),
		Timestamp: ts,
		Kind:      parseMessageKind(w.Type),
	}
}

func (w *wireMessage) messagePtr() *Message {
	if w == nil {
		return nil
	}
	m := w.message()
	if m.ID == "" {
		return nil
	}
	return &m
}

// wirePush is a pushed message. Its "type" is the private/group framing.
type wirePush struct {
	wireMessage
	Type        string `json:"type"`
	MessageType string `json:"messageType"`
	GroupID     string `json:"groupId"`
	ToUserID    string `json:"toUserId"`
}

func (w *wirePush) event() MessageEvent {
	m := w.wireMessage.message()
	ev := MessageEvent{
		ID:          m.ID,
		Type:        MessageType(w.Type),
		SenderID:    m.SenderID,
		ToUserID:    w.ToUserID,
		GroupID:     w.GroupID,
		Text:        m.Content,
		Kind:        parseMessageKind(w.MessageType),
		CreatedAt:   m.Timestamp,
		ClientMsgID: w.ClientMsgID,
	}
	if ev.Type != MessageGroup && ev.Type != MessagePrivate {
		if ev.GroupID != "" {
			ev.Type = MessageGroup
		} else {
			ev.Type = MessagePrivate
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}

type wireGroup struct {
	ID          string       `json:"id"`
	MongoID     string       `json:"_id"`
	Name        string       `json:"name"`
	GroupName   string       `json:"group_name"`
	Description string       `json:"description"`
	Members     []flexID     `json:"members"`
	CreatedBy   flexID       `json:"createdBy"`
	CreatedAt   flexTime     `json:"createdAt"`
	UpdatedAt   flexTime     `json:"updatedAt"`
	IsPrivate   bool         `json:"isPrivate"`
	LastMessage *wireMessage `json:"lastMessage"`
}

func (w *wireGroup) group() Group {
	g := Group{
		ID:          firstNonEmpty(w.MongoID, w.ID),
		Name:        firstNonEmpty(w.GroupName, w.Name),
		Description: w.Description,
		CreatedBy:   string(w.CreatedBy),
		CreatedAt:   w.CreatedAt.Time,
		UpdatedAt:   w.UpdatedAt.Time,
		IsPrivate:   w.IsPrivate,
	}
	g.Members = make([]string, 0, len(w.Members))
	for _, m := range w.Members {
		if m != "" {
			g.Members = append(g.Members, string(m))
		}
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}
	return g
}

type wireDirectChat struct {
	ID          string       `json:"_id"`
	AltID       string       `json:"id"`
	User        *wireUser    `json:"user"`
	LastMessage *wireMessage `json:"lastMessage"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ============================================================================
// Account
// ============================================================================

// decodeUser accepts a bare user, {user: ...} or {matchedUser: ...}.
func decodeUser(endpoint string, data []byte) (*User, error) {
	res, err := decodeJSON[struct {
		wireUser
		User        *wireUser `json:"user"`
		MatchedUser *wireUser `json:"matchedUser"`
	}](data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	w := &res.wireUser
	switch {
	case res.MatchedUser != nil:
		w = res.MatchedUser
	case res.User != nil:
		w = res.User
	}
	u := w.user()
	if u.ID == "" {
		return nil, &APIError{Endpoint: endpoint, Message: "response carries no user"}
	}
	return &u, nil
}

// CreateProfile registers a named user.
func (c *Client) CreateProfile(ctx context.Context, name, phone, email string) (*User, error) {
	data, err := c.doRequest(ctx, "create-profile", form("name", name, "phone", phone, "email", email))
	if err != nil {
		return nil, err
	}
	return decodeUser("create-profile", data)
}

// JoinAnonymous registers a user with optional handles.
func (c *Client) JoinAnonymous(ctx context.Context, name, phone, email string) (*User, error) {
	data, err := c.doRequest(ctx, "join-anonymous", form("name", name, "phone", phone, "email", email))
	if err != nil {
		return nil, err
	}
	return decodeUser("join-anonymous", data)
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*User, error) {
	data, err := c.doRequest(ctx, "get-profile", form("userId", userID))
	if err != nil {
		return nil, err
	}
	return decodeUser("get-profile", data)
}

// ProfileUpdate holds the fields to change. Empty fields are left as they are.
type ProfileUpdate struct {
	Name  string
	Phone string
	Email string
}

func (c *Client) UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) (*User, error) {
	data, err := c.doRequest(ctx, "update-profile",
		form("userId", userID, "name", p.Name, "phone", p.Phone, "email", p.Email))
	if err != nil {
		return nil, err
	}
	return decodeUser("update-profile", data)
}

// ============================================================================
// Groups
// ============================================================================

func decodeGroup(endpoint string, data []byte) (*Group, error) {
	res, err := decodeJSON[struct {
		wireGroup
		Group *wireGroup `json:"group"`
	}](data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	w := &res.wireGroup
	if res.Group != nil {
		w = res.Group
	}
	g := w.group()
	if g.ID == "" {
		return nil, &APIError{Endpoint: endpoint, Message: "response carries no group"}
	}
	return &g, nil
}

func (c *Client) CreateGroup(ctx context.Context, name, description, createdBy string) (*Group, error) {
	data, err := c.doRequest(ctx, "create-group",
		form("group_name", name, "description", description, "createdBy", createdBy))
	if err != nil {
		return nil, err
	}
	return decodeGroup("create-group", data)
}

func (c *Client) JoinGroup(ctx context.Context, groupID, userID string) (*Group, error) {
	data, err := c.doRequest(ctx, "join-group", form("groupId", groupID, "userId", userID))
	if err != nil {
		return nil, err
	}
	return decodeGroup("join-group", data)
}

func (c *Client) GroupsOverview(ctx context.Context) (*GroupsOverview, error) {
	data, err := c.doRequest(ctx, "get-groups-overview", nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Trending []wireGroup `json:"trending"`
		New      []wireGroup `json:"new"`
		Popular  []wireGroup `json:"popular"`
	}](data)
	if err != nil {
		return nil, fmt.Errorf("get-groups-overview: %w", err)
	}
	conv := func(ws []wireGroup) []Group {
		out := make([]Group, 0, len(ws))
		for i := range ws {
			if g := ws[i].group(); g.ID != "" {
				out = append(out, g)
			}
		}
		return out
	}
	return &GroupsOverview{
		Trending: conv(res.Trending),
		New:      conv(res.New),
		Popular:  conv(res.Popular),
	}, nil
}

// ============================================================================
// Conversations
// ============================================================================

func (c *Client) MyChats(ctx context.Context, userID string) (*ChatList, error) {
	data, err := c.doRequest(ctx, "my-chats", form("userId", userID))
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		GroupChats    []wireGroup      `json:"groupChats"`
		OneToOneChats []wireDirectChat `json:"oneToOneChats"`
	}](data)
	if err != nil {
		return nil, fmt.Errorf("my-chats: %w", err)
	}

	list := &ChatList{}
	for i := range res.GroupChats {
		w := &res.GroupChats[i]
		g := w.group()
		if g.ID == "" {
			continue
		}
		list.GroupChats = append(list.GroupChats, RemoteGroupChat{Group: g, LastMessage: w.LastMessage.messagePtr()})
	}
	for i := range res.OneToOneChats {
		w := &res.OneToOneChats[i]
		dc := RemoteDirectChat{
			ID:          firstNonEmpty(w.ID, w.AltID),
			LastMessage: w.LastMessage.messagePtr(),
		}
		if w.User != nil {
			if u := w.User.user(); u.ID != "" {
				dc.User = &u
			}
		}
		if dc.ID == "" {
			continue
		}
		list.DirectChats = append(list.DirectChats, dc)
	}
	return list, nil
}

type pageResponse struct {
	Messages []wireMessage `json:"messages"`
}

func (p *pageResponse) page() []Message {
	out := make([]Message, 0, len(p.Messages))
	for i := range p.Messages {
		if m := p.Messages[i].message(); m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

// OpenGroupChat fetches one page of group history. before is the id of the
// oldest message already held; empty fetches the latest page.
func (c *Client) OpenGroupChat(ctx context.Context, groupID, before string, limit int) ([]Message, error) {
	data, err := c.doRequest(ctx, "open-group-chat",
		form("groupId", groupID, "lastMessageId", before, "limit", strconv.Itoa(limitOrDefault(limit))))
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[pageResponse](data)
	if err != nil {
		return nil, fmt.Errorf("open-group-chat: %w", err)
	}
	return res.page(), nil
}

// OpenOneToOneChat fetches one page of direct history.
func (c *Client) OpenOneToOneChat(ctx context.Context, chatID, userID, before string, limit int) ([]Message, error) {
	data, err := c.doRequest(ctx, "open-one-to-one-chat",
		form("chatId", chatID, "userId", userID, "lastMessageId", before, "limit", strconv.Itoa(limitOrDefault(limit))))
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[pageResponse](data)
	if err != nil {
		return nil, fmt.Errorf("open-one-to-one-chat: %w", err)
	}
	return res.page(), nil
}

// OpenRandomChat asks the server to match userID with a random partner.
func (c *Client) OpenRandomChat(ctx context.Context, userID string) (*User, error) {
	data, err := c.doRequest(ctx, "open-random-chat", form("userId", userID))
	if err != nil {
		return nil, err
	}
	return decodeUser("open-random-chat", data)
}

// Search queries users and groups.
func (c *Client) Search(ctx context.Context, query string) ([]SearchHit, error) {
	data, err := c.doRequest(ctx, "search", form("query", query))
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[[]json.RawMessage](data)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]SearchHit, 0, len(*res))
	for _, raw := range *res {
		var kind struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &kind) != nil {
			continue
		}
		hit := SearchHit{Type: kind.Type, Raw: raw}
		switch kind.Type {
		case "user":
			var w wireUser
			if json.Unmarshal(raw, &w) == nil {
				if u := w.user(); u.ID != "" {
					hit.User = &u
				}
			}
		case "group":
			var w wireGroup
			if json.Unmarshal(raw, &w) == nil {
				if g := w.group(); g.ID != "" {
					hit.Group = &g
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

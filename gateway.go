package rcchat

import (
	"context"
	"fmt"
)

// Gateway is everything the engine needs from the server.
//
// The same message may arrive twice, once pushed and once in a page, and
// ordering across a reconnect is not guaranteed.
type Gateway interface {
	FetchMyChats(ctx context.Context, userID string) (*ChatList, error)
	FetchPage(ctx context.Context, ref ConversationRef, before string, limit int) ([]Message, error)
	Send(ctx context.Context, msg OutboundMessage) error
	StartTyping(ctx context.Context, sig TypingSignal) error
	StopTyping(ctx context.Context, sig TypingSignal) error
	OpenRandomChat(ctx context.Context, userID string) (*User, error)
	Search(ctx context.Context, query string) ([]SearchHit, error)
	Subscribe(buffer int) *Subscription
	Connect(ctx context.Context) error
	Disconnect() error
}

// RemoteGateway is the Gateway backed by the HTTP API and the realtime
// channel.
type RemoteGateway struct {
	api *Client
	rt  *RealtimeClient
}

var _ Gateway = (*RemoteGateway)(nil)

func NewRemoteGateway(api *Client, rt *RealtimeClient) *RemoteGateway {
	return &RemoteGateway{api: api, rt: rt}
}

// API returns the underlying HTTP client.
func (g *RemoteGateway) API() *Client { return g.api }

// Realtime returns the underlying event channel.
func (g *RemoteGateway) Realtime() *RealtimeClient { return g.rt }

func (g *RemoteGateway) FetchMyChats(ctx context.Context, userID string) (*ChatList, error) {
	return g.api.MyChats(ctx, userID)
}

// FetchPage routes group chats to open-group-chat and everything else to
// open-one-to-one-chat.
func (g *RemoteGateway) FetchPage(ctx context.Context, ref ConversationRef, before string, limit int) ([]Message, error) {
	switch ref.Kind {
	case ChatGroup:
		groupID := firstNonEmpty(ref.GroupID, ref.ChatID)
		return g.api.OpenGroupChat(ctx, groupID, before, limit)
	case ChatDirect, ChatRandom:
		return g.api.OpenOneToOneChat(ctx, ref.ChatID, ref.UserID, before, limit)
	}
	return nil, fmt.Errorf("fetch page: unsupported chat kind %q", ref.Kind)
}

func (g *RemoteGateway) Send(ctx context.Context, msg OutboundMessage) error {
	return g.rt.SendMessage(ctx, msg)
}

func (g *RemoteGateway) StartTyping(ctx context.Context, sig TypingSignal) error {
	return g.rt.StartTyping(ctx, sig)
}

func (g *RemoteGateway) StopTyping(ctx context.Context, sig TypingSignal) error {
	return g.rt.StopTyping(ctx, sig)
}

func (g *RemoteGateway) OpenRandomChat(ctx context.Context, userID string) (*User, error) {
	return g.api.OpenRandomChat(ctx, userID)
}

func (g *RemoteGateway) Search(ctx context.Context, query string) ([]SearchHit, error) {
	return g.api.Search(ctx, query)
}

func (g *RemoteGateway) Subscribe(buffer int) *Subscription {
	return g.rt.Subscribe(buffer)
}

func (g *RemoteGateway) Connect(ctx context.Context) error {
	return g.rt.Connect(ctx)
}

func (g *RemoteGateway) Disconnect() error {
	return g.rt.Disconnect()
}

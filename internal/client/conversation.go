// ABOUTME: Direct conversation handle - pairwise messaging with one peer
// ABOUTME: The DIRECT variant of the container surface

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/converge/internal/gateway"
	"github.com/2389/converge/internal/store"
	"github.com/2389/converge/internal/stream"
)

// Conversation is a handle on one pairwise direct conversation.
type Conversation struct {
	c   *Client
	row *store.Conversation
}

func (c *Client) conversationHandle(row *store.Conversation) *Conversation {
	return &Conversation{c: c, row: row}
}

// ID returns the conversation's stable identifier.
func (cv *Conversation) ID() string { return cv.row.ID }

// Version reports the container variant, always VersionDirect.
func (cv *Conversation) Version() Version { return VersionDirect }

// Topic returns the conversation's transport topic.
func (cv *Conversation) Topic() string { return cv.row.Topic }

// CreatedAt returns the conversation's network creation time.
func (cv *Conversation) CreatedAt() time.Time { return cv.row.CreatedAt }

// PeerAddress returns the other participant's address.
func (cv *Conversation) PeerAddress() string { return cv.row.PeerAddress }

// Send publishes a message to the peer and appends it to the local log.
func (cv *Conversation) Send(ctx context.Context, content []byte) (*store.Message, error) {
	m, err := cv.c.gw.Publish(ctx, cv.c.Address(), cv.row.ID, content)
	if err != nil {
		return nil, fmt.Errorf("publishing message: %w", err)
	}
	if err := cv.c.incorporateMessage(ctx, m, false); err != nil {
		return nil, err
	}
	return toStoreMessage(m), nil
}

// Messages returns the conversation's log, most recent first. limit 0
// means all. Reads local state only; call Sync first for network
// freshness.
func (cv *Conversation) Messages(ctx context.Context, limit int) ([]*store.Message, error) {
	return cv.c.store.ListMessages(ctx, cv.row.ID, limit)
}

// Sync pulls new messages for this conversation.
func (cv *Conversation) Sync(ctx context.Context) error {
	return cv.c.pullMessages(ctx, cv.row.ID, false)
}

// StreamMessages invokes cb for every new message in this conversation,
// including the client's own sends, until cancelled.
func (cv *Conversation) StreamMessages(ctx context.Context, cb MessageCallback) (CancelFunc, error) {
	sub := cv.c.broker.Subscribe(func(ev stream.Event) {
		if ev.Message != nil && ev.Message.ConvoKey == cv.row.ID {
			cb(ev.Message)
		}
	}, stream.TopicDirectMessages)

	events, gwCancel, err := cv.c.gw.Subscribe(ctx, gateway.DirectMessagesScope(cv.c.Address()))
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribing to messages: %w", err)
	}
	go cv.c.pump(ctx, events)

	cancel := cv.c.makeCancel(gwCancel, sub)
	cv.c.trackCancel(cancel)
	return cancel, nil
}

// ABOUTME: Client-level live streams - new groups, new containers and message firehoses
// ABOUTME: Each stream pairs a broker subscription with a gateway feed pumped into local state

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/converge/internal/gateway"
	"github.com/2389/converge/internal/store"
	"github.com/2389/converge/internal/stream"
)

// MessageCallback receives newly confirmed messages, in delivery order.
type MessageCallback func(*store.Message)

// GroupCallback receives newly learned groups.
type GroupCallback func(*Group)

// ContainerCallback receives newly learned containers of either variant.
type ContainerCallback func(Container)

// makeCancel bundles a gateway feed cancel and a broker subscription into
// one idempotent CancelFunc.
func (c *Client) makeCancel(gwCancel func(), sub *stream.Subscription) CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			gwCancel()
			sub.Cancel()
		})
	}
}

// StreamGroups invokes cb for every group another party adds this client
// to, until cancelled. Groups the client creates itself do not fire; list
// or sync for those.
func (c *Client) StreamGroups(ctx context.Context, cb GroupCallback) (CancelFunc, error) {
	sub := c.broker.Subscribe(func(ev stream.Event) {
		if ev.Group != nil {
			cb(c.groupHandle(ev.Group))
		}
	}, stream.TopicGroups)

	events, gwCancel, err := c.gw.Subscribe(ctx, gateway.GroupsScope(c.Address()))
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribing to groups: %w", err)
	}
	go c.pump(ctx, events)

	cancel := c.makeCancel(gwCancel, sub)
	c.trackCancel(cancel)
	return cancel, nil
}

// StreamAll invokes cb for every newly learned container: groups another
// party adds this client to, plus direct conversations from either side,
// the client's own included.
func (c *Client) StreamAll(ctx context.Context, cb ContainerCallback) (CancelFunc, error) {
	sub := c.broker.Subscribe(func(ev stream.Event) {
		switch {
		case ev.Group != nil:
			cb(c.groupHandle(ev.Group))
		case ev.Conversation != nil:
			cb(c.conversationHandle(ev.Conversation))
		}
	}, stream.TopicContainers)

	events, gwCancel, err := c.gw.Subscribe(ctx, gateway.ContainersScope(c.Address()))
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribing to containers: %w", err)
	}
	go c.pump(ctx, events)

	cancel := c.makeCancel(gwCancel, sub)
	c.trackCancel(cancel)
	return cancel, nil
}

// StreamAllMessages invokes cb for every new direct message and, when
// includeGroups is set, every new group message outside denied groups.
// The returned cancel stops this subscription alone;
// CancelStreamAllMessages remains the cancel-all shortcut.
func (c *Client) StreamAllMessages(ctx context.Context, cb MessageCallback, includeGroups bool) (CancelFunc, error) {
	topics := []string{stream.TopicDirectMessages}
	scope := gateway.DirectMessagesScope(c.Address())
	if includeGroups {
		topics = append(topics, stream.TopicGroupMessages)
		scope = gateway.AllMessagesScope(c.Address())
	}

	sub := c.broker.Subscribe(func(ev stream.Event) {
		if ev.Message != nil {
			cb(ev.Message)
		}
	}, topics...)

	events, gwCancel, err := c.gw.Subscribe(ctx, scope)
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribing to messages: %w", err)
	}
	go c.pump(ctx, events)

	cancel := c.makeCancel(gwCancel, sub)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.allMsgCancels = append(c.allMsgCancels, cancel)
	c.mu.Unlock()
	return cancel, nil
}

// CancelStreamAllMessages cancels every stream opened through
// StreamAllMessages. Idempotent; no-op when none are live.
func (c *Client) CancelStreamAllMessages() {
	c.mu.Lock()
	cancels := c.allMsgCancels
	c.allMsgCancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// StreamAllGroupMessages invokes cb for every new message in every group
// outside denied groups. The returned cancel stops this subscription
// alone; CancelStreamAllGroupMessages remains the cancel-all shortcut.
func (c *Client) StreamAllGroupMessages(ctx context.Context, cb MessageCallback) (CancelFunc, error) {
	sub := c.broker.Subscribe(func(ev stream.Event) {
		if ev.Message != nil {
			cb(ev.Message)
		}
	}, stream.TopicGroupMessages)

	events, gwCancel, err := c.gw.Subscribe(ctx, gateway.AllGroupMessagesScope(c.Address()))
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribing to group messages: %w", err)
	}
	go c.pump(ctx, events)

	cancel := c.makeCancel(gwCancel, sub)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.allGrpCancels = append(c.allGrpCancels, cancel)
	c.mu.Unlock()
	return cancel, nil
}

// CancelStreamAllGroupMessages cancels every stream opened through
// StreamAllGroupMessages.
func (c *Client) CancelStreamAllGroupMessages() {
	c.mu.Lock()
	cancels := c.allGrpCancels
	c.allGrpCancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// ABOUTME: Reconciliation between the gateway's authoritative state and the local mirror
// ABOUTME: Group/conversation incorporation, membership reconcile, message pull and event dispatch

package client

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/2389/converge/internal/gateway"
	"github.com/2389/converge/internal/identity"
	"github.com/2389/converge/internal/store"
	"github.com/2389/converge/internal/stream"
)

// syncConcurrency bounds the per-group reconcile fan-out during SyncGroups.
const syncConcurrency = 4

// SyncGroups reconciles the local group registry against the network:
// groups the identity was added to appear locally, membership of known
// groups is refreshed, and groups the identity was removed from flip to
// inactive. Message logs are untouched; only per-group Sync pulls those.
func (cv *Conversations) SyncGroups(ctx context.Context) error {
	c := cv.c

	remote, err := c.gw.FetchGroups(ctx, c.Address())
	if err != nil {
		return fmt.Errorf("fetching groups: %w", err)
	}

	seen := make(map[string]bool, len(remote))
	for _, state := range remote {
		seen[state.ID] = true
		if _, _, err := c.incorporateGroup(ctx, state, true); err != nil {
			return err
		}
	}

	// Locally known groups missing from the remote listing: the identity
	// was removed. Reconcile each so the row flips to inactive.
	local, err := c.store.ListGroups(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, row := range local {
		if seen[row.ID] || !row.Active {
			continue
		}
		row := row
		g.Go(func() error {
			return c.reconcileGroup(ctx, row.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Debug("groups synced", "remote", len(remote), "local", len(local))
	return nil
}

// incorporateGroup mirrors one network group locally. A newly learned
// group is inserted with consent unknown and, when notify is set,
// published to the new-group streams. A group already known instead has
// its membership and admin refreshed from the state snapshot.
func (c *Client) incorporateGroup(ctx context.Context, state *gateway.GroupState, notify bool) (*store.Group, bool, error) {
	row := &store.Group{
		ID:              state.ID,
		Topic:           state.Topic,
		CreatedAt:       state.CreatedAt,
		PermissionLevel: state.PermissionLevel,
		AdminAddress:    state.AdminAddress,
		Active:          true,
	}

	created, err := c.store.SaveGroup(ctx, row, state.Members)
	if err != nil {
		return nil, false, err
	}
	if !created {
		if err := c.applyGroupState(ctx, state); err != nil {
			return nil, false, err
		}
		fresh, err := c.store.GetGroup(ctx, state.ID)
		if err != nil {
			return nil, false, err
		}
		return fresh, false, nil
	}

	if notify {
		c.broker.Publish(stream.Event{Group: row}, stream.TopicGroups, stream.TopicContainers)
	}
	return row, true, nil
}

// incorporateConversation mirrors one direct conversation locally. The
// peer is whichever participant is not this client. When notify is set a
// newly learned conversation is published to the container stream; unlike
// groups, this includes conversations the client created itself.
func (c *Client) incorporateConversation(ctx context.Context, state *gateway.ConversationState, notify bool) (*store.Conversation, bool, error) {
	peer := ""
	for _, addr := range state.Peers {
		if !identity.Equal(addr, c.Address()) {
			peer = addr
			break
		}
	}

	row := &store.Conversation{
		ID:          state.ID,
		Topic:       state.Topic,
		PeerAddress: peer,
		CreatedAt:   state.CreatedAt,
	}

	created, err := c.store.SaveConversation(ctx, row)
	if err != nil {
		return nil, false, err
	}
	if created && notify {
		c.broker.Publish(stream.Event{Conversation: row}, stream.TopicContainers)
	}
	return row, created, nil
}

// reconcileGroup refreshes one group's membership and admin from the
// network. Message logs are untouched.
func (c *Client) reconcileGroup(ctx context.Context, groupID string) error {
	state, err := c.gw.FetchGroupState(ctx, groupID)
	if err != nil {
		return fmt.Errorf("fetching group state: %w", err)
	}
	return c.applyGroupState(ctx, state)
}

// applyGroupState writes a group state snapshot over the local row. If
// the local identity is absent from the remote member set the group flips
// to inactive and the identity stays in the stored member list, so the
// membership history still shows the client was part of the group. The
// inactive flag never reverts.
func (c *Client) applyGroupState(ctx context.Context, state *gateway.GroupState) error {
	lk := c.groupLock(state.ID)
	lk.Lock()
	defer lk.Unlock()

	members := state.Members
	if !identity.Contains(members, c.Address()) {
		if err := c.store.SetGroupActive(ctx, state.ID, false); err != nil {
			return err
		}
		members = append(append([]string(nil), members...), c.Address())
	}
	if err := c.store.ReplaceGroupMembers(ctx, state.ID, members); err != nil {
		return err
	}
	return c.store.UpdateGroupAdmin(ctx, state.ID, state.AdminAddress)
}

// pullMessages fetches messages newer than the local high-water mark for
// one conversation and incorporates them. The cursor is the max stored
// sequence, so re-pulling is idempotent.
func (c *Client) pullMessages(ctx context.Context, convoKey string, isGroup bool) error {
	since, err := c.store.MaxSeq(ctx, convoKey)
	if err != nil {
		return err
	}
	msgs, err := c.gw.FetchNewMessages(ctx, convoKey, since)
	if err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}
	for _, m := range msgs {
		if err := c.incorporateMessage(ctx, m, isGroup); err != nil {
			return err
		}
	}
	return nil
}

// incorporateMessage appends one confirmed network message to the local
// log and, only when the append actually inserted a row, publishes it to
// the message streams. The created flag is what keeps the sync path and
// the live feed from double-delivering the same message.
func (c *Client) incorporateMessage(ctx context.Context, m *gateway.Message, isGroup bool) error {
	row := toStoreMessage(m)

	lk := c.groupLock(m.ConvoKey)
	lk.Lock()
	created, err := c.store.AppendMessage(ctx, row)
	lk.Unlock()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if !isGroup {
		c.broker.Publish(stream.Event{Message: row}, stream.TopicDirectMessages)
		return nil
	}

	topics := []string{stream.GroupTopic(m.ConvoKey)}
	consent, err := c.store.ConsentState(ctx, m.ConvoKey)
	if err != nil {
		return err
	}
	// A denied group's log still fills, and its dedicated stream still
	// fires, but the broad group-message streams stay quiet.
	if consent != store.ConsentDenied {
		topics = append(topics, stream.TopicGroupMessages)
	}
	c.broker.Publish(stream.Event{Message: row}, topics...)
	return nil
}

func toStoreMessage(m *gateway.Message) *store.Message {
	return &store.Message{
		ID:            m.ID,
		ConvoKey:      m.ConvoKey,
		Seq:           m.Seq,
		SenderAddress: m.SenderAddress,
		SentAt:        m.SentAt,
		Content:       m.Content,
	}
}

// incorporateEvent folds one live gateway event into local state. Message
// events carry a container snapshot so a message for a never-synced
// container still lands: the container is mirrored first, then the
// message.
func (c *Client) incorporateEvent(ctx context.Context, ev *gateway.Event) error {
	switch ev.Type {
	case gateway.EventGroupAdded:
		_, _, err := c.incorporateGroup(ctx, ev.Group, true)
		return err
	case gateway.EventConversationCreated:
		_, _, err := c.incorporateConversation(ctx, ev.Conversation, true)
		return err
	case gateway.EventMessage:
		if ev.Group != nil {
			if _, _, err := c.incorporateGroup(ctx, ev.Group, true); err != nil {
				return err
			}
		}
		if ev.Conversation != nil {
			if _, _, err := c.incorporateConversation(ctx, ev.Conversation, true); err != nil {
				return err
			}
		}
		return c.incorporateMessage(ctx, ev.Message, ev.Message.IsGroup)
	default:
		return fmt.Errorf("unknown event type %d", ev.Type)
	}
}

// pump drains a gateway event feed into incorporateEvent until the feed
// closes. Incorporation failures are logged and the feed keeps going; one
// bad event must not kill a live stream.
func (c *Client) pump(ctx context.Context, events <-chan *gateway.Event) {
	for ev := range events {
		if err := c.incorporateEvent(ctx, ev); err != nil {
			c.logger.Error("failed to incorporate event", "error", err)
		}
	}
}

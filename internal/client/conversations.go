// ABOUTME: Conversation registry surface - listing, creation and container merging
// ABOUTME: Groups and direct conversations are variants of one polymorphic container

package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/2389/converge/internal/store"
)

// Version tags the two container variants.
type Version string

const (
	VersionDirect Version = "DIRECT"
	VersionGroup  Version = "GROUP"
)

// Container is the polymorphic view over groups and direct conversations.
type Container interface {
	ID() string
	Version() Version
	Topic() string
	CreatedAt() time.Time
}

// Conversations is the group/conversation surface of one client.
type Conversations struct {
	c *Client
}

// NewGroup commits a new group with the client plus members and exposes
// it locally once the gateway confirms creation. The creator's consent is
// implicitly allowed. permissionLevel defaults to store.PermissionMember;
// pass store.PermissionCreatorAdmin to restrict membership changes to the
// creator.
//
// Creating a group never fires the creator's own new-group stream; sync
// and list after creation instead.
func (cv *Conversations) NewGroup(ctx context.Context, members []string, permissionLevel string) (*Group, error) {
	c := cv.c
	if permissionLevel == "" {
		permissionLevel = store.PermissionMember
	}

	state, err := c.gw.CreateGroup(ctx, c.Address(), members, permissionLevel)
	if err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}

	row, _, err := c.incorporateGroup(ctx, state, false)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetConsent(ctx, []string{state.ID}, store.ConsentAllowed); err != nil {
		return nil, err
	}

	c.logger.Debug("group created", "group_id", state.ID)
	return c.groupHandle(row), nil
}

// NewConversation commits a new direct conversation with a peer. Unlike
// group creation, this fires the creator's own new-container stream.
func (cv *Conversations) NewConversation(ctx context.Context, peer string) (*Conversation, error) {
	c := cv.c

	state, err := c.gw.CreateConversation(ctx, c.Address(), peer)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	row, _, err := c.incorporateConversation(ctx, state, true)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetConsent(ctx, []string{state.ID}, store.ConsentAllowed); err != nil {
		return nil, err
	}

	c.logger.Debug("conversation created", "conversation_id", state.ID)
	return c.conversationHandle(row), nil
}

// ListGroups returns the locally known groups ordered by creation time.
// Unless skipSync is set, a SyncGroups pass runs first; reconciliation
// failure propagates rather than silently serving stale data.
func (cv *Conversations) ListGroups(ctx context.Context, skipSync bool) ([]*Group, error) {
	if !skipSync {
		if err := cv.SyncGroups(ctx); err != nil {
			return nil, err
		}
	}

	rows, err := cv.c.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, cv.c.groupHandle(row))
	}
	return groups, nil
}

// ListConversations returns the direct conversations ordered by creation
// time, reconciling the registry against the network first so
// conversations opened by peers appear without a live stream.
func (cv *Conversations) ListConversations(ctx context.Context) ([]*Conversation, error) {
	c := cv.c
	remote, err := c.gw.FetchConversations(ctx, c.Address())
	if err != nil {
		return nil, fmt.Errorf("fetching conversations: %w", err)
	}
	for _, state := range remote {
		if _, _, err := c.incorporateConversation(ctx, state, true); err != nil {
			return nil, err
		}
	}

	rows, err := cv.c.store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	convos := make([]*Conversation, 0, len(rows))
	for _, row := range rows {
		convos = append(convos, cv.c.conversationHandle(row))
	}
	return convos, nil
}

// ListAll merges groups and direct conversations into one sequence with
// an explicit total order: creation time ascending, ties broken by
// container id. Both kinds reconcile against the network first, so the
// merged listing is uniformly fresh.
func (cv *Conversations) ListAll(ctx context.Context) ([]Container, error) {
	groups, err := cv.ListGroups(ctx, false)
	if err != nil {
		return nil, err
	}
	convos, err := cv.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	all := make([]Container, 0, len(groups)+len(convos))
	for _, g := range groups {
		all = append(all, g)
	}
	for _, c := range convos {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt().Equal(all[j].CreatedAt()) {
			return all[i].CreatedAt().Before(all[j].CreatedAt())
		}
		return all[i].ID() < all[j].ID()
	})
	return all, nil
}

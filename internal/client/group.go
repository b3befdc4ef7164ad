// ABOUTME: Group handle - messaging, membership mutation and per-group streaming
// ABOUTME: Wraps one locally mirrored group row and serializes its mutations

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/converge/internal/gateway"
	"github.com/2389/converge/internal/identity"
	"github.com/2389/converge/internal/store"
	"github.com/2389/converge/internal/stream"
)

// Group is a handle on one group the client is (or was) a member of.
// Handles are cheap; methods that need fresh state read the store or the
// network rather than the snapshot taken at construction.
type Group struct {
	c   *Client
	row *store.Group
}

func (c *Client) groupHandle(row *store.Group) *Group {
	return &Group{c: c, row: row}
}

// ID returns the group's stable identifier.
func (g *Group) ID() string { return g.row.ID }

// Version reports the container variant, always VersionGroup.
func (g *Group) Version() Version { return VersionGroup }

// Topic returns the group's transport topic.
func (g *Group) Topic() string { return g.row.Topic }

// CreatedAt returns the group's network creation time.
func (g *Group) CreatedAt() time.Time { return g.row.CreatedAt }

// PermissionLevel returns the group's membership policy.
func (g *Group) PermissionLevel() string { return g.row.PermissionLevel }

// AdminAddress returns the group creator's address.
func (g *Group) AdminAddress() string { return g.row.AdminAddress }

// ClientAddress returns the address of the client holding this handle.
func (g *Group) ClientAddress() string { return g.c.Address() }

// Send publishes a message to the group and appends it to the local log.
// Fails with ErrGroupInactive when the client is no longer a member; an
// inactive group is read-only history.
func (g *Group) Send(ctx context.Context, content []byte) (*store.Message, error) {
	row, err := g.c.store.GetGroup(ctx, g.row.ID)
	if err != nil {
		return nil, err
	}
	if !row.Active {
		return nil, ErrGroupInactive
	}

	m, err := g.c.gw.Publish(ctx, g.c.Address(), g.row.ID, content)
	if err != nil {
		return nil, fmt.Errorf("publishing message: %w", err)
	}
	if err := g.c.incorporateMessage(ctx, m, true); err != nil {
		return nil, err
	}
	return toStoreMessage(m), nil
}

// Messages returns the group's message log, most recent first. limit 0
// means all. Unless skipSync is set a full Sync runs first, so the log
// reflects everything confirmed on the network at call time.
func (g *Group) Messages(ctx context.Context, skipSync bool, limit int) ([]*store.Message, error) {
	if !skipSync {
		if err := g.Sync(ctx); err != nil {
			return nil, err
		}
	}
	return g.c.store.ListMessages(ctx, g.row.ID, limit)
}

// MemberAddresses returns the group's member addresses including the
// client's own. Unless skipSync is set, membership is reconciled from the
// network first; the message log is untouched either way.
func (g *Group) MemberAddresses(ctx context.Context, skipSync bool) ([]string, error) {
	if !skipSync {
		if err := g.c.reconcileGroup(ctx, g.row.ID); err != nil {
			return nil, err
		}
	}
	return g.c.store.GroupMembers(ctx, g.row.ID)
}

// PeerAddresses returns the member addresses excluding the client's own.
// Reads local state only.
func (g *Group) PeerAddresses(ctx context.Context) ([]string, error) {
	members, err := g.c.store.GroupMembers(ctx, g.row.ID)
	if err != nil {
		return nil, err
	}
	peers := make([]string, 0, len(members))
	for _, addr := range members {
		if !identity.Equal(addr, g.c.Address()) {
			peers = append(peers, addr)
		}
	}
	return peers, nil
}

// AddMembers commits the addition of members on the network, then mirrors
// it locally. On gateway failure local state is unchanged.
func (g *Group) AddMembers(ctx context.Context, addrs []string) error {
	if err := g.c.gw.CommitAddMembers(ctx, g.row.ID, g.c.Address(), addrs); err != nil {
		return fmt.Errorf("adding members: %w", err)
	}

	lk := g.c.groupLock(g.row.ID)
	lk.Lock()
	defer lk.Unlock()
	return g.c.store.AddGroupMembers(ctx, g.row.ID, addrs)
}

// RemoveMembers commits the removal of members on the network, then
// mirrors it locally. Removing the client's own address deactivates the
// group while the address itself stays in the stored member list.
func (g *Group) RemoveMembers(ctx context.Context, addrs []string) error {
	if err := g.c.gw.CommitRemoveMembers(ctx, g.row.ID, g.c.Address(), addrs); err != nil {
		return fmt.Errorf("removing members: %w", err)
	}

	lk := g.c.groupLock(g.row.ID)
	lk.Lock()
	defer lk.Unlock()

	others := make([]string, 0, len(addrs))
	self := false
	for _, addr := range addrs {
		if identity.Equal(addr, g.c.Address()) {
			self = true
			continue
		}
		others = append(others, addr)
	}
	if len(others) > 0 {
		if err := g.c.store.RemoveGroupMembers(ctx, g.row.ID, others); err != nil {
			return err
		}
	}
	if self {
		if err := g.c.store.SetGroupActive(ctx, g.row.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// IsActive reports whether the client is still a member. Reconciles from
// the network first, so a removal performed elsewhere is observed.
// Inactive is terminal: once false, it stays false.
func (g *Group) IsActive(ctx context.Context) (bool, error) {
	if err := g.c.reconcileGroup(ctx, g.row.ID); err != nil {
		return false, err
	}
	row, err := g.c.store.GetGroup(ctx, g.row.ID)
	if err != nil {
		return false, err
	}
	return row.Active, nil
}

// IsAdmin reports whether the client may change this group's membership:
// always for member-level groups, creator only for creator-admin groups.
func (g *Group) IsAdmin(ctx context.Context) (bool, error) {
	row, err := g.c.store.GetGroup(ctx, g.row.ID)
	if err != nil {
		return false, err
	}
	if row.PermissionLevel == store.PermissionCreatorAdmin {
		return identity.Equal(row.AdminAddress, g.c.Address()), nil
	}
	return true, nil
}

// Sync reconciles membership and pulls new messages for this group.
func (g *Group) Sync(ctx context.Context) error {
	if err := g.c.reconcileGroup(ctx, g.row.ID); err != nil {
		return err
	}
	return g.c.pullMessages(ctx, g.row.ID, true)
}

// StreamMessages invokes cb for every new message in this group,
// including the client's own sends, until cancelled. Messages already in
// the log do not replay.
func (g *Group) StreamMessages(ctx context.Context, cb MessageCallback) (CancelFunc, error) {
	sub := g.c.broker.Subscribe(func(ev stream.Event) {
		if ev.Message != nil {
			cb(ev.Message)
		}
	}, stream.GroupTopic(g.row.ID))

	events, gwCancel, err := g.c.gw.Subscribe(ctx, gateway.GroupMessagesScope(g.c.Address(), g.row.ID))
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribing to group messages: %w", err)
	}
	go g.c.pump(ctx, events)

	cancel := g.c.makeCancel(gwCancel, sub)
	g.c.trackCancel(cancel)
	return cancel, nil
}

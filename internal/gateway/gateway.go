// ABOUTME: External protocol gateway contract consumed by the sync core
// ABOUTME: Defines group/conversation/message wire state, event scopes and the Gateway interface

package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrProtocol is returned when the gateway rejects an operation:
// authorization failure, unresolvable member, network failure. Callers may
// retry at their discretion; local state is never mutated on failure.
var ErrProtocol = errors.New("protocol error")

// GroupState is the authoritative network state of a group at a point in
// time. Members is the full current member set, including the creator.
type GroupState struct {
	ID              string
	Topic           string
	CreatedAt       time.Time
	PermissionLevel string
	AdminAddress    string
	Members         []string
}

// ConversationState is the network state of a pairwise direct conversation.
type ConversationState struct {
	ID        string
	Topic     string
	CreatedAt time.Time
	Peers     []string
}

// Message is a confirmed message on the network. Seq is the arrival
// position assigned by the network within the conversation; it is strictly
// increasing and is used as the sync cursor.
type Message struct {
	ID            string
	ConvoKey      string
	IsGroup       bool
	Seq           int64
	SenderAddress string
	SentAt        time.Time
	Content       []byte
}

// EventType discriminates protocol events delivered to subscriptions.
type EventType int

const (
	EventGroupAdded EventType = iota + 1
	EventConversationCreated
	EventMessage
)

// Event is a protocol event. Exactly one of Group, Conversation, Message
// is set for the primary payload; message events additionally carry a
// snapshot of their container so receivers can incorporate messages for
// containers they have not yet synced.
type Event struct {
	Type         EventType
	Group        *GroupState
	Conversation *ConversationState
	Message      *Message
}

// ScopeKind selects which events a subscription receives.
type ScopeKind int

const (
	// ScopeGroups delivers EventGroupAdded for groups the address is
	// added to by another party.
	ScopeGroups ScopeKind = iota + 1
	// ScopeContainers delivers both EventGroupAdded and
	// EventConversationCreated for the address.
	ScopeContainers
	// ScopeGroupMessages delivers EventMessage for one group.
	ScopeGroupMessages
	// ScopeAllMessages delivers every EventMessage addressed to the
	// identity, direct and group alike.
	ScopeAllMessages
	// ScopeDirectMessages delivers EventMessage for non-group
	// conversations only.
	ScopeDirectMessages
	// ScopeAllGroupMessages delivers EventMessage for all groups the
	// identity is a member of.
	ScopeAllGroupMessages
)

// Scope identifies a subscription target.
type Scope struct {
	Kind    ScopeKind
	Address string
	GroupID string // only for ScopeGroupMessages
}

// GroupsScope subscribes to new-group events for an identity.
func GroupsScope(addr string) Scope {
	return Scope{Kind: ScopeGroups, Address: addr}
}

// ContainersScope subscribes to new-group and new-conversation events.
func ContainersScope(addr string) Scope {
	return Scope{Kind: ScopeContainers, Address: addr}
}

// GroupMessagesScope subscribes to messages for one group.
func GroupMessagesScope(addr, groupID string) Scope {
	return Scope{Kind: ScopeGroupMessages, Address: addr, GroupID: groupID}
}

// AllMessagesScope subscribes to every message addressed to an identity.
func AllMessagesScope(addr string) Scope {
	return Scope{Kind: ScopeAllMessages, Address: addr}
}

// AllGroupMessagesScope subscribes to every group message addressed to an
// identity.
func AllGroupMessagesScope(addr string) Scope {
	return Scope{Kind: ScopeAllGroupMessages, Address: addr}
}

// DirectMessagesScope subscribes to non-group messages only.
func DirectMessagesScope(addr string) Scope {
	return Scope{Kind: ScopeDirectMessages, Address: addr}
}

// Gateway is the contract the sync core requires from the underlying
// group protocol. Implementations own cryptography, transport and retry
// policy; the core only reconciles against the state they expose.
//
// Every call may suspend on network I/O and honors ctx cancellation.
type Gateway interface {
	// RegisterIdentity publishes an identity's device bundle so other
	// parties can resolve it.
	RegisterIdentity(ctx context.Context, addr string) error

	// CreateGroup commits a new group with the creator plus members.
	// Fails with ErrProtocol if the environment forbids group creation or
	// any member cannot be resolved.
	CreateGroup(ctx context.Context, creator string, members []string, permissionLevel string) (*GroupState, error)

	// CreateConversation commits a new pairwise conversation.
	CreateConversation(ctx context.Context, creator, peer string) (*ConversationState, error)

	// FetchGroups returns the groups the address is currently a member of.
	FetchGroups(ctx context.Context, addr string) ([]*GroupState, error)

	// FetchConversations returns the direct conversations the address is a
	// party to.
	FetchConversations(ctx context.Context, addr string) ([]*ConversationState, error)

	// FetchGroupState returns the authoritative state of one group.
	FetchGroupState(ctx context.Context, groupID string) (*GroupState, error)

	// FetchNewMessages returns messages with Seq greater than sinceSeq,
	// in arrival order.
	FetchNewMessages(ctx context.Context, convoKey string, sinceSeq int64) ([]*Message, error)

	// CommitAddMembers and CommitRemoveMembers change group membership.
	// They fail with ErrProtocol on authorization or resolution failure,
	// in which case the network state is unchanged.
	CommitAddMembers(ctx context.Context, groupID, caller string, members []string) error
	CommitRemoveMembers(ctx context.Context, groupID, caller string, members []string) error

	// Publish sends a message to a group or conversation and returns the
	// confirmed message with its assigned sequence.
	Publish(ctx context.Context, sender, convoKey string, content []byte) (*Message, error)

	// CanMessage reports whether an identity is reachable.
	CanMessage(ctx context.Context, addr string) (bool, error)

	// CanGroupMessage reports whether every identity supports groups.
	CanGroupMessage(ctx context.Context, addrs []string) (bool, error)

	// Subscribe opens a live event feed for the scope. The returned cancel
	// is idempotent; after it takes effect the channel is closed. The feed
	// is not restartable — re-subscribing opens a new, independent feed
	// with no replay of missed events.
	Subscribe(ctx context.Context, scope Scope) (<-chan *Event, func(), error)
}

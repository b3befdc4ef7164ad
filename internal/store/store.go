// ABOUTME: Store interface and data types for converge per-client persistence
// ABOUTME: Defines Group, Conversation, Message, consent state and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist locally.
var ErrNotFound = errors.New("not found")

// ErrInvalidLimit is returned for an explicit non-positive message limit.
var ErrInvalidLimit = errors.New("limit must be positive")

// Permission levels for groups.
const (
	PermissionMember       = "member"        // every member is equal
	PermissionCreatorAdmin = "creator_admin" // only the creator administers the group
)

// ConsentState is the tri-state consent gate for a group.
type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
)

// Group is the locally mirrored state of a network group. A group is never
// deleted locally; when the local identity is removed remotely, Active
// flips to false and the row persists as inactive history.
type Group struct {
	ID              string
	Topic           string
	CreatedAt       time.Time
	PermissionLevel string
	AdminAddress    string
	Active          bool
}

// Conversation is a pairwise direct channel with a single peer.
type Conversation struct {
	ID          string
	Topic       string
	PeerAddress string
	CreatedAt   time.Time
}

// Message is one entry in a conversation or group message log. Seq is the
// network-assigned arrival position within the conversation; local reads
// order by it.
type Message struct {
	ID            string
	ConvoKey      string // group id or conversation id
	Seq           int64
	SenderAddress string
	SentAt        time.Time
	Content       []byte
}

// Store defines the persistence interface for one client's local mirror.
// All state belongs to exactly one client identity; stores are never
// shared between clients.
type Store interface {
	// Groups. SaveGroup inserts the group with its member set, or reports
	// created=false if the id is already known (leaving existing state
	// untouched).
	SaveGroup(ctx context.Context, group *Group, members []string) (created bool, err error)
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	SetGroupActive(ctx context.Context, id string, active bool) error
	UpdateGroupAdmin(ctx context.Context, id, adminAddress string) error

	// Membership. Addresses compare case-insensitively; display casing of
	// the first write is preserved.
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	AddGroupMembers(ctx context.Context, groupID string, addrs []string) error
	RemoveGroupMembers(ctx context.Context, groupID string, addrs []string) error
	ReplaceGroupMembers(ctx context.Context, groupID string, addrs []string) error

	// Direct conversations.
	SaveConversation(ctx context.Context, convo *Conversation) (created bool, err error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// Message log. AppendMessage is idempotent by message id: re-appending
	// an id already present is a no-op and reports created=false.
	AppendMessage(ctx context.Context, msg *Message) (created bool, err error)
	// ListMessages returns messages most-recent-first. limit 0 means all.
	ListMessages(ctx context.Context, convoKey string, limit int) ([]*Message, error)
	// MaxSeq returns the highest known sequence for a conversation, or 0
	// when the log is empty. Used as the sync cursor.
	MaxSeq(ctx context.Context, convoKey string) (int64, error)

	// Consent. An unknown group id reads as ConsentUnknown, not an error.
	ConsentState(ctx context.Context, groupID string) (ConsentState, error)
	SetConsent(ctx context.Context, groupIDs []string, state ConsentState) error

	// Close releases any resources held by the store.
	Close() error

	// DeleteDatabase closes the store and removes its backing file.
	// Remote state is unaffected; a fresh store for the same identity
	// starts empty.
	DeleteDatabase() error
}

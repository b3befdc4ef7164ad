// ABOUTME: In-process Gateway implementation backing the local environment
// ABOUTME: Authoritative group/conversation/message state with per-scope subscription fan-out

package localnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/converge/internal/gateway"
	"github.com/2389/converge/internal/identity"
)

// subscriberBufferSize is the channel buffer for each subscriber,
// matching the broadcaster pattern (64 events).
const subscriberBufferSize = 64

// Option configures a Network.
type Option func(*Network)

// WithGroupsDisabled makes CreateGroup fail with ErrProtocol, simulating
// a deployment tier where the group feature is not provisioned.
func WithGroupsDisabled() Option {
	return func(n *Network) { n.groupsEnabled = false }
}

// WithLogger sets the network logger. Nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// Network is an in-memory gateway shared by every client in a process.
// It is the source of truth the sync core reconciles against in tests and
// in the demo CLI. Events are enqueued to subscriber channels in
// confirmation order; consumption is asynchronous, so callers must
// tolerate a settling delay before fan-out is observable, like the real
// transport.
type Network struct {
	mu            sync.RWMutex
	accounts      map[string]string // normalized -> display address
	groups        map[string]*netGroup
	convos        map[string]*netConvo
	subs          map[string]*netSub
	groupsEnabled bool
	logger        *slog.Logger
}

type netGroup struct {
	state    gateway.GroupState
	messages []*gateway.Message
}

type netConvo struct {
	state    gateway.ConversationState
	messages []*gateway.Message
}

type netSub struct {
	scope gateway.Scope
	ch    chan *gateway.Event
}

// New creates an empty network with groups enabled.
func New(opts ...Option) *Network {
	n := &Network{
		accounts:      make(map[string]string),
		groups:        make(map[string]*netGroup),
		convos:        make(map[string]*netConvo),
		subs:          make(map[string]*netSub),
		groupsEnabled: true,
		logger:        slog.Default().With("component", "localnet"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RegisterIdentity publishes an identity so other parties can resolve it.
func (n *Network) RegisterIdentity(ctx context.Context, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[identity.Normalize(addr)] = addr
	return nil
}

// CreateGroup commits a group with the creator plus members and notifies
// every member except the creator. The creator learns of its own group
// from the returned state, never from its own event feed.
func (n *Network) CreateGroup(ctx context.Context, creator string, members []string, permissionLevel string) (*gateway.GroupState, error) {
	n.mu.Lock()

	if !n.groupsEnabled {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: group creation not permitted in this environment", gateway.ErrProtocol)
	}
	if _, ok := n.accounts[identity.Normalize(creator)]; !ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown creator %s", gateway.ErrProtocol, creator)
	}
	for _, m := range members {
		if _, ok := n.accounts[identity.Normalize(m)]; !ok {
			n.mu.Unlock()
			return nil, fmt.Errorf("%w: cannot resolve member %s", gateway.ErrProtocol, m)
		}
	}
	if permissionLevel == "" {
		permissionLevel = "member"
	}

	id := uuid.New().String()
	all := dedupeAddrs(append([]string{creator}, members...))
	g := &netGroup{
		state: gateway.GroupState{
			ID:              id,
			Topic:           "/converge/1/g-" + id + "/proto",
			CreatedAt:       time.Now(),
			PermissionLevel: permissionLevel,
			AdminAddress:    creator,
			Members:         all,
		},
	}
	n.groups[id] = g
	state := cloneGroupState(&g.state)
	n.mu.Unlock()

	for _, m := range all {
		if identity.Equal(m, creator) {
			continue
		}
		n.deliver(m, &gateway.Event{Type: gateway.EventGroupAdded, Group: cloneGroupState(state)})
	}

	n.logger.Debug("group created", "group_id", id, "members", len(all))
	return state, nil
}

// CreateConversation commits a pairwise conversation and notifies both
// parties, the creator included.
func (n *Network) CreateConversation(ctx context.Context, creator, peer string) (*gateway.ConversationState, error) {
	n.mu.Lock()

	for _, a := range []string{creator, peer} {
		if _, ok := n.accounts[identity.Normalize(a)]; !ok {
			n.mu.Unlock()
			return nil, fmt.Errorf("%w: cannot resolve %s", gateway.ErrProtocol, a)
		}
	}

	id := uuid.New().String()
	c := &netConvo{
		state: gateway.ConversationState{
			ID:        id,
			Topic:     "/converge/1/d-" + id + "/proto",
			CreatedAt: time.Now(),
			Peers:     []string{creator, peer},
		},
	}
	n.convos[id] = c
	state := cloneConvoState(&c.state)
	n.mu.Unlock()

	for _, a := range state.Peers {
		n.deliver(a, &gateway.Event{Type: gateway.EventConversationCreated, Conversation: cloneConvoState(state)})
	}

	n.logger.Debug("conversation created", "conversation_id", id)
	return state, nil
}

// FetchGroups returns the groups the address is currently a member of.
func (n *Network) FetchGroups(ctx context.Context, addr string) ([]*gateway.GroupState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []*gateway.GroupState
	for _, g := range n.groups {
		if identity.Contains(g.state.Members, addr) {
			out = append(out, cloneGroupState(&g.state))
		}
	}
	return out, nil
}

// FetchConversations returns the direct conversations the address is a
// party to.
func (n *Network) FetchConversations(ctx context.Context, addr string) ([]*gateway.ConversationState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []*gateway.ConversationState
	for _, c := range n.convos {
		if identity.Contains(c.state.Peers, addr) {
			out = append(out, cloneConvoState(&c.state))
		}
	}
	return out, nil
}

// FetchGroupState returns the authoritative state of one group.
func (n *Network) FetchGroupState(ctx context.Context, groupID string) (*gateway.GroupState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	g, ok := n.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group %s", gateway.ErrProtocol, groupID)
	}
	return cloneGroupState(&g.state), nil
}

// FetchNewMessages returns messages with Seq greater than sinceSeq.
func (n *Network) FetchNewMessages(ctx context.Context, convoKey string, sinceSeq int64) ([]*gateway.Message, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var log []*gateway.Message
	if g, ok := n.groups[convoKey]; ok {
		log = g.messages
	} else if c, ok := n.convos[convoKey]; ok {
		log = c.messages
	} else {
		return nil, fmt.Errorf("%w: unknown conversation %s", gateway.ErrProtocol, convoKey)
	}

	var out []*gateway.Message
	for _, m := range log {
		if m.Seq > sinceSeq {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

// CommitAddMembers adds members to a group. Only members may add, and
// under creator_admin only the admin may.
func (n *Network) CommitAddMembers(ctx context.Context, groupID, caller string, members []string) error {
	n.mu.Lock()

	g, ok := n.groups[groupID]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: unknown group %s", gateway.ErrProtocol, groupID)
	}
	if err := n.authorizeChange(g, caller); err != nil {
		n.mu.Unlock()
		return err
	}
	for _, m := range members {
		if _, ok := n.accounts[identity.Normalize(m)]; !ok {
			n.mu.Unlock()
			return fmt.Errorf("%w: cannot resolve member %s", gateway.ErrProtocol, m)
		}
	}

	var added []string
	for _, m := range members {
		if !identity.Contains(g.state.Members, m) {
			g.state.Members = append(g.state.Members, m)
			added = append(added, m)
		}
	}
	state := cloneGroupState(&g.state)
	n.mu.Unlock()

	// Only the newly added members get a welcome; existing members learn
	// of the change on their next group sync.
	for _, m := range added {
		n.deliver(m, &gateway.Event{Type: gateway.EventGroupAdded, Group: cloneGroupState(state)})
	}
	return nil
}

// CommitRemoveMembers removes members from a group. Removed parties learn
// of their removal on their next sync; no event is emitted.
func (n *Network) CommitRemoveMembers(ctx context.Context, groupID, caller string, members []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, ok := n.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: unknown group %s", gateway.ErrProtocol, groupID)
	}
	if err := n.authorizeChange(g, caller); err != nil {
		return err
	}

	kept := g.state.Members[:0]
	for _, m := range g.state.Members {
		if !identity.Contains(members, m) {
			kept = append(kept, m)
		}
	}
	g.state.Members = kept
	return nil
}

// Publish appends a message and fans it out to every party's message
// subscriptions, the sender's included.
func (n *Network) Publish(ctx context.Context, sender, convoKey string, content []byte) (*gateway.Message, error) {
	n.mu.Lock()

	var (
		parties []string
		ev      *gateway.Event
	)

	msg := &gateway.Message{
		ID:            uuid.New().String(),
		ConvoKey:      convoKey,
		SenderAddress: sender,
		SentAt:        time.Now(),
		Content:       append([]byte(nil), content...),
	}

	if g, ok := n.groups[convoKey]; ok {
		if !identity.Contains(g.state.Members, sender) {
			n.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is not a member of group %s", gateway.ErrProtocol, sender, convoKey)
		}
		msg.IsGroup = true
		msg.Seq = int64(len(g.messages)) + 1
		g.messages = append(g.messages, msg)
		parties = append([]string(nil), g.state.Members...)
		ev = &gateway.Event{Type: gateway.EventMessage, Message: cloneMessage(msg), Group: cloneGroupState(&g.state)}
	} else if c, ok := n.convos[convoKey]; ok {
		if !identity.Contains(c.state.Peers, sender) {
			n.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is not a party to conversation %s", gateway.ErrProtocol, sender, convoKey)
		}
		msg.Seq = int64(len(c.messages)) + 1
		c.messages = append(c.messages, msg)
		parties = append([]string(nil), c.state.Peers...)
		ev = &gateway.Event{Type: gateway.EventMessage, Message: cloneMessage(msg), Conversation: cloneConvoState(&c.state)}
	} else {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown conversation %s", gateway.ErrProtocol, convoKey)
	}

	out := cloneMessage(msg)
	n.mu.Unlock()

	for _, p := range parties {
		n.deliver(p, cloneEvent(ev))
	}
	return out, nil
}

// CanMessage reports whether the address has published a device bundle.
func (n *Network) CanMessage(ctx context.Context, addr string) (bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.accounts[identity.Normalize(addr)]
	return ok, nil
}

// CanGroupMessage reports whether every address is group-capable.
func (n *Network) CanGroupMessage(ctx context.Context, addrs []string) (bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range addrs {
		if _, ok := n.accounts[identity.Normalize(a)]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Subscribe opens a live event feed for the scope. Cancellation is
// idempotent and closes the channel; missed events are never replayed.
func (n *Network) Subscribe(ctx context.Context, scope gateway.Scope) (<-chan *gateway.Event, func(), error) {
	subID := uuid.New().String()
	ch := make(chan *gateway.Event, subscriberBufferSize)

	n.mu.Lock()
	n.subs[subID] = &netSub{scope: scope, ch: ch}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if sub, ok := n.subs[subID]; ok {
				delete(n.subs, subID)
				close(sub.ch)
			}
			n.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

// authorizeChange validates a membership mutation. Must be called with mu
// held.
func (n *Network) authorizeChange(g *netGroup, caller string) error {
	if !identity.Contains(g.state.Members, caller) {
		return fmt.Errorf("%w: %s is not a member of group %s", gateway.ErrProtocol, caller, g.state.ID)
	}
	if g.state.PermissionLevel == "creator_admin" && !identity.Equal(caller, g.state.AdminAddress) {
		return fmt.Errorf("%w: only the admin may change membership of group %s", gateway.ErrProtocol, g.state.ID)
	}
	return nil
}

// deliver fans an event out to the target address's matching
// subscriptions. Enqueues synchronously so a subscriber's channel sees
// events in confirmation order; the buffered channel provides the
// asynchrony, and a full channel drops the event for that subscriber.
func (n *Network) deliver(addr string, ev *gateway.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if !scopeMatches(sub.scope, addr, ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n.logger.Debug("dropped event for slow subscriber", "type", ev.Type)
		}
	}
}

// scopeMatches reports whether a subscription scope wants an event
// addressed to addr.
func scopeMatches(scope gateway.Scope, addr string, ev *gateway.Event) bool {
	if !identity.Equal(scope.Address, addr) {
		return false
	}
	switch scope.Kind {
	case gateway.ScopeGroups:
		return ev.Type == gateway.EventGroupAdded
	case gateway.ScopeContainers:
		return ev.Type == gateway.EventGroupAdded || ev.Type == gateway.EventConversationCreated
	case gateway.ScopeGroupMessages:
		return ev.Type == gateway.EventMessage && ev.Message.ConvoKey == scope.GroupID
	case gateway.ScopeAllMessages:
		return ev.Type == gateway.EventMessage
	case gateway.ScopeAllGroupMessages:
		return ev.Type == gateway.EventMessage && ev.Message.IsGroup
	case gateway.ScopeDirectMessages:
		return ev.Type == gateway.EventMessage && !ev.Message.IsGroup
	default:
		return false
	}
}

func dedupeAddrs(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	var out []string
	for _, a := range addrs {
		key := identity.Normalize(a)
		if !seen[key] {
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}

func cloneGroupState(g *gateway.GroupState) *gateway.GroupState {
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp
}

func cloneConvoState(c *gateway.ConversationState) *gateway.ConversationState {
	cp := *c
	cp.Peers = append([]string(nil), c.Peers...)
	return &cp
}

func cloneMessage(m *gateway.Message) *gateway.Message {
	cp := *m
	cp.Content = append([]byte(nil), m.Content...)
	return &cp
}

func cloneEvent(ev *gateway.Event) *gateway.Event {
	cp := *ev
	if ev.Group != nil {
		cp.Group = cloneGroupState(ev.Group)
	}
	if ev.Conversation != nil {
		cp.Conversation = cloneConvoState(ev.Conversation)
	}
	if ev.Message != nil {
		cp.Message = cloneMessage(ev.Message)
	}
	return &cp
}

// ABOUTME: Client lifecycle - one identity, one local database, one set of live streams
// ABOUTME: Construction from a random identity or an exported key bundle, and teardown

package client

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/2389/converge/internal/config"
	"github.com/2389/converge/internal/gateway"
	"github.com/2389/converge/internal/identity"
	"github.com/2389/converge/internal/store"
	"github.com/2389/converge/internal/stream"
)

// CancelFunc stops a live stream subscription. Idempotent; cancellation
// is local-only and never retroactive for deliveries already in flight.
type CancelFunc func()

// Options configure a client at construction time.
type Options struct {
	// Env is the deployment tier (config.EnvLocal, EnvDev, EnvProduction).
	// Defaults to local. Production tiers reject group-capable clients.
	Env string

	// AppVersion is reported to the gateway for diagnostics.
	AppVersion string

	// DBDir is the directory for the client's database file, which is
	// keyed by the identity address. Ignored when DBPath is set.
	DBDir string

	// DBPath overrides the full database file path.
	DBPath string

	// DBEncryptionKey seals message payloads at rest. Required, 32 bytes.
	DBEncryptionKey []byte

	// Logger for client components. Nil means slog.Default().
	Logger *slog.Logger
}

// Client is one logical messaging client: a single identity bound to a
// single local database and one set of live subscriptions. Clients are
// not shared; distinct devices are distinct Clients.
type Client struct {
	id     *identity.Identity
	env    string
	gw     gateway.Gateway
	store  store.Store
	broker *stream.Broker
	logger *slog.Logger

	mu            sync.Mutex
	groupLocks    map[string]*sync.Mutex
	cancels       []CancelFunc
	allMsgCancels []CancelFunc
	allGrpCancels []CancelFunc

	conversations *Conversations
	contacts      *Contacts
}

// NewRandom creates a client with a freshly generated identity.
func NewRandom(ctx context.Context, gw gateway.Gateway, opts Options) (*Client, error) {
	id, err := identity.NewRandom()
	if err != nil {
		return nil, err
	}
	return build(ctx, gw, id, opts)
}

// FromKeyBundle reconstructs a client from a previously exported key
// bundle. The client binds to the same database file as the original when
// given the same DBDir/DBPath and encryption key.
func FromKeyBundle(ctx context.Context, gw gateway.Gateway, bundle string, opts Options) (*Client, error) {
	id, err := identity.FromKeyBundle(bundle)
	if err != nil {
		return nil, err
	}
	return build(ctx, gw, id, opts)
}

func build(ctx context.Context, gw gateway.Gateway, id *identity.Identity, opts Options) (*Client, error) {
	if opts.Env == "" {
		opts.Env = config.EnvLocal
	}
	if opts.Env == config.EnvProduction {
		return nil, ErrUnsupportedEnvironment
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	path := opts.DBPath
	if path == "" {
		if opts.DBDir == "" {
			return nil, fmt.Errorf("either DBDir or DBPath is required")
		}
		path = filepath.Join(opts.DBDir, "converge-"+identity.Normalize(id.Address())+".db3")
	}

	st, err := store.NewSQLiteStore(path, opts.DBEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("opening local database: %w", err)
	}

	if err := gw.RegisterIdentity(ctx, id.Address()); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering identity: %w", err)
	}

	c := &Client{
		id:         id,
		env:        opts.Env,
		gw:         gw,
		store:      st,
		broker:     stream.New(opts.Logger),
		logger:     opts.Logger.With("component", "client", "address", id.Address()),
		groupLocks: make(map[string]*sync.Mutex),
	}
	c.conversations = &Conversations{c: c}
	c.contacts = &Contacts{c: c}

	c.logger.Debug("client created", "env", opts.Env, "db_path", path)
	return c, nil
}

// Address returns the client's identity address.
func (c *Client) Address() string {
	return c.id.Address()
}

// ExportKeyBundle serializes the client identity for FromKeyBundle.
func (c *Client) ExportKeyBundle() string {
	return c.id.ExportKeyBundle()
}

// Conversations is the group/conversation surface of this client.
func (c *Client) Conversations() *Conversations {
	return c.conversations
}

// Contacts is the consent surface of this client.
func (c *Client) Contacts() *Contacts {
	return c.contacts
}

// CanMessage reports whether an identity is reachable on the network.
func (c *Client) CanMessage(ctx context.Context, addr string) (bool, error) {
	return c.gw.CanMessage(ctx, addr)
}

// CanGroupMessage reports whether every identity supports group messaging.
func (c *Client) CanGroupMessage(ctx context.Context, addrs []string) (bool, error) {
	return c.gw.CanGroupMessage(ctx, addrs)
}

// DeleteLocalDatabase cancels live streams and discards all local state
// for this identity. The remote source of truth is unaffected: a fresh
// client for the same identity sees zero local groups until it syncs.
func (c *Client) DeleteLocalDatabase() error {
	c.cancelAll()
	c.broker.Close()
	return c.store.DeleteDatabase()
}

// Close cancels live streams and releases the local database.
func (c *Client) Close() error {
	c.cancelAll()
	c.broker.Close()
	return c.store.Close()
}

// cancelAll cancels every live stream registered on this client.
func (c *Client) cancelAll() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.allMsgCancels = nil
	c.allGrpCancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// trackCancel registers a stream cancel for teardown.
func (c *Client) trackCancel(cancel CancelFunc) {
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
}

// groupLock returns the mutex serializing mutations of one group's local
// state. Membership changes and log appends for a group never interleave.
func (c *Client) groupLock(groupID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.groupLocks[groupID]
	if !ok {
		lk = &sync.Mutex{}
		c.groupLocks[groupID] = lk
	}
	return lk
}

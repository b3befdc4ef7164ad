// Package client implements the local sync and consent core of a group
// messaging client: a per-identity mirror of network groups, direct
// conversations and message logs, kept consistent by explicit sync
// operations and live event streams.
//
// The core holds no cryptography and no transport. Everything
// authoritative lives behind the gateway.Gateway contract; this package
// reconciles against it and answers reads from the local store. Reads are
// eager by default (they sync first) and lazy on request via skipSync.
package client

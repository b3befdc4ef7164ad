// ABOUTME: Sentinel errors for the client surface
// ABOUTME: Configuration and state errors surfaced to applications

package client

import "errors"

// ErrUnsupportedEnvironment is returned when a group-capable client is
// created against a deployment tier that forbids the feature. Fails fast
// and is not retryable.
var ErrUnsupportedEnvironment = errors.New("group messaging is not supported in this environment")

// ErrGroupInactive is returned when sending to a group the local identity
// has been removed from. History remains readable; send capability does not.
var ErrGroupInactive = errors.New("group is no longer active for this client")

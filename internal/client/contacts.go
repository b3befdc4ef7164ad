// ABOUTME: Contacts - the consent surface over group ids
// ABOUTME: Tri-state consent: unknown until the user decides, then allowed or denied

package client

import (
	"context"

	"github.com/2389/converge/internal/store"
)

// Contacts manages consent state for this client's groups. Consent is a
// local preference layer: it never blocks membership or message storage,
// only what the broad message streams surface.
type Contacts struct {
	c *Client
}

// AllowGroups marks the groups as allowed.
func (ct *Contacts) AllowGroups(ctx context.Context, groupIDs []string) error {
	return ct.c.store.SetConsent(ctx, groupIDs, store.ConsentAllowed)
}

// DenyGroups marks the groups as denied. Their logs keep filling and
// their dedicated streams keep firing; the firehose streams go quiet.
func (ct *Contacts) DenyGroups(ctx context.Context, groupIDs []string) error {
	return ct.c.store.SetConsent(ctx, groupIDs, store.ConsentDenied)
}

// IsGroupAllowed reports whether the group is explicitly allowed. A group
// never decided on reads as neither allowed nor denied.
func (ct *Contacts) IsGroupAllowed(ctx context.Context, groupID string) (bool, error) {
	state, err := ct.c.store.ConsentState(ctx, groupID)
	if err != nil {
		return false, err
	}
	return state == store.ConsentAllowed, nil
}

// IsGroupDenied reports whether the group is explicitly denied.
func (ct *Contacts) IsGroupDenied(ctx context.Context, groupID string) (bool, error) {
	state, err := ct.c.store.ConsentState(ctx, groupID)
	if err != nil {
		return false, err
	}
	return state == store.ConsentDenied, nil
}

// ConsentState returns the raw tri-state value for a group.
func (ct *Contacts) ConsentState(ctx context.Context, groupID string) (store.ConsentState, error) {
	return ct.c.store.ConsentState(ctx, groupID)
}

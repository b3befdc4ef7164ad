// ABOUTME: Tests for the in-process network - creation, fan-out and authorization
// ABOUTME: Covers the creator-exclusion rule for group events and subscription lifecycle

package localnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/converge/internal/gateway"
)

const settle = 100 * time.Millisecond

func register(t *testing.T, n *Network, addrs ...string) {
	t.Helper()
	for _, a := range addrs {
		require.NoError(t, n.RegisterIdentity(context.Background(), a))
	}
}

func drain(ch <-chan *gateway.Event) []*gateway.Event {
	var out []*gateway.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreateGroupNotifiesMembersNotCreator(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	aliceCh, aliceCancel, err := n.Subscribe(context.Background(), gateway.GroupsScope("0xalice"))
	require.NoError(t, err)
	defer aliceCancel()
	bobCh, bobCancel, err := n.Subscribe(context.Background(), gateway.GroupsScope("0xbob"))
	require.NoError(t, err)
	defer bobCancel()

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)
	require.NotEmpty(t, state.ID)
	time.Sleep(settle)

	assert.Empty(t, drain(aliceCh), "creator must not hear its own group")
	bobEvents := drain(bobCh)
	require.Len(t, bobEvents, 1)
	assert.Equal(t, gateway.EventGroupAdded, bobEvents[0].Type)
	assert.Equal(t, state.ID, bobEvents[0].Group.ID)
}

func TestCreateGroupRejectsUnknownMember(t *testing.T) {
	n := New()
	register(t, n, "0xalice")

	_, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xghost"}, "member")
	assert.ErrorIs(t, err, gateway.ErrProtocol)
}

func TestCreateGroupDisabled(t *testing.T) {
	n := New(WithGroupsDisabled())
	register(t, n, "0xalice", "0xbob")

	_, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	assert.ErrorIs(t, err, gateway.ErrProtocol)
}

func TestCreateConversationNotifiesBothParties(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	aliceCh, cancel1, err := n.Subscribe(context.Background(), gateway.ContainersScope("0xalice"))
	require.NoError(t, err)
	defer cancel1()
	bobCh, cancel2, err := n.Subscribe(context.Background(), gateway.ContainersScope("0xbob"))
	require.NoError(t, err)
	defer cancel2()

	_, err = n.CreateConversation(context.Background(), "0xalice", "0xbob")
	require.NoError(t, err)
	time.Sleep(settle)

	assert.Len(t, drain(aliceCh), 1, "conversation creator hears its own container")
	assert.Len(t, drain(bobCh), 1)
}

func TestFetchConversations(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob", "0xcarol")

	_, err := n.CreateConversation(context.Background(), "0xalice", "0xbob")
	require.NoError(t, err)

	convos, err := n.FetchConversations(context.Background(), "0xBOB")
	require.NoError(t, err)
	require.Len(t, convos, 1, "party lookup is case-insensitive")

	convos, err = n.FetchConversations(context.Background(), "0xcarol")
	require.NoError(t, err)
	assert.Empty(t, convos)
}

func TestPublishAssignsSequences(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)

	m1, err := n.Publish(context.Background(), "0xalice", state.ID, []byte("first"))
	require.NoError(t, err)
	m2, err := n.Publish(context.Background(), "0xbob", state.ID, []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	assert.True(t, m1.IsGroup)
}

func TestPublishRejectsNonMember(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob", "0xeve")

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)

	_, err = n.Publish(context.Background(), "0xeve", state.ID, []byte("intrusion"))
	assert.ErrorIs(t, err, gateway.ErrProtocol)
}

func TestFetchNewMessagesCursor(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := n.Publish(context.Background(), "0xalice", state.ID, []byte("x"))
		require.NoError(t, err)
	}

	msgs, err := n.FetchNewMessages(context.Background(), state.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Seq)
	assert.Equal(t, int64(3), msgs[1].Seq)
}

func TestBurstDeliveryInConfirmationOrder(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	state, err := n.CreateConversation(context.Background(), "0xalice", "0xbob")
	require.NoError(t, err)

	ch, cancel, err := n.Subscribe(context.Background(), gateway.DirectMessagesScope("0xbob"))
	require.NoError(t, err)
	defer cancel()

	const burst = 60
	for i := 0; i < burst; i++ {
		_, err := n.Publish(context.Background(), "0xalice", state.ID, []byte("x"))
		require.NoError(t, err)
	}

	events := drain(ch)
	require.Len(t, events, burst)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Message.Seq)
	}
}

func TestCreatorAdminAuthorization(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob", "0xcarol")

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "creator_admin")
	require.NoError(t, err)

	err = n.CommitAddMembers(context.Background(), state.ID, "0xbob", []string{"0xcarol"})
	assert.ErrorIs(t, err, gateway.ErrProtocol)

	require.NoError(t, n.CommitAddMembers(context.Background(), state.ID, "0xalice", []string{"0xcarol"}))

	got, err := n.FetchGroupState(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 3)
}

func TestCommitAddMembersNotifiesOnlyNewMembers(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob", "0xcarol")

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)
	time.Sleep(settle)

	bobCh, cancel1, err := n.Subscribe(context.Background(), gateway.GroupsScope("0xbob"))
	require.NoError(t, err)
	defer cancel1()
	carolCh, cancel2, err := n.Subscribe(context.Background(), gateway.GroupsScope("0xcarol"))
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, n.CommitAddMembers(context.Background(), state.ID, "0xbob", []string{"0xcarol"}))
	time.Sleep(settle)

	assert.Empty(t, drain(bobCh))
	assert.Len(t, drain(carolCh), 1)
}

func TestCommitRemoveMembersSilent(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	state, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)
	time.Sleep(settle)

	bobCh, cancel, err := n.Subscribe(context.Background(), gateway.GroupsScope("0xbob"))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.CommitRemoveMembers(context.Background(), state.ID, "0xalice", []string{"0xbob"}))
	time.Sleep(settle)

	assert.Empty(t, drain(bobCh), "removal produces no event")

	got, err := n.FetchGroupState(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xalice"}, got.Members)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	n := New()
	register(t, n, "0xalice")

	ch, cancel, err := n.Subscribe(context.Background(), gateway.GroupsScope("0xalice"))
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestMessageScopes(t *testing.T) {
	n := New()
	register(t, n, "0xalice", "0xbob")

	gState, err := n.CreateGroup(context.Background(), "0xalice", []string{"0xbob"}, "member")
	require.NoError(t, err)
	cState, err := n.CreateConversation(context.Background(), "0xalice", "0xbob")
	require.NoError(t, err)

	allCh, cancel1, err := n.Subscribe(context.Background(), gateway.AllMessagesScope("0xbob"))
	require.NoError(t, err)
	defer cancel1()
	grpCh, cancel2, err := n.Subscribe(context.Background(), gateway.AllGroupMessagesScope("0xbob"))
	require.NoError(t, err)
	defer cancel2()
	dirCh, cancel3, err := n.Subscribe(context.Background(), gateway.DirectMessagesScope("0xbob"))
	require.NoError(t, err)
	defer cancel3()

	_, err = n.Publish(context.Background(), "0xalice", gState.ID, []byte("to group"))
	require.NoError(t, err)
	_, err = n.Publish(context.Background(), "0xalice", cState.ID, []byte("to direct"))
	require.NoError(t, err)
	time.Sleep(settle)

	assert.Len(t, drain(allCh), 2)
	assert.Len(t, drain(grpCh), 1)
	assert.Len(t, drain(dirCh), 1)
}

func TestCanMessage(t *testing.T) {
	n := New()
	register(t, n, "0xalice")

	ok, err := n.CanMessage(context.Background(), "0xALICE")
	require.NoError(t, err)
	assert.True(t, ok, "reachability is case-insensitive")

	ok, err = n.CanMessage(context.Background(), "0xghost")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = n.CanGroupMessage(context.Background(), []string{"0xalice", "0xghost"})
	require.NoError(t, err)
	assert.False(t, ok)
}

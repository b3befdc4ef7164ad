// ABOUTME: Tests for the SQLite store - groups, membership, messages and consent
// ABOUTME: Covers idempotent writes, ordering guarantees and at-rest payload sealing

package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, EncryptionKeySize)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db3"), key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testGroup(id string) *Group {
	return &Group{
		ID:              id,
		Topic:           "/converge/1/g-" + id + "/proto",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		PermissionLevel: PermissionMember,
		AdminAddress:    "0xadmin",
		Active:          true,
	}
}

func TestNewSQLiteStoreRejectsBadKey(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db3"), []byte("short"))
	assert.ErrorContains(t, err, "encryption key")
}

func TestSaveGroupIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.SaveGroup(ctx, testGroup("g1"), []string{"0xAAA", "0xBBB"})
	require.NoError(t, err)
	assert.True(t, created)

	// Second save of the same id is a no-op and must not touch members.
	created, err = s.SaveGroup(ctx, testGroup("g1"), []string{"0xCCC"})
	require.NoError(t, err)
	assert.False(t, created)

	members, err := s.GroupMembers(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0xAAA", "0xBBB"}, members)
}

func TestSaveGroupSeedsConsentUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveGroup(ctx, testGroup("g1"), nil)
	require.NoError(t, err)

	state, err := s.ConsentState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, ConsentUnknown, state)
}

func TestGetGroupNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetGroup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListGroupsOrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"g-c", "g-a", "g-b"} {
		g := testGroup(id)
		g.CreatedAt = base.Add(time.Duration(2-i) * time.Minute)
		_, err := s.SaveGroup(ctx, g, nil)
		require.NoError(t, err)
	}

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "g-b", groups[0].ID)
	assert.Equal(t, "g-a", groups[1].ID)
	assert.Equal(t, "g-c", groups[2].ID)
}

func TestListGroupsTieBreakOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"g-b", "g-a"} {
		g := testGroup(id)
		g.CreatedAt = at
		_, err := s.SaveGroup(ctx, g, nil)
		require.NoError(t, err)
	}

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "g-a", groups[0].ID)
	assert.Equal(t, "g-b", groups[1].ID)
}

func TestSetGroupActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveGroup(ctx, testGroup("g1"), nil)
	require.NoError(t, err)

	require.NoError(t, s.SetGroupActive(ctx, "g1", false))

	g, err := s.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, g.Active)

	assert.ErrorIs(t, s.SetGroupActive(ctx, "missing", false), ErrNotFound)
}

func TestMembershipMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveGroup(ctx, testGroup("g1"), []string{"0xAAA"})
	require.NoError(t, err)

	require.NoError(t, s.AddGroupMembers(ctx, "g1", []string{"0xBBB", "0xBBB", "0xCCC"}))
	members, err := s.GroupMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	// Removal matches case-insensitively.
	require.NoError(t, s.RemoveGroupMembers(ctx, "g1", []string{"0xbbb"}))
	members, err = s.GroupMembers(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0xAAA", "0xCCC"}, members)

	require.NoError(t, s.ReplaceGroupMembers(ctx, "g1", []string{"0xDDD"}))
	members, err = s.GroupMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xDDD"}, members)
}

func TestSaveConversationIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convo := &Conversation{ID: "c1", Topic: "t", PeerAddress: "0xpeer", CreatedAt: time.Now().UTC()}
	created, err := s.SaveConversation(ctx, convo)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SaveConversation(ctx, convo)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "0xpeer", got.PeerAddress)
}

func appendTestMessages(t *testing.T, s *SQLiteStore, convoKey string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := s.AppendMessage(context.Background(), &Message{
			ID:            fmt.Sprintf("%s-m%d", convoKey, i),
			ConvoKey:      convoKey,
			Seq:           int64(i),
			SenderAddress: "0xsender",
			SentAt:        time.Now().UTC(),
			Content:       []byte(fmt.Sprintf("message %d", i)),
		})
		require.NoError(t, err)
	}
}

func TestAppendMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:            "m1",
		ConvoKey:      "g1",
		Seq:           1,
		SenderAddress: "0xsender",
		SentAt:        time.Now().UTC(),
		Content:       []byte("hello, world"),
	}

	created, err := s.AppendMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.AppendMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)

	msgs, err := s.ListMessages(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello, world"), msgs[0].Content)
}

func TestListMessagesMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	appendTestMessages(t, s, "g1", 3)

	msgs, err := s.ListMessages(context.Background(), "g1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, int64(1), msgs[2].Seq)
}

func TestListMessagesLimit(t *testing.T) {
	s := newTestStore(t)
	appendTestMessages(t, s, "g1", 5)

	msgs, err := s.ListMessages(context.Background(), "g1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(5), msgs[0].Seq)
	assert.Equal(t, int64(4), msgs[1].Seq)
}

func TestListMessagesNegativeLimit(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ListMessages(context.Background(), "g1", -1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestListMessagesScopedToConversation(t *testing.T) {
	s := newTestStore(t)
	appendTestMessages(t, s, "g1", 2)
	appendTestMessages(t, s, "g2", 1)

	msgs, err := s.ListMessages(context.Background(), "g2", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMaxSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.MaxSeq(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	appendTestMessages(t, s, "g1", 4)
	seq, err = s.MaxSeq(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestMessagesSealedAtRest(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, EncryptionKeySize)
	path := filepath.Join(t.TempDir(), "sealed.db3")
	s, err := NewSQLiteStore(path, key)
	require.NoError(t, err)

	plaintext := []byte("the payload never touches disk in the clear")
	_, err = s.AppendMessage(context.Background(), &Message{
		ID: "m1", ConvoKey: "g1", Seq: 1, SenderAddress: "0xs",
		SentAt: time.Now().UTC(), Content: plaintext,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(plaintext))
}

func TestConsentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConsent(ctx, []string{"g1", "g2"}, ConsentAllowed))

	state, err := s.ConsentState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, ConsentAllowed, state)

	require.NoError(t, s.SetConsent(ctx, []string{"g1"}, ConsentDenied))
	state, err = s.ConsentState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, ConsentDenied, state)

	// g2 is untouched by the second write.
	state, err = s.ConsentState(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, ConsentAllowed, state)
}

func TestConsentUnknownGroup(t *testing.T) {
	s := newTestStore(t)

	state, err := s.ConsentState(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, ConsentUnknown, state)
}

func TestDeleteDatabase(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, EncryptionKeySize)
	path := filepath.Join(t.TempDir(), "del.db3")
	s, err := NewSQLiteStore(path, key)
	require.NoError(t, err)

	_, err = s.SaveGroup(context.Background(), testGroup("g1"), nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteDatabase())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// A fresh store at the same path starts empty.
	s2, err := NewSQLiteStore(path, key)
	require.NoError(t, err)
	defer s2.Close()
	groups, err := s2.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: One database file per client identity, schema created automatically

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/converge/internal/identity"

	_ "modernc.org/sqlite"
)

// EncryptionKeySize is the required length of a client db encryption key.
const EncryptionKeySize = 32

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	cipher *payloadCipher
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. Message
// payloads are sealed at rest under encryptionKey, which must be exactly
// EncryptionKeySize bytes. The schema is created if it doesn't exist and
// parent directories are created if needed.
func NewSQLiteStore(path string, encryptionKey []byte) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if len(encryptionKey) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(encryptionKey))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	cipher, err := newPayloadCipher(encryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		cipher: cipher,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS groups (
			id               TEXT PRIMARY KEY,
			topic            TEXT NOT NULL,
			created_at       DATETIME NOT NULL,
			permission_level TEXT NOT NULL,
			admin_address    TEXT NOT NULL,
			active           INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_groups_created ON groups(created_at);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id      TEXT NOT NULL,
			address       TEXT NOT NULL,
			address_lower TEXT NOT NULL,
			PRIMARY KEY (group_id, address_lower),
			FOREIGN KEY (group_id) REFERENCES groups(id)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			topic        TEXT NOT NULL,
			peer_address TEXT NOT NULL,
			created_at   DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			convo_key      TEXT NOT NULL,
			seq            INTEGER NOT NULL,
			sender_address TEXT NOT NULL,
			sent_at        DATETIME NOT NULL,
			content        BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_convo_seq ON messages(convo_key, seq);

		CREATE TABLE IF NOT EXISTS consent (
			group_id TEXT PRIMARY KEY,
			state    TEXT NOT NULL,

			CHECK (state IN ('unknown', 'allowed', 'denied'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveGroup inserts a group with its initial member set. Reports
// created=false without touching existing state when the id is known.
func (s *SQLiteStore) SaveGroup(ctx context.Context, group *Group, members []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO groups (id, topic, created_at, permission_level, admin_address, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		group.ID, group.Topic, group.CreatedAt.UTC(), group.PermissionLevel, group.AdminAddress, boolToInt(group.Active))
	if err != nil {
		return false, fmt.Errorf("inserting group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for _, addr := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, address, address_lower)
			VALUES (?, ?, ?)`,
			group.ID, addr, identity.Normalize(addr)); err != nil {
			return false, fmt.Errorf("inserting member: %w", err)
		}
	}

	// Every known group has a consent row; receivers start at unknown.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO consent (group_id, state) VALUES (?, ?)`,
		group.ID, string(ConsentUnknown)); err != nil {
		return false, fmt.Errorf("inserting consent default: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing group: %w", err)
	}
	return true, nil
}

// GetGroup returns a group by id, or ErrNotFound.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, created_at, permission_level, admin_address, active
		FROM groups WHERE id = ?`, id)
	return scanGroup(row)
}

// ListGroups returns all locally known groups ordered by creation time,
// ties broken by id for a stable total order.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, created_at, permission_level, admin_address, active
		FROM groups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetGroupActive updates the active flag for a group.
func (s *SQLiteStore) SetGroupActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("updating group active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateGroupAdmin records an admin change observed during reconciliation.
func (s *SQLiteStore) UpdateGroupAdmin(ctx context.Context, id, adminAddress string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET admin_address = ? WHERE id = ?`, adminAddress, id)
	if err != nil {
		return fmt.Errorf("updating group admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupMembers returns the current member addresses in display casing.
func (s *SQLiteStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM group_members WHERE group_id = ? ORDER BY address_lower`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// AddGroupMembers inserts addresses into a group's member set. Adding an
// address already present is a no-op for that address.
func (s *SQLiteStore) AddGroupMembers(ctx context.Context, groupID string, addrs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, addr := range addrs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, address, address_lower)
			VALUES (?, ?, ?)`,
			groupID, addr, identity.Normalize(addr)); err != nil {
			return fmt.Errorf("inserting member: %w", err)
		}
	}
	return tx.Commit()
}

// RemoveGroupMembers deletes addresses from a group's member set.
func (s *SQLiteStore) RemoveGroupMembers(ctx context.Context, groupID string, addrs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, addr := range addrs {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM group_members WHERE group_id = ? AND address_lower = ?`,
			groupID, identity.Normalize(addr)); err != nil {
			return fmt.Errorf("deleting member: %w", err)
		}
	}
	return tx.Commit()
}

// ReplaceGroupMembers swaps the entire member set for a group atomically.
func (s *SQLiteStore) ReplaceGroupMembers(ctx context.Context, groupID string, addrs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("clearing members: %w", err)
	}
	for _, addr := range addrs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, address, address_lower)
			VALUES (?, ?, ?)`,
			groupID, addr, identity.Normalize(addr)); err != nil {
			return fmt.Errorf("inserting member: %w", err)
		}
	}
	return tx.Commit()
}

// SaveConversation inserts a direct conversation, reporting created=false
// if the id is already known.
func (s *SQLiteStore) SaveConversation(ctx context.Context, convo *Conversation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, topic, peer_address, created_at)
		VALUES (?, ?, ?, ?)`,
		convo.ID, convo.Topic, convo.PeerAddress, convo.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("inserting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, peer_address, created_at FROM conversations WHERE id = ?`, id)

	var c Conversation
	if err := row.Scan(&c.ID, &c.Topic, &c.PeerAddress, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns all direct conversations ordered by creation
// time, ties broken by id.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, peer_address, created_at
		FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convos []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Topic, &c.PeerAddress, &c.CreatedAt); err != nil {
			return nil, err
		}
		convos = append(convos, &c)
	}
	return convos, rows.Err()
}

// AppendMessage appends a message to the log, sealing its content at rest.
// Idempotent by message id.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (bool, error) {
	sealed, err := s.cipher.seal(msg.Content, msg.ConvoKey)
	if err != nil {
		return false, fmt.Errorf("sealing payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, convo_key, seq, sender_address, sent_at, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConvoKey, msg.Seq, msg.SenderAddress, msg.SentAt.UTC(), sealed)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns messages for a conversation most-recent-first.
// limit 0 returns all known messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, convoKey string, limit int) ([]*Message, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}

	query := `
		SELECT id, convo_key, seq, sender_address, sent_at, content
		FROM messages WHERE convo_key = ? ORDER BY seq DESC`
	args := []any{convoKey}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var sealed []byte
		if err := rows.Scan(&m.ID, &m.ConvoKey, &m.Seq, &m.SenderAddress, &m.SentAt, &sealed); err != nil {
			return nil, err
		}
		m.Content, err = s.cipher.open(sealed, m.ConvoKey)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MaxSeq returns the highest sequence recorded for a conversation, 0 when
// none. This is the cursor handed to the gateway when pulling new messages.
func (s *SQLiteStore) MaxSeq(ctx context.Context, convoKey string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM messages WHERE convo_key = ?`, convoKey).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading max seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// ConsentState returns the consent state for a group id. Unknown ids read
// as ConsentUnknown.
func (s *SQLiteStore) ConsentState(ctx context.Context, groupID string) (ConsentState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM consent WHERE group_id = ?`, groupID).Scan(&state)
	if err == sql.ErrNoRows {
		return ConsentUnknown, nil
	}
	if err != nil {
		return ConsentUnknown, fmt.Errorf("reading consent: %w", err)
	}
	return ConsentState(state), nil
}

// SetConsent records a consent state for each group id. Last writer wins;
// each call is atomic with respect to concurrent callers.
func (s *SQLiteStore) SetConsent(ctx context.Context, groupIDs []string, state ConsentState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range groupIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consent (group_id, state) VALUES (?, ?)
			ON CONFLICT(group_id) DO UPDATE SET state = excluded.state`,
			id, string(state)); err != nil {
			return fmt.Errorf("writing consent: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DeleteDatabase closes the store and removes the database file. The
// remote source of truth is unaffected.
func (s *SQLiteStore) DeleteDatabase() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing database file: %w", err)
	}
	// WAL sidecar files, if present
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")
	s.logger.Debug("local database deleted", "path", s.path)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var active int
	var created time.Time
	if err := row.Scan(&g.ID, &g.Topic, &created, &g.PermissionLevel, &g.AdminAddress, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning group: %w", err)
	}
	g.CreatedAt = created
	g.Active = active != 0
	return &g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists conversations and messages. Conversation lookups are
// always scoped to a tenant.
type Store interface {
	ListForUser(ctx context.Context, tenant string, userID int64) ([]Listing, error)
	FindOrCreateDirect(ctx context.Context, tenant string, a, b int64) (*Conversation, bool, error)
	CreateGroup(ctx context.Context, tenant string, creator int64, participantIDs []int64, name, avatar string) (*Conversation, error)
	Get(ctx context.Context, tenant string, id int64) (*Conversation, error)

	// SaveMessage assigns the id and timestamp and moves the conversation's
	// last activity to that timestamp in the same write.
	SaveMessage(ctx context.Context, m *Message) (*Message, error)
	Messages(ctx context.Context, conversationID int64) ([]Message, error)
	GetMessage(ctx context.Context, tenant string, id int64) (*Message, error)
	MarkRead(ctx context.Context, messageID, userID int64) (bool, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgForeignKeyViolation = "23503"

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

type scanner interface{ Scan(...any) error }

const conversationColumns = `c.id, c.company_id, c.is_group, c.created_at, c.updated_at,
	g.group_name, g.group_avatar, g.created_by`

func scanConversation(row scanner, c *Conversation, extra ...any) error {
	var (
		name, avatar sql.NullString
		createdBy    sql.NullInt64
	)
	dest := append([]any{&c.ID, &c.CompanyID, &c.IsGroup, &c.CreatedAt, &c.UpdatedAt, &name, &avatar, &createdBy}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if name.Valid {
		c.Group = &GroupInfo{Name: name.String, Avatar: avatar.String, CreatedBy: createdBy.Int64}
	}
	return nil
}

func (r *PostgresStore) ListForUser(ctx context.Context, tenant string, userID int64) ([]Listing, error) {
	query := `
		SELECT ` + conversationColumns + `,
			MAX(m.sent_at) AS last_message_at,
			COUNT(m.id) FILTER (WHERE r.user_id IS NULL) AS unread
		FROM chat_conversations c
		JOIN chat_participants p ON p.conversation_id = c.id AND p.user_id = $2
		LEFT JOIN chat_groups g ON g.conversation_id = c.id
		LEFT JOIN chat_messages m ON m.conversation_id = c.id
		LEFT JOIN chat_message_reads r ON r.message_id = m.id AND r.user_id = $2
		WHERE c.company_id = $1
		GROUP BY c.id, g.conversation_id
		ORDER BY last_message_at DESC NULLS LAST, c.updated_at DESC, c.id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, tenant, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		var (
			l    Listing
			last sql.NullTime
		)
		if err := scanConversation(rows, &l.Conversation, &last, &l.UnreadCount); err != nil {
			return nil, err
		}
		if last.Valid {
			ts := last.Time
			l.LastMessageAt = &ts
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int64, len(listings))
	for i := range listings {
		ids[i] = listings[i].ID
	}
	members, err := r.membership(ctx, "chat_participants", ids)
	if err != nil {
		return nil, err
	}
	admins, err := r.membership(ctx, "chat_group_admins", ids)
	if err != nil {
		return nil, err
	}
	for i := range listings {
		c := &listings[i].Conversation
		c.ParticipantIDs = members[c.ID]
		if c.Group != nil {
			c.Group.AdminIDs = admins[c.ID]
		}
	}
	return listings, nil
}

// membership loads (conversation_id, user_id) rows from a membership table.
func (r *PostgresStore) membership(ctx context.Context, table string, conversationIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT conversation_id, user_id FROM "+table+" WHERE conversation_id = ANY($1) ORDER BY conversation_id, user_id",
		conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID int64
		if err := rows.Scan(&convID, &userID); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], userID)
	}
	return out, rows.Err()
}

// FindOrCreateDirect relies on the unique (company_id, direct_key) index:
// of two concurrent callers exactly one inserts, the other finds its row.
func (r *PostgresStore) FindOrCreateDirect(ctx context.Context, tenant string, a, b int64) (*Conversation, bool, error) {
	if a == b {
		return nil, false, ErrInvalidParticipants
	}
	key := directKey(a, b)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO chat_conversations (company_id, is_group, direct_key)
		 VALUES ($1, FALSE, $2)
		 ON CONFLICT (company_id, direct_key) DO NOTHING
		 RETURNING id`,
		tenant, key).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		if err := r.db.QueryRowContext(ctx,
			`SELECT id FROM chat_conversations WHERE company_id = $1 AND direct_key = $2`,
			tenant, key).Scan(&id); err != nil {
			return nil, false, fmt.Errorf("find direct conversation: %w", err)
		}
		c, err := r.Get(ctx, tenant, id)
		return c, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create direct conversation: %w", err)
	}

	if err := insertMembers(ctx, tx, "chat_participants", id, []int64{a, b}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	c, err := r.Get(ctx, tenant, id)
	return c, false, err
}

func (r *PostgresStore) CreateGroup(ctx context.Context, tenant string, creator int64, participantIDs []int64, name, avatar string) (*Conversation, error) {
	members := memberSet(creator, participantIDs)
	if len(members) <= 2 {
		return nil, ErrGroupTooSmall
	}
	group := newGroupInfo(creator, name, avatar)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO chat_conversations (company_id, is_group) VALUES ($1, TRUE) RETURNING id`,
		tenant).Scan(&id); err != nil {
		return nil, fmt.Errorf("create group conversation: %w", err)
	}
	if err := insertMembers(ctx, tx, "chat_participants", id, members); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_groups (conversation_id, group_name, group_avatar, created_by) VALUES ($1, $2, $3, $4)`,
		id, group.Name, group.Avatar, group.CreatedBy); err != nil {
		return nil, fmt.Errorf("create group info: %w", err)
	}
	if err := insertMembers(ctx, tx, "chat_group_admins", id, group.AdminIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.Get(ctx, tenant, id)
}

func insertMembers(ctx context.Context, tx *sql.Tx, table string, conversationID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			conversationID, uid)
		if err != nil {
			if pgCode(err) == pgForeignKeyViolation {
				return ErrInvalidParticipants
			}
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

func (r *PostgresStore) Get(ctx context.Context, tenant string, id int64) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM chat_conversations c
		LEFT JOIN chat_groups g ON g.conversation_id = c.id
		WHERE c.id = $1 AND c.company_id = $2`

	var c Conversation
	if err := scanConversation(r.db.QueryRowContext(ctx, query, id, tenant), &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}

	members, err := r.membership(ctx, "chat_participants", []int64{id})
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = members[id]
	if c.Group != nil {
		admins, err := r.membership(ctx, "chat_group_admins", []int64{id})
		if err != nil {
			return nil, err
		}
		c.Group.AdminIDs = admins[id]
	}
	return &c, nil
}

func (r *PostgresStore) SaveMessage(ctx context.Context, m *Message) (*Message, error) {
	keys := m.EncryptedKeys
	if keys == nil {
		keys = map[string]string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	saved := cloneMessage(m)
	err = tx.QueryRowContext(ctx,
		`INSERT INTO chat_messages
			(conversation_id, sender_id, company_id, text, encrypted_content, encrypted_keys, encrypted_mac)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, sent_at`,
		m.ConversationID, m.SenderID, m.CompanyID, m.Text, m.EncryptedContent, string(keysJSON), m.EncryptedMAC,
	).Scan(&saved.ID, &saved.Timestamp)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	saved.ReadBy = uniqueIDs(m.ReadBy)
	for _, uid := range saved.ReadBy {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_message_reads (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			saved.ID, uid); err != nil {
			return nil, fmt.Errorf("mark message read: %w", err)
		}
	}

	if err := touch(ctx, tx, m.ConversationID, saved.Timestamp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func touch(ctx context.Context, tx *sql.Tx, conversationID int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE chat_conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		conversationID, at)
	if err != nil {
		return fmt.Errorf("touch conversation %d: %w", conversationID, err)
	}
	return nil
}

const messageColumns = `id, conversation_id, sender_id, company_id, text,
	encrypted_content, encrypted_keys, encrypted_mac, sent_at`

func scanMessage(row scanner, m *Message) error {
	var keys []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.CompanyID, &m.Text,
		&m.EncryptedContent, &keys, &m.EncryptedMAC, &m.Timestamp); err != nil {
		return err
	}
	m.EncryptedKeys = map[string]string{}
	if len(keys) > 0 {
		// A row whose key map cannot be decoded is read as plaintext-only.
		if err := json.Unmarshal(keys, &m.EncryptedKeys); err != nil {
			m.EncryptedKeys = map[string]string{}
		}
	}
	return nil
}

func (r *PostgresStore) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE conversation_id = $1
		 ORDER BY sent_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	readers, err := r.readers(ctx,
		`SELECT r.message_id, r.user_id FROM chat_message_reads r
		 JOIN chat_messages m ON m.id = r.message_id
		 WHERE m.conversation_id = $1
		 ORDER BY r.read_at, r.user_id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].ReadBy = readers[messages[i].ID]
	}
	return messages, nil
}

func (r *PostgresStore) readers(ctx context.Context, query string, args ...any) (map[int64][]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load readers: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var msgID, userID int64
		if err := rows.Scan(&msgID, &userID); err != nil {
			return nil, err
		}
		out[msgID] = append(out[msgID], userID)
	}
	return out, rows.Err()
}

func (r *PostgresStore) GetMessage(ctx context.Context, tenant string, id int64) (*Message, error) {
	var m Message
	err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = $1 AND company_id = $2`,
		id, tenant), &m)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}

	readers, err := r.readers(ctx,
		`SELECT message_id, user_id FROM chat_message_reads WHERE message_id = $1 ORDER BY read_at, user_id`, id)
	if err != nil {
		return nil, err
	}
	m.ReadBy = readers[id]
	return &m, nil
}

// MarkRead reports whether the reader was newly added.
func (r *PostgresStore) MarkRead(ctx context.Context, messageID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_message_reads (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, userID)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return false, ErrMessageNotFound
		}
		return false, fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// memberSet is the creator plus participantIDs, deduplicated and sorted.
func memberSet(creator int64, participantIDs []int64) []int64 {
	return uniqueIDs(append([]int64{creator}, participantIDs...))
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func newGroupInfo(creator int64, name, avatar string) *GroupInfo {
	if name == "" {
		name = DefaultGroupName
	}
	return &GroupInfo{Name: name, Avatar: avatar, AdminIDs: []int64{creator}, CreatedBy: creator}
}

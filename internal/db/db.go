package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// schema is applied in order on every start; each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(150) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		first_name VARCHAR(150) NOT NULL DEFAULT '',
		last_name VARCHAR(150) NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL DEFAULT '',
		company_id VARCHAR(64) NOT NULL DEFAULT '',
		rsa_public_key TEXT,
		rsa_private_key TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS users_company_id ON users (company_id)`,

	// direct_key is "<low id>:<high id>" for direct conversations and NULL
	// for groups, so the unique constraint only binds direct ones.
	`CREATE TABLE IF NOT EXISTS chat_conversations (
		id BIGSERIAL PRIMARY KEY,
		company_id VARCHAR(64) NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		direct_key VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (company_id, direct_key)
	)`,

	`CREATE TABLE IF NOT EXISTS chat_participants (
		conversation_id BIGINT REFERENCES chat_conversations(id) ON DELETE CASCADE,
		user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS chat_participants_user_id ON chat_participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS chat_groups (
		conversation_id BIGINT PRIMARY KEY REFERENCES chat_conversations(id) ON DELETE CASCADE,
		group_name VARCHAR(255) NOT NULL,
		group_avatar TEXT NOT NULL DEFAULT '',
		created_by BIGINT REFERENCES users(id) ON DELETE SET NULL
	)`,

	`CREATE TABLE IF NOT EXISTS chat_group_admins (
		conversation_id BIGINT REFERENCES chat_groups(conversation_id) ON DELETE CASCADE,
		user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES chat_conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		company_id VARCHAR(64) NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		encrypted_content TEXT NOT NULL DEFAULT '',
		encrypted_keys JSONB NOT NULL DEFAULT '{}',
		encrypted_mac TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_conversation_sent_at ON chat_messages (conversation_id, sent_at)`,

	`CREATE TABLE IF NOT EXISTS chat_message_reads (
		message_id BIGINT REFERENCES chat_messages(id) ON DELETE CASCADE,
		user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
		read_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id)
	)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Package store provides the SQLite-backed relational collaborators the
// relay core consumes: group membership resolution and message persistence.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harborchat/relay/internal/server"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

var (
	_ server.MembershipResolver = (*DB)(nil)
	_ server.MessageStore       = (*DB)(nil)
)

// Open opens the SQLite database at the given path and initializes the
// schema if needed. WAL mode allows concurrent readers alongside the single
// writer.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	description TEXT,
	owner_id    INTEGER NOT NULL REFERENCES users(id),
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id INTEGER NOT NULL REFERENCES groups(id),
	user_id  INTEGER NOT NULL REFERENCES users(id),
	role     TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id   INTEGER NOT NULL,
	receiver_id INTEGER,
	group_id    INTEGER,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, created_at);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// MembersOf returns the user ids currently belonging to the group.
func (db *DB) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// SaveMessage persists one message event. The router calls this before
// fanning the event out to live sessions.
func (db *DB) SaveMessage(ctx context.Context, evt *server.Event) error {
	content := ""
	if evt.Content != nil {
		content = *evt.Content
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, group_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		evt.UserID, evt.ReceiverID, evt.GroupID, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// CreateUser inserts a user and returns its id.
func (db *DB) CreateUser(ctx context.Context, username string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)`, username, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

// CreateGroup inserts a group and enrolls the owner as its first member.
func (db *DB) CreateGroup(ctx context.Context, name, description string, ownerID int64) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO groups (name, description, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		name, description, ownerID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create group: %w", err)
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, 'owner')`,
		groupID, ownerID); err != nil {
		return 0, fmt.Errorf("failed to enroll owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return groupID, nil
}

// AddMember enrolls a user in a group. Adding an existing member is a no-op.
func (db *DB) AddMember(ctx context.Context, groupID, userID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveMember drops a user from a group.
func (db *DB) RemoveMember(ctx context.Context, groupID, userID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withConnParams(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	// Shared-cache connections fail with SQLITE_LOCKED instead of waiting on
	// the busy timeout, so they are serialized the same way.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, "cache=shared") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// withConnParams adds the connection options every store relies on unless the
// DSN already sets them: foreign keys, a busy timeout so concurrent writers
// wait for the lock, and immediate transactions so a writer takes the lock
// before it reads.
func withConnParams(dsn string) string {
	params := []struct{ key, alias, value string }{
		{"_foreign_keys", "_fk", "on"},
		{"_busy_timeout", "_timeout", "5000"},
		{"_txlock", "_txlock", "immediate"},
	}
	for _, p := range params {
		if strings.Contains(dsn, p.key+"=") || strings.Contains(dsn, p.alias+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + p.key + "=" + p.value
	}
	return dsn
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			is_public BOOLEAN NOT NULL DEFAULT 0,
			is_hidden BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, is_hidden, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			parent_id INTEGER,
			model TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			type TEXT NOT NULL CHECK (type IN ('text', 'image')),
			content TEXT NOT NULL,
			tokens_count INTEGER NOT NULL DEFAULT 0,
			response_id TEXT,
			use_web_search BOOLEAN NOT NULL DEFAULT 0,
			use_reasoning BOOLEAN NOT NULL DEFAULT 0,
			reasoning_effort TEXT,
			image_size TEXT,
			image_quality TEXT,
			is_done BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY (parent_id) REFERENCES messages(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			message_id INTEGER,
			url TEXT NOT NULL,
			size INTEGER,
			type TEXT NOT NULL CHECK (type IN ('image', 'file')),
			expires_at DATETIME,
			vector_store TEXT,
			is_ready BOOLEAN NOT NULL,
			is_expired BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_message ON files(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_files_expiry ON files(is_expired, expires_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, is_public, is_hidden, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.IsPublic, c.IsHidden, c.CreatedAt, c.UpdatedAt)
	return errors.Wrap(err, "failed to create conversation")
}

const conversationColumns = `id, user_id, title, is_public, is_hidden, created_at, updated_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.IsPublic, &c.IsHidden, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	return c, nil
}

// ListConversations lists conversations newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, find FindConversation) ([]domain.Conversation, error) {
	where, args := []string{"1 = 1"}, []interface{}{}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.IsHidden != nil {
		where, args = append(where, "is_hidden = ?"), append(args, *find.IsHidden)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", find.Limit, find.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	conversations := []domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}

// UpdateConversation updates the non-nil fields of a conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, update UpdateConversation) error {
	return updateConversation(ctx, s.db, update)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updateConversation(ctx context.Context, db execer, update UpdateConversation) error {
	set, args := []string{"updated_at = ?"}, []interface{}{time.Now().UTC()}
	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.IsHidden != nil {
		set, args = append(set, "is_hidden = ?"), append(args, *update.IsHidden)
	}
	if update.IsPublic != nil {
		set, args = append(set, "is_public = ?"), append(args, *update.IsPublic)
	}
	args = append(args, update.ID)
	_, err := db.ExecContext(ctx, `UPDATE conversations SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	return errors.Wrap(err, "failed to update conversation")
}

// CreateMessage inserts a message and sets its ID.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	return insertMessage(ctx, s.db, m)
}

func insertMessage(ctx context.Context, db execer, m *domain.Message) error {
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	var parentID sql.NullInt64
	if m.ParentID != nil {
		parentID = sql.NullInt64{Int64: *m.ParentID, Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, parent_id, model, role, type, content, tokens_count, response_id,
			use_web_search, use_reasoning, reasoning_effort, image_size, image_quality, is_done, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, parentID, m.Model, m.Role, m.Type, m.Content, m.TokensCount, nullString(m.ResponseID),
		m.UseWebSearch, m.UseReasoning, nullString(string(m.ReasoningEffort)), nullString(m.ImageSize), nullString(m.ImageQuality),
		m.IsDone, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read message id")
	}
	m.ID = id
	return nil
}

const messageColumns = `id, conversation_id, parent_id, model, role, type, content, tokens_count, response_id,
	use_web_search, use_reasoning, reasoning_effort, image_size, image_quality, is_done, created_at, updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*domain.Message, error) {
	var m domain.Message
	var parentID sql.NullInt64
	var responseID, effort, size, quality sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &parentID, &m.Model, &m.Role, &m.Type, &m.Content, &m.TokensCount, &responseID,
		&m.UseWebSearch, &m.UseReasoning, &effort, &size, &quality, &m.IsDone, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		m.ParentID = &parentID.Int64
	}
	m.ResponseID = responseID.String
	m.ReasoningEffort = domain.ReasoningEffort(effort.String)
	m.ImageSize = size.String
	m.ImageQuality = quality.String
	return &m, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get message")
	}
	return m, nil
}

// ListMessages lists messages ordered by id.
func (s *SQLiteStore) ListMessages(ctx context.Context, find FindMessage) ([]domain.Message, error) {
	where, args := []string{"1 = 1"}, []interface{}{}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.ParentID != nil {
		where, args = append(where, "parent_id = ?"), append(args, *find.ParentID)
	}
	if find.Role != nil {
		where, args = append(where, "role = ?"), append(args, *find.Role)
	}
	if find.IsDone != nil {
		where, args = append(where, "is_done = ?"), append(args, *find.IsDone)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+strings.Join(where, " AND ")+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// SaveExchange writes a user/assistant pair, links files and updates the title atomically.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, ex.User); err != nil {
		return err
	}
	ex.Assistant.ParentID = &ex.User.ID
	if err := insertMessage(ctx, tx, ex.Assistant); err != nil {
		return err
	}

	if len(ex.FileIDs) > 0 {
		placeholders, args := inClause(ex.FileIDs)
		args = append([]interface{}{ex.User.ID, time.Now().UTC()}, args...)
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET message_id = ?, updated_at = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return errors.Wrap(err, "failed to link files")
		}
	}

	if ex.Title != nil {
		if err := updateConversation(ctx, tx, UpdateConversation{ID: ex.User.ConversationID, Title: ex.Title}); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit exchange")
}

// CompleteImageMessage sets the final content of a pending image placeholder.
// It reports false when the row is missing or already done.
func (s *SQLiteStore) CompleteImageMessage(ctx context.Context, id int64, content string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, is_done = 1, updated_at = ? WHERE id = ? AND is_done = 0`,
		content, time.Now().UTC(), id)
	if err != nil {
		return false, errors.Wrap(err, "failed to complete image message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessages removes messages and unlinks files attached to them.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	placeholders, args := inClause(ids)
	if _, err := tx.ExecContext(ctx, `UPDATE files SET message_id = NULL WHERE message_id IN (`+placeholders+`)`, args...); err != nil {
		return errors.Wrap(err, "failed to unlink files")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return errors.Wrap(err, "failed to delete messages")
	}
	return errors.Wrap(tx.Commit(), "failed to commit delete")
}

// CreateFile inserts an uploaded file record and sets its ID.
func (s *SQLiteStore) CreateFile(ctx context.Context, f *domain.UploadedFile) error {
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	var messageID sql.NullInt64
	if f.MessageID != nil {
		messageID = sql.NullInt64{Int64: *f.MessageID, Valid: true}
	}
	var expiresAt sql.NullTime
	if f.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: f.ExpiresAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (user_id, message_id, url, size, type, expires_at, vector_store, is_ready, is_expired, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, messageID, f.URL, f.Size, f.Kind, expiresAt, nullString(f.VectorStore), f.IsReady, f.IsExpired, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read file id")
	}
	f.ID = id
	return nil
}

const fileColumns = `id, user_id, message_id, url, size, type, expires_at, vector_store, is_ready, is_expired, created_at, updated_at`

func scanFile(row interface{ Scan(...interface{}) error }) (*domain.UploadedFile, error) {
	var f domain.UploadedFile
	var messageID, size sql.NullInt64
	var expiresAt sql.NullTime
	var vectorStore sql.NullString
	if err := row.Scan(&f.ID, &f.UserID, &messageID, &f.URL, &size, &f.Kind, &expiresAt, &vectorStore,
		&f.IsReady, &f.IsExpired, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if messageID.Valid {
		f.MessageID = &messageID.Int64
	}
	if expiresAt.Valid {
		f.ExpiresAt = &expiresAt.Time
	}
	f.Size = size.Int64
	f.VectorStore = vectorStore.String
	return &f, nil
}

// GetFile retrieves a file by ID.
func (s *SQLiteStore) GetFile(ctx context.Context, id int64) (*domain.UploadedFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get file")
	}
	return f, nil
}

// ListFiles lists files ordered by id.
func (s *SQLiteStore) ListFiles(ctx context.Context, find FindFile) ([]domain.UploadedFile, error) {
	where, args := []string{"1 = 1"}, []interface{}{}
	if find.IDs != nil {
		if len(find.IDs) == 0 {
			return []domain.UploadedFile{}, nil
		}
		placeholders, ids := inClause(find.IDs)
		where, args = append(where, "id IN ("+placeholders+")"), append(args, ids...)
	}
	if find.MessageIDs != nil {
		if len(find.MessageIDs) == 0 {
			return []domain.UploadedFile{}, nil
		}
		placeholders, ids := inClause(find.MessageIDs)
		where, args = append(where, "message_id IN ("+placeholders+")"), append(args, ids...)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.IsReady != nil {
		where, args = append(where, "is_ready = ?"), append(args, *find.IsReady)
	}
	if find.IsExpired != nil {
		where, args = append(where, "is_expired = ?"), append(args, *find.IsExpired)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE `+strings.Join(where, " AND ")+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list files")
	}
	defer rows.Close()

	files := []domain.UploadedFile{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan file")
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// MarkFileReady flips is_ready from false to true. It reports false when the
// file is missing or was already ready.
func (s *SQLiteStore) MarkFileReady(ctx context.Context, id int64) (bool, error) {
	return s.flipFileFlag(ctx, id, "is_ready")
}

// MarkFileExpired flips is_expired from false to true.
func (s *SQLiteStore) MarkFileExpired(ctx context.Context, id int64) (bool, error) {
	return s.flipFileFlag(ctx, id, "is_expired")
}

func (s *SQLiteStore) flipFileFlag(ctx context.Context, id int64, column string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE files SET %s = 1, updated_at = ? WHERE id = ? AND %s = 0`, column, column),
		time.Now().UTC(), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to set %s", column)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpireDueFiles marks up to limit files whose expiry passed as expired and
// returns their IDs.
func (s *SQLiteStore) ExpireDueFiles(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM files WHERE is_expired = 0 AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due files")
	}
	var due []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan file id")
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []int64
	for _, id := range due {
		updated, err := s.MarkFileExpired(ctx, id)
		if err != nil {
			return expired, err
		}
		if updated {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func inClause(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the relational Store backend. Accounts and message
// queues persist in SQLite; sessions and connection registrations stay
// process-local, exactly as in the memory backend.
//
// A single connection is enough: the store mutex already serializes every
// operation, so pooling would only add contention.
type SQLiteStore struct {
	registry
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// initializes the schema.
func OpenSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL plus a busy timeout so a concurrent reader never surfaces
	// SQLITE_BUSY to the caller.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		registry: newRegistry(ttl),
		db:       db,
	}, nil
}

func (s *SQLiteStore) AccountExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountExistsLocked(username)
}

func (s *SQLiteStore) accountExistsLocked(username string) bool {
	var found string
	err := s.db.QueryRow("SELECT username FROM users WHERE username = ?", username).Scan(&found)
	return err == nil
}

func (s *SQLiteStore) CreateAccount(username, password string) error {
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accountExistsLocked(username) {
		return ErrUsernameTaken
	}
	if _, err := s.db.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", username, hash); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Authenticate(username, password string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPasswordLocked(username, password); err != nil {
		return "", 0, err
	}
	token := s.createSessionLocked(username)

	var unread int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE recipient = ?", username).Scan(&unread); err != nil {
		return "", 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return token, unread, nil
}

func (s *SQLiteStore) RegisterListener(username, password string, conn ClientConn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPasswordLocked(username, password); err != nil {
		return "", err
	}
	token := s.createSessionLocked(username)
	s.attachConnLocked(username, token, conn)
	return token, nil
}

func (s *SQLiteStore) checkPasswordLocked(username, password string) error {
	var hash []byte
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrUnknownUser
	}
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}

func (s *SQLiteStore) ListAccounts(pattern string, page, pageSize int) ([]string, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT username FROM users")
	if err != nil {
		return []string{}, page, 1
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		names = append(names, name)
	}
	return paginate(matchAccounts(names, pattern), page, pageSize)
}

func (s *SQLiteStore) EnqueueMessage(recipient, sender, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accountExistsLocked(recipient) {
		return ErrUnknownRecipient
	}
	if _, err := s.db.Exec("INSERT INTO messages (recipient, sender, body) VALUES (?, ?, ?)", recipient, sender, body); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DrainMessages(username string, count int) ([]Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ids := s.selectMessagesLocked(username, count)
	s.deleteByIDLocked(ids)
	return msgs, s.countLocked(username)
}

func (s *SQLiteStore) DeleteMessages(username string, count int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ids := s.selectMessagesLocked(username, count)
	s.deleteByIDLocked(ids)
	return len(ids)
}

// selectMessagesLocked loads the messages a signed count designates:
// positive counts take the most recent rows (id descending, so the result
// is newest-first), negative counts the oldest (id ascending). Caller
// holds mu.
func (s *SQLiteStore) selectMessagesLocked(username string, count int) ([]Message, []int64) {
	if count == 0 {
		return nil, nil
	}

	query := "SELECT id, sender, body FROM messages WHERE recipient = ? ORDER BY id DESC LIMIT ?"
	limit := count
	if count < 0 {
		query = "SELECT id, sender, body FROM messages WHERE recipient = ? ORDER BY id ASC LIMIT ?"
		limit = -count
	}

	rows, err := s.db.Query(query, username, limit)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	var msgs []Message
	var ids []int64
	for rows.Next() {
		var id int64
		var msg Message
		if err := rows.Scan(&id, &msg.Sender, &msg.Body); err != nil {
			continue
		}
		msg.Recipient = username
		msgs = append(msgs, msg)
		ids = append(ids, id)
	}
	return msgs, ids
}

// deleteByIDLocked removes the given message rows. Caller holds mu.
func (s *SQLiteStore) deleteByIDLocked(ids []int64) {
	if len(ids) == 0 {
		return
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, _ = s.db.Exec("DELETE FROM messages WHERE id IN ("+placeholders+")", args...)
}

// countLocked returns the queue length for a recipient. Caller holds mu.
func (s *SQLiteStore) countLocked(username string) int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE recipient = ?", username).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *SQLiteStore) DeleteAccount(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	if _, err := tx.Exec("DELETE FROM users WHERE username = ?", username); err != nil {
		tx.Rollback()
		return
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE recipient = ?", username); err != nil {
		tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		return
	}
	s.dropUserLocked(username)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

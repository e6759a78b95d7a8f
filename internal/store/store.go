// Package store persists users, conversations, messages and usage logs in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrInsufficientCredits is returned when a deduction exceeds the balance
var ErrInsufficientCredits = errors.New("insufficient credits")

// User is an authenticated API consumer with a credit balance.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	APIKey       string    `json:"-"`
	TokenBalance int       `json:"tokenBalance"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Conversation groups the messages of one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"-"`
	Title     string    `json:"title"`
	AgentID   string    `json:"agentId"`
	Summary   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one persisted turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokensUsed     int       `json:"tokensUsed"`
	CreatedAt      time.Time `json:"createdAt"`
}

// UsageTotals aggregates a user's consumption.
type UsageTotals struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost"`
	Requests         int     `json:"requests"`
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (creating if needed) the database at dbPath and initializes the
// schema. Use ":memory:" for an ephemeral database.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("Database ready")
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			api_key TEXT NOT NULL UNIQUE,
			token_balance INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			title TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			conversation_id TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============ Users ============

// CreateUser registers a user with an initial credit balance.
func (s *Store) CreateUser(email, apiKey string, tokenBalance int) (*User, error) {
	result, err := s.db.Exec(
		"INSERT INTO users (email, api_key, token_balance) VALUES (?, ?, ?)",
		email, apiKey, tokenBalance,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(id)
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, email, api_key, token_balance, created_at FROM users WHERE id = ?", id,
	))
}

// GetUserByAPIKey resolves an API key to its user. Returns ErrNotFound for
// an unknown key.
func (s *Store) GetUserByAPIKey(apiKey string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, email, api_key, token_balance, created_at FROM users WHERE api_key = ?", apiKey,
	))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.APIKey, &u.TokenBalance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// DeductCredits decrements a user's balance, refusing to go negative.
func (s *Store) DeductCredits(userID int64, credits int) error {
	if credits <= 0 {
		return nil
	}
	result, err := s.db.Exec(
		"UPDATE users SET token_balance = token_balance - ? WHERE id = ? AND token_balance >= ?",
		credits, userID, credits,
	)
	if err != nil {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// ============ Conversations ============

// GetOrCreateConversation loads a conversation by id, creating it when the
// id is empty or unknown. The second return value reports creation.
func (s *Store) GetOrCreateConversation(id string, userID int64, title, agentID string) (*Conversation, bool, error) {
	if id != "" {
		conv, err := s.GetConversation(id)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.Exec(
		"INSERT INTO conversations (id, user_id, title, agent_id) VALUES (?, ?, ?, ?)",
		id, userID, title, agentID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Debug().Str("conversation_id", id).Int64("user_id", userID).Msg("Conversation created")
	conv, err := s.GetConversation(id)
	return conv, true, err
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(
		"SELECT id, user_id, title, agent_id, summary, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.AgentID, &c.Summary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &c, nil
}

// UserOwnsConversation reports whether the conversation belongs to the user.
func (s *Store) UserOwnsConversation(conversationID string, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM conversations WHERE id = ? AND user_id = ?",
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListConversations returns a user's conversations, most recently updated
// first.
func (s *Store) ListConversations(userID int64) ([]Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, agent_id, summary, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.AgentID, &c.Summary, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversationTitle sets the conversation title.
func (s *Store) UpdateConversationTitle(id, title string) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		title, id,
	)
	return err
}

// SetConversationSummary stores a summary of older history.
func (s *Store) SetConversationSummary(id, summary string) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET summary = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		summary, id,
	)
	return err
}

// TouchConversation bumps the conversation's updated timestamp.
func (s *Store) TouchConversation(id string) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", id,
	)
	return err
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(id string) error {
	_, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	return err
}

// ============ Messages ============

// AddMessage appends a message to a conversation.
func (s *Store) AddMessage(conversationID, role, content string, tokensUsed int) (*Message, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		"INSERT INTO messages (id, conversation_id, role, content, tokens_used) VALUES (?, ?, ?, ?, ?)",
		id, conversationID, role, content, tokensUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	var m Message
	err = s.db.QueryRow(
		"SELECT id, conversation_id, role, content, tokens_used, created_at FROM messages WHERE id = ?", id,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokensUsed, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecentMessages returns at most limit of the newest messages in a
// conversation, ordered oldest first.
func (s *Store) RecentMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, tokens_used, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns every message of a conversation, oldest first.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, tokens_used, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID,
	).Scan(&count)
	return count, err
}

// ============ Usage ============

// AddUsageLog records one chat turn's token consumption and cost.
func (s *Store) AddUsageLog(userID int64, conversationID string, promptTokens, completionTokens, totalTokens int, cost float64) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_logs (user_id, conversation_id, prompt_tokens, completion_tokens, total_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, conversationID, promptTokens, completionTokens, totalTokens, cost)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UserUsage aggregates a user's total consumption across all requests.
func (s *Store) UserUsage(userID int64) (*UsageTotals, error) {
	var t UsageTotals
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		FROM usage_logs WHERE user_id = ?
	`, userID).Scan(&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost, &t.Requests)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return &t, nil
}

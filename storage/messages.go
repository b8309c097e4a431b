package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"securechat/chat"
)

// DefaultHistoryLimit caps GetConversation when no limit is given.
const DefaultHistoryLimit = 500

// maxIDsPerStatement keeps IN lists well under SQLite's bound-variable limit.
const maxIDsPerStatement = 500

const messageColumns = `id, conversation_key, sender, recipient, ciphertext, sent_at, self_destruct, expires_at, is_read`

// SaveMessage validates and inserts a message, filling in the conversation
// key, sent time and expiry deadline. It returns the stored row.
func (s *Store) SaveMessage(message Message) (Message, error) {
	if message.ID == "" {
		return Message{}, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if message.Sender == "" || message.Recipient == "" {
		return Message{}, fmt.Errorf("%w: sender and recipient are required", ErrInvalid)
	}
	if message.Sender == message.Recipient {
		return Message{}, fmt.Errorf("%w: sender and recipient must differ", ErrInvalid)
	}
	if len(message.Ciphertext) == 0 {
		return Message{}, fmt.Errorf("%w: ciphertext is required", ErrInvalid)
	}
	if message.SelfDestruct < 0 {
		return Message{}, fmt.Errorf("%w: negative self destruct", ErrInvalid)
	}

	key := string(chat.ConversationKey(message.Sender, message.Recipient))
	if message.ConversationKey != "" && message.ConversationKey != key {
		return Message{}, fmt.Errorf("%w: conversation key does not match participants", ErrInvalid)
	}
	message.ConversationKey = key
	if message.SentAt == 0 {
		message.SentAt = nowUnixMilli()
	}
	message.ExpiresAt.Valid = message.SelfDestruct > 0
	message.ExpiresAt.Int64 = 0
	if message.ExpiresAt.Valid {
		message.ExpiresAt.Int64 = message.SentAt + message.SelfDestruct
	}

	_, err := s.db.NamedExec(
		`INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :conversation_key, :sender, :recipient, :ciphertext, :sent_at, :self_destruct, :expires_at, :is_read)`,
		message,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return message, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	var messages []Message
	if err := s.db.Select(&messages, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return &messages[0], nil
}

// GetConversation returns up to limit of the most recent unexpired messages
// of a conversation, oldest first. Equal send times keep insertion order.
func (s *Store) GetConversation(key string, now int64, limit int) ([]Message, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: conversation key is required", ErrInvalid)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	messages := make([]Message, 0)
	err := s.db.Select(&messages,
		`SELECT `+messageColumns+` FROM (
			SELECT rowid AS seq, `+messageColumns+`
			FROM messages
			WHERE conversation_key = ? AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY sent_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY sent_at ASC, seq ASC`,
		key,
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", key, err)
	}
	return messages, nil
}

// MarkRead flags the unread messages addressed to reader among ids and
// returns the rows that changed.
func (s *Store) MarkRead(key, reader string, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return []Message{}, nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	changed := make([]Message, 0, len(ids))
	for _, chunk := range chunkIDs(ids) {
		query, args, err := sqlx.In(
			`SELECT `+messageColumns+` FROM messages
			WHERE conversation_key = ? AND recipient = ? AND is_read = 0 AND id IN (?)
			ORDER BY sent_at, rowid`,
			key, reader, chunk,
		)
		if err != nil {
			return nil, fmt.Errorf("build mark read query: %w", err)
		}
		var found []Message
		if err := tx.Select(&found, tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("select unread messages: %w", err)
		}
		changed = append(changed, found...)
	}
	if len(changed) == 0 {
		return changed, nil
	}

	for _, chunk := range chunkIDs(messageIDs(changed)) {
		query, args, err := sqlx.In(`UPDATE messages SET is_read = 1 WHERE id IN (?)`, chunk)
		if err != nil {
			return nil, fmt.Errorf("build mark read update: %w", err)
		}
		if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("mark messages read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}

	for i := range changed {
		changed[i].IsRead = true
	}
	return changed, nil
}

// DeleteMessages removes ids from a conversation and returns the ids that
// existed. Deleting absent ids is not an error.
func (s *Store) DeleteMessages(key string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin delete messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	deleted := make([]string, 0, len(ids))
	for _, chunk := range chunkIDs(ids) {
		query, args, err := sqlx.In(
			`SELECT id FROM messages WHERE conversation_key = ? AND id IN (?) ORDER BY sent_at, rowid`,
			key, chunk,
		)
		if err != nil {
			return nil, fmt.Errorf("build delete query: %w", err)
		}
		var found []string
		if err := tx.Select(&found, tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("select messages to delete: %w", err)
		}
		deleted = append(deleted, found...)
	}
	if len(deleted) == 0 {
		return deleted, nil
	}

	if err := deleteByID(tx, deleted); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete messages: %w", err)
	}
	return deleted, nil
}

// DeleteExpired removes every message whose deadline is at or before now and
// returns the removed ids grouped by conversation key.
func (s *Store) DeleteExpired(now int64) (map[string][]string, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin delete expired: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var rows []struct {
		ID              string `db:"id"`
		ConversationKey string `db:"conversation_key"`
	}
	err = tx.Select(&rows,
		`SELECT id, conversation_key FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY conversation_key, sent_at, rowid`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired messages: %w", err)
	}

	expired := make(map[string][]string)
	if len(rows) == 0 {
		return expired, nil
	}
	for _, row := range rows {
		expired[row.ConversationKey] = append(expired[row.ConversationKey], row.ID)
	}

	// Same predicate as the select, inside the same transaction, so the
	// statement size does not grow with the backlog.
	if _, err := tx.Exec(`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("delete expired messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete expired: %w", err)
	}

	s.logger.Debug("expired messages deleted", zap.Int("count", len(rows)))
	return expired, nil
}

func deleteByID(tx *sqlx.Tx, ids []string) error {
	for _, chunk := range chunkIDs(ids) {
		query, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?)`, chunk)
		if err != nil {
			return fmt.Errorf("build delete statement: %w", err)
		}
		if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
	}
	return nil
}

// chunkIDs splits ids into slices of at most maxIDsPerStatement.
func chunkIDs(ids []string) [][]string {
	chunks := make([][]string, 0, (len(ids)+maxIDsPerStatement-1)/maxIDsPerStatement)
	for len(ids) > maxIDsPerStatement {
		chunks = append(chunks, ids[:maxIDsPerStatement])
		ids = ids[maxIDsPerStatement:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

func messageIDs(messages []Message) []string {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	return ids
}

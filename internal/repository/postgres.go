package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.portal.messaging/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresConversationRepository stores conversations in PostgreSQL. Pair
// uniqueness is enforced by the uq_conversations_pair expression index.
type PostgresConversationRepository struct {
	db *pgxpool.Pool
}

// NewPostgresConversationRepository creates a conversation repository.
func NewPostgresConversationRepository(db *pgxpool.Pool) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: db}
}

const conversationColumns = `id, participant_a, participant_b, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	conv := &model.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// FindByPair looks the pair up in either order.
func (r *PostgresConversationRepository) FindByPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	low, high := model.NormalizePair(userA, userB)
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE LEAST(participant_a, participant_b) = $1 AND GREATEST(participant_a, participant_b) = $2
	`
	return scanConversation(r.db.QueryRow(ctx, query, low, high))
}

// FindByID loads a conversation by id.
func (r *PostgresConversationRepository) FindByID(ctx context.Context, id int64) (*model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(r.db.QueryRow(ctx, query, id))
}

// ListByUser returns the user's conversations, most recently active first.
func (r *PostgresConversationRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]*model.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// Create inserts conv. A concurrent insert of the same pair yields ErrDuplicatePair.
func (r *PostgresConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	query := `
		INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id
	`
	var id int64
	err := r.db.QueryRow(ctx, query,
		conv.ID,
		conv.ParticipantA,
		conv.ParticipantB,
		conv.CreatedAt,
		conv.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return ErrDuplicatePair
		}
		return err
	}
	return nil
}

// Touch bumps updated_at, never moving it backwards.
func (r *PostgresConversationRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Delete removes the conversation and its messages in one transaction.
func (r *PostgresConversationRepository) Delete(ctx context.Context, id int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	msgResult, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id)
	if err != nil {
		return 0, err
	}

	convResult, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	if convResult.RowsAffected() == 0 {
		return 0, ErrConversationNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return msgResult.RowsAffected(), nil
}

// PostgresMessageRepository stores messages in PostgreSQL.
type PostgresMessageRepository struct {
	db *pgxpool.Pool
}

// NewPostgresMessageRepository creates a message repository.
func NewPostgresMessageRepository(db *pgxpool.Pool) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.updated_at, m.read_at, m.edited`

func scanMessage(row pgx.Row) (*model.Message, error) {
	msg := &model.Message{}
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.ReadAt,
		&msg.Edited,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]*model.Message, error) {
	defer rows.Close()

	messages := make([]*model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Create inserts msg.
func (r *PostgresMessageRepository) Create(ctx context.Context, msg *model.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, updated_at, edited)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`
	_, err := r.db.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// FindByID loads a message by id.
func (r *PostgresMessageRepository) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = $1`
	return scanMessage(r.db.QueryRow(ctx, query, id))
}

// ListByConversation returns messages in (created_at, id) order.
func (r *PostgresMessageRepository) ListByConversation(ctx context.Context, conversationID int64, opts ListOptions) ([]*model.Message, error) {
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1
		  AND ($2::bigint = 0 OR (m.created_at, m.id) > (
		        SELECT c.created_at, c.id FROM messages c WHERE c.id = $2))
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, conversationID, opts.AfterID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// UpdateContent replaces the content and flags the message as edited.
func (r *PostgresMessageRepository) UpdateContent(ctx context.Context, id int64, content string, at time.Time) (*model.Message, error) {
	query := `
		UPDATE messages m SET content = $2, edited = TRUE, updated_at = $3
		WHERE m.id = $1
		RETURNING ` + messageColumns
	return scanMessage(r.db.QueryRow(ctx, query, id, content, at))
}

// Delete hard-deletes a message.
func (r *PostgresMessageRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkRead sets read_at once; rows already read are left untouched.
func (r *PostgresMessageRepository) MarkRead(ctx context.Context, ids []int64, readerID int64, at time.Time) ([]*model.Message, error) {
	if len(ids) == 0 {
		return []*model.Message{}, nil
	}

	query := `
		UPDATE messages m SET read_at = $3, updated_at = $3
		FROM conversations c
		WHERE m.id = ANY($1)
		  AND c.id = m.conversation_id
		  AND (c.participant_a = $2 OR c.participant_b = $2)
		  AND m.sender_id <> $2
		  AND m.read_at IS NULL
		RETURNING ` + messageColumns
	rows, err := r.db.Query(ctx, query, ids, readerID, at)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

const unreadPredicate = `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a = $1 OR c.participant_b = $1)
		  AND m.sender_id <> $1
		  AND m.read_at IS NULL
`

// ListUnread returns the user's unread messages in conversation order.
func (r *PostgresMessageRepository) ListUnread(ctx context.Context, userID int64) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + unreadPredicate + ` ORDER BY m.created_at ASC, m.id ASC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// CountUnread recomputes the user's unread total from current rows.
func (r *PostgresMessageRepository) CountUnread(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+unreadPredicate, userID).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

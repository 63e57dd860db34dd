package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Append persists a message and its room summary as one transaction. The
// room row is locked first, so writes within a room are serialized while
// unrelated rooms proceed in parallel; readers never observe a message
// without the matching last_message/updated_at, or the reverse.
//
// Returns ErrNotFound when the room does not exist and ErrNotMember when the
// sender is not a current member.
func (r *MessageRepository) Append(ctx context.Context, roomID, senderID, body string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID string
	err = tx.QueryRow(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append lock room: %w", err)
	}

	var isMember bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, senderID,
	).Scan(&isMember)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotMember
	}

	m := &model.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, room_id, sender_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq`,
		m.ID, m.RoomID, m.SenderID, m.Body, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append insert: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET last_message = $1, last_message_at = $2, updated_at = $2 WHERE id = $3`,
		m.Body, m.CreatedAt, roomID,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.Append summary: %w", err)
	}

	// Relative increment, not read-modify-write: concurrent sends never lose
	// counter updates.
	if _, err := tx.Exec(ctx,
		`UPDATE room_members SET unread_count = unread_count + 1
		 WHERE room_id = $1 AND user_id <> $2`,
		roomID, senderID,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.Append unread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return m, nil
}

// ListByRoom returns messages oldest first, ordered by (created_at, seq) so
// colliding timestamps still read back in insertion order. A limit of 0 (or
// less) returns the full history from offset.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	query := `SELECT id, room_id, sender_id, body, seq, read_by, created_at
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY created_at, seq
		 OFFSET $2`
	args := []any{roomID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 16)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.Seq, &m.ReadBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom rows: %w", err)
	}
	return messages, nil
}

// MarkRead appends userID to read_by of other members' messages in the room.
// Advisory only: unread accounting lives on room_members.
func (r *MessageRepository) MarkRead(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $2)
		 WHERE room_id = $1 AND sender_id <> $2 AND NOT (read_by @> ARRAY[$2::text])`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return nil
}

// DeleteByRoom removes every message of the room. Called from the room
// deletion path only.
func (r *MessageRepository) DeleteByRoom(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("msg.DeleteByRoom", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE room_id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("msgRepo.DeleteByRoom: %w", err)
	}
	return nil
}

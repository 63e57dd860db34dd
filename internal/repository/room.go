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

var (
	ErrNotFound  = errors.New("not found")
	ErrNotMember = errors.New("not a member")
)

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// FindOrCreate resolves the room for an unordered member pair, creating it if
// absent. Creation is serialized by the unique index on member_key: when two
// callers race, the loser's insert hits the conflict and re-reads, so both
// resolve to the same room id.
func (r *RoomRepository) FindOrCreate(ctx context.Context, memberA, memberB string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.FindOrCreate", time.Now())()
	key := model.PairKey(memberA, memberB)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.FindOrCreate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()
	err = tx.QueryRow(ctx,
		`INSERT INTO rooms (id, member_key, last_message, created_at, updated_at)
		 VALUES ($1, $2, '', $3, $3)
		 ON CONFLICT (member_key) DO NOTHING
		 RETURNING id`,
		id, key, now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the creation race or the room already existed.
		return r.getByMemberKey(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.FindOrCreate insert: %w", err)
	}

	for _, uid := range []string{memberA, memberB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, unread_count) VALUES ($1, $2, 0)`,
			id, uid,
		); err != nil {
			return nil, fmt.Errorf("roomRepo.FindOrCreate member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("roomRepo.FindOrCreate commit: %w", err)
	}

	return &model.Room{
		ID:          id,
		Members:     []string{memberA, memberB},
		UnreadCount: map[string]int{memberA: 0, memberB: 0},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *RoomRepository) getByMemberKey(ctx context.Context, key string) (*model.Room, error) {
	room := &model.Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, last_message, last_message_at, created_at, updated_at
		 FROM rooms WHERE member_key = $1`, key,
	).Scan(&room.ID, &room.LastMessage, &room.LastMessageAt, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.getByMemberKey: %w", err)
	}
	if err := r.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	room := &model.Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, last_message, last_message_at, created_at, updated_at
		 FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.LastMessage, &room.LastMessageAt, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	if err := r.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *RoomRepository) loadMembers(ctx context.Context, room *model.Room) error {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, unread_count FROM room_members WHERE room_id = $1 ORDER BY user_id`,
		room.ID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.loadMembers query: %w", err)
	}
	defer rows.Close()

	room.Members = make([]string, 0, 2)
	room.UnreadCount = make(map[string]int, 2)
	for rows.Next() {
		var uid string
		var unread int
		if err := rows.Scan(&uid, &unread); err != nil {
			return fmt.Errorf("roomRepo.loadMembers scan: %w", err)
		}
		room.Members = append(room.Members, uid)
		room.UnreadCount[uid] = unread
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("roomRepo.loadMembers rows: %w", err)
	}
	return nil
}

// RoomsForUser returns every room the user belongs to, most recently active
// first. Members and counters are folded in from a single joined query.
func (r *RoomRepository) RoomsForUser(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.RoomsForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT ro.id, ro.last_message, ro.last_message_at, ro.created_at, ro.updated_at,
		        m.user_id, m.unread_count
		 FROM rooms ro
		 JOIN room_members m ON m.room_id = ro.id
		 WHERE ro.id IN (SELECT room_id FROM room_members WHERE user_id = $1)
		 ORDER BY ro.updated_at DESC, ro.id, m.user_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.RoomsForUser query: %w", err)
	}
	defer rows.Close()

	roomList := make([]model.Room, 0, 16)
	for rows.Next() {
		var (
			room   model.Room
			uid    string
			unread int
		)
		if err := rows.Scan(&room.ID, &room.LastMessage, &room.LastMessageAt,
			&room.CreatedAt, &room.UpdatedAt, &uid, &unread); err != nil {
			return nil, fmt.Errorf("roomRepo.RoomsForUser scan: %w", err)
		}
		if n := len(roomList); n > 0 && roomList[n-1].ID == room.ID {
			roomList[n-1].Members = append(roomList[n-1].Members, uid)
			roomList[n-1].UnreadCount[uid] = unread
			continue
		}
		room.Members = []string{uid}
		room.UnreadCount = map[string]int{uid: unread}
		roomList = append(roomList, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.RoomsForUser rows: %w", err)
	}
	return roomList, nil
}

func (r *RoomRepository) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY user_id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

// ResetUnread sets the member's counter to 0 unconditionally and advances the
// room's updated_at. Idempotent.
func (r *RoomRepository) ResetUnread(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.ResetUnread", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.ResetUnread begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE room_members SET unread_count = 0 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	); err != nil {
		return fmt.Errorf("roomRepo.ResetUnread members: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), roomID,
	); err != nil {
		return fmt.Errorf("roomRepo.ResetUnread room: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.ResetUnread commit: %w", err)
	}
	return nil
}

// UnreadCount returns the member's counter; absent keys read as 0.
func (r *RoomRepository) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	defer logger.DeferLogDuration("room.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT unread_count FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("roomRepo.UnreadCount: %w", err)
	}
	return count, nil
}

// Delete removes the room; room_members and messages go with it via
// ON DELETE CASCADE. Returns ErrNotFound when the room does not exist, so a
// second delete of the same id fails visibly rather than silently.
func (r *RoomRepository) Delete(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("room.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("roomRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-server/internal/apperr"
	"chat-server/internal/models"
	"chat-server/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Directory: users

func (db *PostgresDB) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, password_hash, avatar_url, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING last_seen, created_at`

	err := db.pool.QueryRow(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.AvatarURL,
	).Scan(&user.LastSeen, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, name, password_hash, avatar_url, last_seen, created_at FROM users WHERE id = $1`
	return db.scanUser(db.pool.QueryRow(ctx, query, id), id)
}

func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, email, name, password_hash, avatar_url, last_seen, created_at FROM users WHERE email = $1`
	return db.scanUser(db.pool.QueryRow(ctx, query, email), email)
}

func (db *PostgresDB) scanUser(row pgx.Row, key string) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash,
		&user.AvatarURL, &user.LastSeen, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *PostgresDB) ListUsers(ctx context.Context, excludeID string) ([]*models.User, error) {
	query := `
		SELECT id, email, name, password_hash, avatar_url, last_seen, created_at
		FROM users
		WHERE id <> $1
		ORDER BY name`

	rows, err := db.pool.Query(ctx, query, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash,
			&user.AvatarURL, &user.LastSeen, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (db *PostgresDB) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user %s not found", id)
	}
	return nil
}

func (db *PostgresDB) TouchLastSeen(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx, `UPDATE users SET last_seen = NOW() WHERE id = $1`, id)
	return err
}

// Directory: groups

func (db *PostgresDB) CreateGroup(ctx context.Context, group *models.Group) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO groups (id, name, description, avatar_url, admin_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = tx.QueryRow(ctx, query,
		group.ID, group.Name, group.Description, group.AvatarURL, group.AdminID,
	).Scan(&group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}

	for _, member := range group.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`,
			group.ID, member); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (db *PostgresDB) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	query := `SELECT id, name, description, avatar_url, admin_id, created_at, updated_at FROM groups WHERE id = $1`

	group := &models.Group{}
	err := db.pool.QueryRow(ctx, query, id).Scan(&group.ID, &group.Name,
		&group.Description, &group.AvatarURL, &group.AdminID,
		&group.CreatedAt, &group.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("group %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		group.Members = append(group.Members, member)
	}
	return group, rows.Err()
}

// UpdateGroup rewrites the group's metadata, admin, and full member set in
// one transaction.
func (db *PostgresDB) UpdateGroup(ctx context.Context, group *models.Group) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE groups
		SET name = $2, description = $3, avatar_url = $4, admin_id = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err = tx.QueryRow(ctx, query, group.ID, group.Name, group.Description,
		group.AvatarURL, group.AdminID).Scan(&group.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("group %s deleted concurrently", group.ID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, group.ID); err != nil {
		return err
	}
	for _, member := range group.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`,
			group.ID, member); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (db *PostgresDB) DeleteGroup(ctx context.Context, id string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("group %s not found", id)
	}
	return tx.Commit(ctx)
}

func (db *PostgresDB) ListUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	query := `
		SELECT g.id, g.name, g.description, g.avatar_url, g.admin_id, g.created_at, g.updated_at
		FROM groups g
		JOIN group_members m ON g.id = m.group_id
		WHERE m.user_id = $1
		ORDER BY g.name`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		group := &models.Group{}
		if err := rows.Scan(&group.ID, &group.Name, &group.Description,
			&group.AvatarURL, &group.AdminID, &group.CreatedAt, &group.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, group := range groups {
		memberRows, err := db.pool.Query(ctx,
			`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, group.ID)
		if err != nil {
			return nil, err
		}
		for memberRows.Next() {
			var member string
			if err := memberRows.Scan(&member); err != nil {
				memberRows.Close()
				return nil, err
			}
			group.Members = append(group.Members, member)
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// MessageStore

func (db *PostgresDB) AppendMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, sender_id, receiver_id, group_id, text, image_ref, seen, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, false, NOW())
		RETURNING created_at`

	err := db.pool.QueryRow(ctx, query, msg.ID, msg.SenderID, msg.ReceiverID,
		msg.GroupID, msg.Text, msg.ImageRef).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `
		SELECT id, sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''), text, image_ref, seen, created_at
		FROM messages WHERE id = $1`

	msg := &models.Message{}
	err := db.pool.QueryRow(ctx, query, id).Scan(&msg.ID, &msg.SenderID,
		&msg.ReceiverID, &msg.GroupID, &msg.Text, &msg.ImageRef, &msg.Seen, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("message %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *PostgresDB) QueryDirect(ctx context.Context, userA, userB string) ([]*models.Message, error) {
	query := `
		SELECT id, sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''), text, image_ref, seen, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at`
	return db.queryMessages(ctx, query, userA, userB)
}

func (db *PostgresDB) QueryGroup(ctx context.Context, groupID string) ([]*models.Message, error) {
	query := `
		SELECT id, sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''), text, image_ref, seen, created_at
		FROM messages
		WHERE group_id = $1
		ORDER BY created_at`
	return db.queryMessages(ctx, query, groupID)
}

func (db *PostgresDB) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.GroupID,
			&msg.Text, &msg.ImageRef, &msg.Seen, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *PostgresDB) MarkSeen(ctx context.Context, messageID string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE messages SET seen = true WHERE id = $1`, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("message %s not found", messageID)
	}
	return nil
}

func (db *PostgresDB) DeleteGroupMessages(ctx context.Context, groupID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM messages WHERE group_id = $1`, groupID)
	return err
}

func (db *PostgresDB) LastMessageTimes(ctx context.Context, userID string) (map[string]time.Time, error) {
	query := `
		SELECT
			CASE
				WHEN group_id IS NOT NULL THEN 'group:' || group_id
				WHEN sender_id = $1 THEN 'direct:' || receiver_id
				ELSE 'direct:' || sender_id
			END AS chat_key,
			MAX(created_at)
		FROM messages
		WHERE sender_id = $1
		   OR receiver_id = $1
		   OR group_id IN (SELECT group_id FROM group_members WHERE user_id = $1)
		GROUP BY chat_key`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			return nil, err
		}
		times[key] = at
	}
	return times, rows.Err()
}

// UnreadStore

func (db *PostgresDB) IncrementUnread(ctx context.Context, ownerID string, ref models.ConversationRef) (int, error) {
	query := `
		INSERT INTO unread_counts (owner_id, conversation_kind, conversation_id, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (owner_id, conversation_kind, conversation_id)
		DO UPDATE SET count = unread_counts.count + 1
		RETURNING count`

	var count int
	err := db.pool.QueryRow(ctx, query, ownerID, string(ref.Kind), ref.ID).Scan(&count)
	return count, err
}

func (db *PostgresDB) ClearUnread(ctx context.Context, ownerID string, ref models.ConversationRef) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM unread_counts WHERE owner_id = $1 AND conversation_kind = $2 AND conversation_id = $3`,
		ownerID, string(ref.Kind), ref.ID)
	return err
}

func (db *PostgresDB) GetUnreadCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT conversation_kind, conversation_id, count FROM unread_counts WHERE owner_id = $1`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind, id string
		var count int
		if err := rows.Scan(&kind, &id, &count); err != nil {
			return nil, err
		}
		counts[kind+":"+id] = count
	}
	return counts, rows.Err()
}

func (db *PostgresDB) DeleteConversationUnread(ctx context.Context, ref models.ConversationRef) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM unread_counts WHERE conversation_kind = $1 AND conversation_id = $2`,
		string(ref.Kind), ref.ID)
	return err
}

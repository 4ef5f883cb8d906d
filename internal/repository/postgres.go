package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.livechat/internal/model"
)

// PostgresStore 基于 pgxpool 的 Store 实现
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `id, kind, chat_id, group_id, sender_id, receiver_id, content, attachment, status, read_by, reactions, created_at, updated_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m          model.Message
		attachment []byte
		readBy     []byte
		reactions  []byte
	)
	err := row.Scan(
		&m.ID,
		&m.Kind,
		&m.ChatID,
		&m.GroupID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Content,
		&attachment,
		&m.Status,
		&readBy,
		&reactions,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attachment) > 0 {
		m.Attachment = &model.Attachment{}
		if err := json.Unmarshal(attachment, m.Attachment); err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
	}
	if len(readBy) > 0 {
		if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
			return nil, fmt.Errorf("decode read_by: %w", err)
		}
	}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return &m, nil
}

type messageJSON struct {
	attachment []byte
	readBy     []byte
	reactions  []byte
}

func encodeMessageJSON(m *model.Message) (messageJSON, error) {
	var out messageJSON
	var err error
	if m.Attachment != nil {
		if out.attachment, err = json.Marshal(m.Attachment); err != nil {
			return out, err
		}
	}
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	if out.readBy, err = json.Marshal(readBy); err != nil {
		return out, err
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = []model.Reaction{}
	}
	if out.reactions, err = json.Marshal(reactions); err != nil {
		return out, err
	}
	return out, nil
}

// LoadMessage 根据 ID 查找消息
func (r *PostgresStore) LoadMessage(ctx context.Context, id string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return m, nil
}

// SaveMessage 整条记录 upsert
func (r *PostgresStore) SaveMessage(ctx context.Context, m *model.Message) error {
	js, err := encodeMessageJSON(m)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO messages (` + messageColumns + `, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			attachment = EXCLUDED.attachment,
			status = EXCLUDED.status,
			read_by = EXCLUDED.read_by,
			reactions = EXCLUDED.reactions,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Exec(ctx, query,
		m.ID, m.Kind, m.ChatID, m.GroupID, m.SenderID, m.ReceiverID, m.Content,
		js.attachment, m.Status, js.readBy, js.reactions, m.CreatedAt, m.UpdatedAt,
		m.ConversationID(),
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// CreateMessage 插入新消息，ID 冲突时返回 ErrAlreadyExists
func (r *PostgresStore) CreateMessage(ctx context.Context, m *model.Message) error {
	js, err := encodeMessageJSON(m)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO messages (` + messageColumns + `, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		m.ID, m.Kind, m.ChatID, m.GroupID, m.SenderID, m.ReceiverID, m.Content,
		js.attachment, m.Status, js.readBy, js.reactions, m.CreatedAt, m.UpdatedAt,
		m.ConversationID(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListMessages 会话最新的 limit 条消息，升序返回
func (r *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, conversationID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// DeleteMessage 删除一条消息
func (r *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddGroupMember 重复添加为空操作
func (r *PostgresStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	query := `
		INSERT INTO group_members (group_id, user_id, joined_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (group_id, user_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, groupID, userID); err != nil {
		return fmt.Errorf("add group member %s/%s: %w", groupID, userID, err)
	}
	return nil
}

func (r *PostgresStore) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`

	var ok bool
	if err := r.db.QueryRow(ctx, query, groupID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check group member %s/%s: %w", groupID, userID, err)
	}
	return ok, nil
}

func (r *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members %s: %w", groupID, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list group members %s: %w", groupID, err)
	}
	return members, nil
}

// LoadUser 查找用户在线状态
func (r *PostgresStore) LoadUser(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT id, name, is_online, last_seen FROM users WHERE id = $1`

	var (
		u        model.User
		lastSeen *time.Time
	)
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Name, &u.IsOnline, &lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	if lastSeen != nil {
		u.LastSeen = *lastSeen
	}
	return &u, nil
}

// SaveUserPresence 更新在线状态，用户不存在时创建。lastSeen 为零值时不覆盖 last_seen。
func (r *PostgresStore) SaveUserPresence(ctx context.Context, id string, isOnline bool, lastSeen time.Time) error {
	query := `
		INSERT INTO users (id, is_online, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			last_seen = COALESCE(EXCLUDED.last_seen, users.last_seen)
	`
	var seen *time.Time
	if !lastSeen.IsZero() {
		seen = &lastSeen
	}
	if _, err := r.db.Exec(ctx, query, id, isOnline, seen); err != nil {
		return fmt.Errorf("save presence %s: %w", id, err)
	}
	return nil
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresStore) Close() error {
	r.db.Close()
	return nil
}

// ConnectPostgres 创建连接池
func ConnectPostgres(ctx context.Context, dsn string, maxConns, minConns int32, maxConnLifetime time.Duration) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	if minConns > 0 {
		poolConfig.MinConns = minConns
	}
	if maxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = maxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

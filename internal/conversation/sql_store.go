package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/storage/sqldb"
)

// SQLConfig 描述 SQL 会话存储的连接参数。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type dialect struct {
	driver string
	schema []string
	upsert string
}

var dialects = map[string]dialect{
	"mysql": {
		driver: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
        id BIGINT PRIMARY KEY,
        title VARCHAR(255) NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS conversation_messages (
        conversation_id BIGINT NOT NULL,
        message_id INT NOT NULL,
        role VARCHAR(16) NOT NULL,
        type VARCHAR(16) NOT NULL,
        payload MEDIUMTEXT NOT NULL,
        PRIMARY KEY (conversation_id, message_id)
)`,
		},
		upsert: `INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE title = VALUES(title), created_at = VALUES(created_at), updated_at = VALUES(updated_at)`,
	},
	"sqlite": {
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
        id INTEGER PRIMARY KEY,
        title TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS conversation_messages (
        conversation_id INTEGER NOT NULL,
        message_id INTEGER NOT NULL,
        role TEXT NOT NULL,
        type TEXT NOT NULL,
        payload TEXT NOT NULL,
        PRIMARY KEY (conversation_id, message_id)
)`,
		},
		upsert: `INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, created_at = excluded.created_at, updated_at = excluded.updated_at`,
	},
}

// SQLStore 使用 MySQL 或 SQLite 保存会话，消息以 JSON 形式逐行存储。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore 打开数据库连接并初始化表结构。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(cfg.Driver))]
	if !ok {
		return nil, xerrors.New(CodeUnsupportedDriver, fmt.Sprintf("不支持的会话存储驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话存储 DSN 不能为空")
	}

	db, err := sqldb.Open(ctx, sqldb.Config{
		Driver:          d.driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开会话数据库失败")
	}

	store := &SQLStore{db: db, dialect: d}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化会话表失败")
		}
	}
	return nil
}

// Load 读取会话及其全部消息。
func (s *SQLStore) Load(ctx context.Context, id int64) (*Conversation, error) {
	var (
		conv               Conversation
		createdAt, updated int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	if err := row.Scan(&conv.ID, &conv.Title, &createdAt, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	conv.CreatedAt = time.Unix(0, createdAt).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM conversation_messages WHERE conversation_id = ? ORDER BY message_id ASC`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话消息失败")
	}
	defer rows.Close()

	conv.Messages = []Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话消息失败")
		}
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话消息失败")
	}
	return &conv, nil
}

// Save 在事务中写入会话行并整体替换消息。
func (s *SQLStore) Save(ctx context.Context, conv *Conversation) error {
	if conv == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "conversation 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.upsert, conv.ID, conv.Title, conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理会话消息失败")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO conversation_messages (conversation_id, message_id, role, type, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "准备消息写入失败")
	}
	defer stmt.Close()
	for _, msg := range conv.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化消息失败")
		}
		if _, err := stmt.ExecContext(ctx, conv.ID, msg.ID, string(msg.Role), string(msg.Type), string(payload)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入消息 %d 失败", msg.ID))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交会话事务失败")
	}
	return nil
}

// NextID 返回当前最大会话 ID 加一。
func (s *SQLStore) NextID(ctx context.Context) (int64, error) {
	var next int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM conversations`).Scan(&next); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算会话 ID 失败")
	}
	return next, nil
}

// List 按 ID 升序返回会话摘要。
func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.title, c.created_at, c.updated_at,
        (SELECT COUNT(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
FROM conversations c ORDER BY c.id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                Summary
			createdAt, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt, &updated, &sum.MessageCount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话列表失败")
		}
		sum.CreatedAt = time.Unix(0, createdAt).UTC()
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete 删除会话及其消息。
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话消息失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交删除事务失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)

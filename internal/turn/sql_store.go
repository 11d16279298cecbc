package turn

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/storage/sqldb"
)

// SQLConfig 描述 SQL 作业存储的连接参数。Driver 取值 mysql 或 sqlite。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var jobSchemas = map[string]string{
	"mysql": `CREATE TABLE IF NOT EXISTS turn_jobs (
        id VARCHAR(64) PRIMARY KEY,
        conversation_id BIGINT NOT NULL,
        content MEDIUMTEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_turn_conversation (conversation_id),
        INDEX idx_turn_status (status)
)`,
	"sqlite": `CREATE TABLE IF NOT EXISTS turn_jobs (
        id TEXT PRIMARY KEY,
        conversation_id INTEGER NOT NULL,
        content TEXT NOT NULL,
        status TEXT NOT NULL,
        last_error TEXT DEFAULT '',
        error_code TEXT DEFAULT '',
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
)`,
}

// SQLStore 使用 MySQL 或 SQLite 记录作业状态，使作业在进程重启后仍可查询。
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore 打开数据库并初始化 turn_jobs 表。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	schema, ok := jobSchemas[driver]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的作业存储驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "作业存储 DSN 不能为空")
	}

	db, err := sqldb.Open(ctx, sqldb.Config{
		Driver:          driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开作业数据库失败")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 turn_jobs 表失败")
	}
	return &SQLStore{db: db, driver: driver}, nil
}

const jobColumns = `id, conversation_id, content, status, last_error, error_code, created_at, updated_at`

// Create 插入新的作业记录。
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	job.UpdatedAt = now

	const stmt = `INSERT INTO turn_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.ConversationID,
		job.Text,
		string(job.Status),
		job.LastError,
		job.ErrorCode,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return ErrJobConflict
		}
		if _, getErr := s.Get(ctx, job.ID); getErr == nil {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM turn_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	return job, nil
}

// Claim 以条件更新把 pending 作业置为 running，多个进程竞争时只有一个成功。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const stmt = `UPDATE turn_jobs SET status = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), time.Now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if job.Done() {
			return job, ErrJobCompleted
		}
		return job, ErrJobConflict
	}
	return job, nil
}

// MarkSucceeded 将作业标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string) error {
	const stmt = `UPDATE turn_jobs SET status = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.update(ctx, "标记作业成功失败", stmt, string(StatusSucceeded), time.Now().Unix(), id)
}

// MarkFailed 将作业标记为失败。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code string, lastError string) error {
	const stmt = `UPDATE turn_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.update(ctx, "标记作业失败失败", stmt, string(StatusFailed), lastError, code, time.Now().Unix(), id)
}

func (s *SQLStore) update(ctx context.Context, msg, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// MySQL 对未改变的行返回 0，需要再确认一次是否存在。
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM turn_jobs WHERE id = ?`, args[len(args)-1]).Scan(&exists)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
		}
	}
	return nil
}

// FailInterrupted 把仍处于 running 的作业标记为 TURN_INTERRUPTED 失败并返回数量。
// 只应在没有其他实例共享该数据库时于启动阶段调用；这些作业不会被重新执行。
func (s *SQLStore) FailInterrupted(ctx context.Context) (int64, error) {
	const stmt = `UPDATE turn_jobs SET status = ?, error_code = ?, last_error = ?, updated_at = ? WHERE status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		string(CodeJobInterrupted),
		"进程在作业执行期间退出",
		time.Now().Unix(),
		string(StatusRunning),
	)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收中断作业失败")
	}
	return res.RowsAffected()
}

// List 按创建时间倒序返回作业。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	query := `SELECT ` + jobColumns + ` FROM turn_jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的作业聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
        FROM turn_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job             Job
		status          string
		lastError, code sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.ConversationID,
		&job.Text,
		&status,
		&lastError,
		&code,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	job.ErrorCode = code.String
	return &job, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 1+len(opts.Statuses))
	if opts.ConversationID != 0 {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, opts.ConversationID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)

package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "MarketResearch/internal/errors"
	storemysql "MarketResearch/internal/storage/mysql"
)

// MySQLStore 使用 MySQL report_jobs 表记录任务状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storemysql.Config) (*MySQLStore, error) {
	db, err := storemysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storemysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewMySQLStoreFromDB(db), nil
}

// NewMySQLStoreFromDB 复用已有连接池，不执行迁移。
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const (
	jobSummaryColumns = `id, company_name, domain, status, progress_step, progress_total, progress_task_id, progress_task_title,
        attempts, max_attempts, last_error, error_code, artifact_title, artifact_filename, artifact_content_type,
        artifact_markdown, artifact_sources, created_at, updated_at`

	insertJobSQL = `INSERT INTO report_jobs
        (id, company_name, domain, status, progress_step, progress_total, attempts, max_attempts, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	selectJobSQL = `SELECT ` + jobSummaryColumns + `, artifact_document FROM report_jobs WHERE id = ?`

	claimJobSQL = `UPDATE report_jobs SET status = ?, attempts = attempts + 1, progress_step = 0, progress_task_id = '',
        progress_task_title = '', last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND attempts < max_attempts`

	updateProgressSQL = `UPDATE report_jobs SET progress_step = ?, progress_total = ?, progress_task_id = ?, progress_task_title = ?,
        updated_at = ? WHERE id = ? AND status = ?`

	markSucceededSQL = `UPDATE report_jobs SET status = ?, progress_step = progress_total, artifact_title = ?, artifact_filename = ?,
        artifact_content_type = ?, artifact_markdown = ?, artifact_sources = ?, artifact_document = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ?`

	markFailedSQL = `UPDATE report_jobs SET status = ?, last_error = ?, error_code = ?, artifact_title = '', artifact_filename = '',
        artifact_content_type = '', artifact_markdown = NULL, artifact_sources = NULL, artifact_document = NULL,
        updated_at = ? WHERE id = ?`
)

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, insertJobSQL,
		job.ID,
		job.Query.CompanyName,
		job.Query.Domain,
		string(job.Status),
		job.Progress.Step,
		job.Progress.Total,
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务，包含导出文档。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL, id)
	var document []byte
	job, err := scanJob(row, &document)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	if job.Artifact != nil {
		job.Artifact.Document = document
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, claimJobSQL,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return job, nil
	}
	switch {
	case job.Status == StatusSucceeded:
		return job, ErrJobCompleted
	case job.Status == StatusRunning:
		return job, ErrJobConflict
	case job.Attempts >= job.MaxAttempts:
		return job, ErrJobExhausted
	default:
		return job, ErrJobConflict
	}
}

// UpdateProgress 记录当前步骤，仅对运行中的任务生效。
func (s *MySQLStore) UpdateProgress(ctx context.Context, id string, progress Progress) error {
	res, err := s.db.ExecContext(ctx, updateProgressSQL,
		progress.Step,
		progress.Total,
		progress.TaskID,
		progress.TaskTitle,
		s.now().Unix(),
		id,
		string(StatusRunning),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务进度失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobConflict
	}
	return nil
}

// MarkSucceeded 保存导出结果并标记成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, artifact Artifact) error {
	sources, err := json.Marshal(nonNilStrings(artifact.Sources))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码报告来源失败")
	}
	res, err := s.db.ExecContext(ctx, markSucceededSQL,
		string(StatusSucceeded),
		artifact.Title,
		artifact.Filename,
		artifact.ContentType,
		artifact.Markdown,
		string(sources),
		artifact.Document,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 标记任务失败；非终态失败会回到 pending 等待重新领取。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusFailed
	if !terminal {
		status = StatusPending
	}
	res, err := s.db.ExecContext(ctx, markFailedSQL,
		string(status),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合条件的任务，不包含导出文档字节。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.normalize()

	query := `SELECT ` + jobSummaryColumns + ` FROM report_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows, nil)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.normalize()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM report_jobs`
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
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, document *[]byte) (*Job, error) {
	var (
		job       Job
		status    string
		lastError sql.NullString
		title     string
		filename  string
		ctype     string
		markdown  sql.NullString
		sources   sql.NullString
	)
	dest := []any{
		&job.ID,
		&job.Query.CompanyName,
		&job.Query.Domain,
		&status,
		&job.Progress.Step,
		&job.Progress.Total,
		&job.Progress.TaskID,
		&job.Progress.TaskTitle,
		&job.Attempts,
		&job.MaxAttempts,
		&lastError,
		&job.ErrorCode,
		&title,
		&filename,
		&ctype,
		&markdown,
		&sources,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
	if document != nil {
		dest = append(dest, document)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	if filename != "" {
		artifact := &Artifact{
			Title:       title,
			Filename:    filename,
			ContentType: ctype,
			Markdown:    markdown.String,
		}
		if sources.Valid && strings.TrimSpace(sources.String) != "" {
			if err := json.Unmarshal([]byte(sources.String), &artifact.Sources); err != nil {
				return nil, fmt.Errorf("解析报告来源失败: %w", err)
			}
		}
		job.Artifact = artifact
	}
	return &job, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if after := opts.updatedAfterUnix(); after > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, after)
	}
	if before := opts.updatedBeforeUnix(); before > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, before)
	}
	if opts.HasArtifact != nil {
		if *opts.HasArtifact {
			conditions = append(conditions, "artifact_filename <> ''")
		} else {
			conditions = append(conditions, "artifact_filename = ''")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR company_name LIKE ? OR domain LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ Store = (*MySQLStore)(nil)

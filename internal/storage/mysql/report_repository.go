package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "MarketResearch/internal/errors"
)

// ReportRecord 表示一份已完成报告的归档记录。
type ReportRecord struct {
	ID          int64    `json:"id"`
	JobID       string   `json:"job_id"`
	CompanyName string   `json:"company_name"`
	Domain      string   `json:"domain"`
	Title       string   `json:"title"`
	Filename    string   `json:"filename"`
	Sections    []string `json:"sections"`
	Sources     []string `json:"sources"`
	Markdown    string   `json:"markdown"`
	CreatedAt   int64    `json:"created_at"`
}

// ReportRepository 抽象报告归档的持久化接口。
type ReportRepository interface {
	Save(ctx context.Context, record *ReportRecord) error
	ListLatest(ctx context.Context, limit int) ([]ReportRecord, error)
	ListByCompany(ctx context.Context, company string, limit int) ([]ReportRecord, error)
	Close() error
}

const (
	defaultListLimit  = 20
	maxCachedRecords  = 512
	fileRepositoryLog = "reports.log"
)

// FileReportRepository 以追加写的 JSON 行文件保存归档，启动时回放到内存。
type FileReportRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ReportRecord
	nextID   int64
}

// NewFileReportRepository 打开或创建归档文件。path 为目录时使用 reports.log。
func NewFileReportRepository(path string) (*FileReportRepository, error) {
	if strings.TrimSpace(path) == "" {
		path = fileRepositoryLog
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, fileRepositoryLog)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建归档目录失败")
	}
	repo := &FileReportRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加一条归档记录并分配 ID。
func (f *FileReportRepository) Save(_ context.Context, record *ReportRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档记录不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开归档文件失败")
	}
	defer file.Close()

	f.nextID++
	record.ID = f.nextID
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化归档记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档文件失败")
	}

	f.records = append([]ReportRecord{cloneRecord(*record)}, f.records...)
	if len(f.records) > maxCachedRecords {
		f.records = f.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的归档记录，按写入时间倒序。
func (f *FileReportRepository) ListLatest(_ context.Context, limit int) ([]ReportRecord, error) {
	return f.filter(limit, func(ReportRecord) bool { return true }), nil
}

// ListByCompany 返回指定公司（不区分大小写）的归档记录。
func (f *FileReportRepository) ListByCompany(_ context.Context, company string, limit int) ([]ReportRecord, error) {
	company = strings.TrimSpace(company)
	return f.filter(limit, func(r ReportRecord) bool {
		return strings.EqualFold(r.CompanyName, company)
	}), nil
}

// Close 对文件仓库无需操作。
func (f *FileReportRepository) Close() error { return nil }

func (f *FileReportRepository) filter(limit int, keep func(ReportRecord) bool) []ReportRecord {
	if limit <= 0 {
		limit = defaultListLimit
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	results := make([]ReportRecord, 0, limit)
	for _, record := range f.records {
		if len(results) >= limit {
			break
		}
		if keep(record) {
			results = append(results, cloneRecord(record))
		}
	}
	return results
}

func (f *FileReportRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归档文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var restored []ReportRecord
	for scanner.Scan() {
		var record ReportRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > f.nextID {
			f.nextID = record.ID
		}
		restored = append([]ReportRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归档文件失败")
	}
	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	f.records = restored
	return nil
}

func cloneRecord(r ReportRecord) ReportRecord {
	r.Sections = append([]string(nil), r.Sections...)
	r.Sources = append([]string(nil), r.Sources...)
	return r
}

// SQLReportRepository 将归档写入 MySQL reports 表。
type SQLReportRepository struct {
	db *sql.DB
}

// NewSQLReportRepository 打开连接并执行迁移。
func NewSQLReportRepository(ctx context.Context, cfg Config) (*SQLReportRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLReportRepository{db: db}, nil
}

// NewSQLReportRepositoryFromDB 复用已有连接池，不执行迁移。
func NewSQLReportRepositoryFromDB(db *sql.DB) *SQLReportRepository {
	return &SQLReportRepository{db: db}
}

const (
	insertReportSQL = `INSERT INTO reports
        (job_id, company_name, domain, title, filename, sections, sources, markdown, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectReportColumns = `SELECT id, job_id, company_name, domain, title, filename, sections, sources, markdown, created_at
        FROM reports`
)

// Save 写入一条归档记录。
func (s *SQLReportRepository) Save(ctx context.Context, record *ReportRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档记录不能为空")
	}
	sections, err := json.Marshal(nonNil(record.Sections))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化章节失败")
	}
	sources, err := json.Marshal(nonNil(record.Sources))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化来源失败")
	}

	res, err := s.db.ExecContext(ctx, insertReportSQL,
		record.JobID,
		record.CompanyName,
		record.Domain,
		record.Title,
		record.Filename,
		string(sections),
		string(sources),
		record.Markdown,
		record.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告归档失败")
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 查询最近的归档记录。
func (s *SQLReportRepository) ListLatest(ctx context.Context, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectReportColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报告归档失败")
	}
	return scanReports(rows)
}

// ListByCompany 查询指定公司的归档记录。
func (s *SQLReportRepository) ListByCompany(ctx context.Context, company string, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectReportColumns+` WHERE LOWER(company_name) = LOWER(?) ORDER BY created_at DESC, id DESC LIMIT ?`,
		strings.TrimSpace(company), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报告归档失败")
	}
	return scanReports(rows)
}

// Close 关闭底层连接池。
func (s *SQLReportRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanReports(rows *sql.Rows) ([]ReportRecord, error) {
	defer rows.Close()

	var records []ReportRecord
	for rows.Next() {
		var (
			record   ReportRecord
			sections string
			sources  string
		)
		if err := rows.Scan(&record.ID, &record.JobID, &record.CompanyName, &record.Domain, &record.Title,
			&record.Filename, &sections, &sources, &record.Markdown, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析报告归档失败")
		}
		if err := json.Unmarshal([]byte(sections), &record.Sections); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析章节列表失败")
		}
		if err := json.Unmarshal([]byte(sources), &record.Sources); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析来源列表失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历报告归档失败")
	}
	return records, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var (
	_ ReportRepository = (*FileReportRepository)(nil)
	_ ReportRepository = (*SQLReportRepository)(nil)
)

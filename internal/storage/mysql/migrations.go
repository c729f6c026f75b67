package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"MarketResearch/deploy/migrations"
	xerrors "MarketResearch/internal/errors"
)

var embeddedMigrations fs.ReadFileFS = migrations.Files

const createSchemaMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migrationFile 对应一个 NNNN_name.sql 文件，文件内语句以分号分隔。
type migrationFile struct {
	version    string
	name       string
	statements []string
}

// Migrate 依次执行 schema_migrations 中尚未记录的迁移，每个文件一个事务。已是最新时不做任何修改。
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	if _, err := db.ExecContext(ctx, createSchemaMigrations); err != nil {
		return storageErr(err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}
	for _, m := range files {
		if applied[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, storageErr(err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, storageErr(err, "解析 schema_migrations 失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (m migrationFile) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", m.name),
				xerrors.WithMetadata("statement", fmt.Sprint(i+1)))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().Unix()); err != nil {
		return storageErr(err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "提交迁移事务失败")
	}
	return nil
}

// loadMigrationFiles 读取目录下的 .sql 文件并按版本排序，只含空语句的文件被忽略。
func loadMigrationFiles(fsys fs.ReadFileFS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, storageErr(err, "读取迁移目录失败")
	}

	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		content, err := fsys.ReadFile(name)
		if err != nil {
			return nil, storageErr(err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		var statements []string
		for _, stmt := range strings.Split(string(content), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				statements = append(statements, stmt)
			}
		}
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{version: migrationVersion(name), name: name, statements: statements})
	}

	slices.SortFunc(files, func(a, b migrationFile) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.name, b.name))
	})
	return files, nil
}

// migrationVersion 取文件名中第一个下划线之前的部分，没有下划线时取去掉扩展名的文件名。
func migrationVersion(name string) string {
	if version, _, found := strings.Cut(name, "_"); found && version != "" {
		return version
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

func storageErr(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

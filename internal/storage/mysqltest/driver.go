// Package mysqltest 提供按脚本回放的 database/sql 驱动，用于在不连接真实 MySQL 的情况下测试 SQL 访问层。
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// OpType 表示期望的驱动调用类型。
type OpType int

// 支持的调用类型
const (
	OpExec OpType = iota
	OpQuery
	OpBegin
	OpCommit
	OpRollback
)

func (t OpType) String() string {
	switch t {
	case OpExec:
		return "exec"
	case OpQuery:
		return "query"
	case OpBegin:
		return "begin"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Operation 描述一次期望的调用及其返回。
type Operation struct {
	Type   OpType
	Query  string
	Result Result
	Rows   Rows
	Err    error
	// Check 可选，用于断言调用参数。
	Check func(args []driver.Value) error
}

// Result 实现 driver.Result。
type Result struct {
	LastInsertID int64
	Affected     int64
}

// LastInsertId 返回自增 ID。
func (r Result) LastInsertId() (int64, error) { return r.LastInsertID, nil }

// RowsAffected 返回受影响行数。
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 描述查询返回的数据。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 构造一次 Exec 期望。
func Exec(query string, result Result) Operation {
	return Operation{Type: OpExec, Query: query, Result: result}
}

// ExecErr 构造一次返回错误的 Exec 期望。
func ExecErr(query string, err error) Operation {
	return Operation{Type: OpExec, Query: query, Err: err}
}

// Query 构造一次 Query 期望。
func Query(query string, rows Rows) Operation {
	return Operation{Type: OpQuery, Query: query, Rows: rows}
}

// Begin 构造一次开启事务期望。
func Begin() Operation { return Operation{Type: OpBegin} }

// Commit 构造一次提交期望。
func Commit() Operation { return Operation{Type: OpCommit} }

// Rollback 构造一次回滚期望。
func Rollback() Operation { return Operation{Type: OpRollback} }

// Driver 按顺序回放 Operation。
type Driver struct {
	mu  sync.Mutex
	ops []Operation
	idx int
}

var driverSeq atomic.Int32

// Open 注册一个新的驱动实例并返回单连接的 *sql.DB。
func Open(t testing.TB, ops ...Operation) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

// AssertConsumed 断言所有期望均已被调用。
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected OpType, query string, args []driver.NamedValue) (*Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %s", expected, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.Type != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.Type, expected)
	}
	d.idx++
	if op.Query != "" {
		want, got := Normalize(op.Query), Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.Check != nil {
		values := make([]driver.Value, len(args))
		for i, arg := range args {
			values[i] = arg.Value
		}
		if err := op.Check(values); err != nil {
			return nil, err
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(OpBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(OpExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return op.Result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(OpQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &rows{columns: op.Rows.Columns, values: op.Rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(OpCommit, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(OpRollback, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠 SQL 中的空白，便于比较。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

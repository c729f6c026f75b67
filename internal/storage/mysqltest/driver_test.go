package mysqltest

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
)

func TestExecReturnsScriptedResult(t *testing.T) {
	db, drv := Open(t,
		Exec("UPDATE   t SET a = ?\n WHERE id = ?", Result{LastInsertID: 7, Affected: 3}),
	)
	defer db.Close()

	res, err := db.ExecContext(context.Background(), "UPDATE t SET a = ? WHERE id = ?", 1, "x")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	affected, err := res.RowsAffected()
	if err != nil || affected != 3 {
		t.Fatalf("unexpected rows affected: %d %v", affected, err)
	}
	id, err := res.LastInsertId()
	if err != nil || id != 7 {
		t.Fatalf("unexpected insert id: %d %v", id, err)
	}
	drv.AssertConsumed(t)
}

func TestQueryAndTransactionReplay(t *testing.T) {
	query := Query("SELECT v FROM t WHERE k = ?", Rows{Columns: []string{"v"}, Values: [][]driver.Value{{"a"}, {"b"}}})
	query.Check = func(args []driver.Value) error {
		if len(args) != 1 || args[0] != "key" {
			return errors.New("unexpected args")
		}
		return nil
	}
	db, drv := Open(t, query, Begin(), ExecErr("", errors.New("boom")), Rollback())
	defer db.Close()
	ctx := context.Background()

	rows, err := db.QueryContext(ctx, "SELECT v FROM t WHERE k = ?", "key")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var got []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, v)
	}
	_ = rows.Close()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected rows: %v", got)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err == nil || err.Error() != "boom" {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestUnexpectedQueryFails(t *testing.T) {
	db, _ := Open(t, Exec("DELETE FROM a", Result{}))
	defer db.Close()
	if _, err := db.ExecContext(context.Background(), "DELETE FROM b"); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

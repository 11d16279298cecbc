package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestOpenSQLite(t *testing.T) {
	db, err := Open(context.Background(), Config{Driver: " SQLite ", DSN: filepath.Join(t.TempDir(), "a.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected single connection for sqlite, got %d", got)
	}
	if _, err := db.Exec("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected unsupported driver, got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite", DSN: "  "}); err == nil {
		t.Fatalf("expected empty dsn error")
	}
	if _, err := Open(context.Background(), Config{Driver: "mysql", DSN: "not a dsn"}); err == nil {
		t.Fatalf("expected dsn parse error")
	}
}

func TestIsDuplicateKey(t *testing.T) {
	if !IsDuplicateKey(&mysql.MySQLError{Number: 1062}) {
		t.Fatalf("1062 should be a duplicate key")
	}
	if IsDuplicateKey(&mysql.MySQLError{Number: 1064}) || IsDuplicateKey(errors.New("x")) {
		t.Fatalf("unexpected duplicate key match")
	}
}

package testutil

import (
	"context"
	"testing"
)

const upsert = `INSERT INTO kv_state(bucket, key, value) VALUES($1, $2, $3) ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value`

func TestStubAppliesWritesOnCommitOnly(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "identities.index", []byte{1}, []byte("a")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if conn.Len() != 0 {
		t.Fatalf("uncommitted write leaked")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, v := range []string{"a", "b"} {
		if _, err := tx.ExecContext(ctx, upsert, "identities.index", []byte{1}, []byte(v)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := tx.ExecContext(ctx, upsert, "tokens.index", []byte{1}, []byte("t")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, ok := conn.Value("identities.index", []byte{1}); !ok || string(v) != "b" || conn.Len() != 2 {
		t.Fatalf("unexpected committed state %q %v len=%d", v, ok, conn.Len())
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM kv_state WHERE bucket = $1 AND key = $2`, "tokens.index", []byte{1}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := conn.Value("tokens.index", []byte{1}); ok {
		t.Fatalf("expected row deleted")
	}
}

func TestStubQueryReturnsSortedRows(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()
	conn.Seed("b", []byte{2}, []byte("y"))
	conn.Seed("a", []byte{9}, []byte("x"))

	rows, err := db.QueryContext(ctx, `SELECT bucket, key, value FROM kv_state`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var got []string
	for rows.Next() {
		var (
			bucket     string
			key, value []byte
		)
		if err := rows.Scan(&bucket, &key, &value); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, bucket+"="+string(value))
	}
	if len(got) != 2 || got[0] != "a=x" || got[1] != "b=y" {
		t.Fatalf("unexpected rows %v", got)
	}
}

func TestStubFailurePoints(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	conn.Arm(FailPing)
	if err := db.PingContext(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.Disarm(FailPing)

	conn.Arm(FailCommit)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "meta", []byte("nonce"), []byte{1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected commit failure")
	}
	if conn.Len() != 0 {
		t.Fatalf("failed commit must not apply writes")
	}

	if _, err := db.ExecContext(ctx, `UPDATE kv_state SET value = $1`, []byte{0}); err == nil {
		t.Fatalf("expected unsupported statement error")
	}
}

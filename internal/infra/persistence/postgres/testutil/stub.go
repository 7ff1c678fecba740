// Package testutil fakes the kv_state table behind a database/sql driver so
// the postgres store can be tested without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var driverSeq atomic.Uint64

// Failure points that tests can arm on a StubConn.
type Failure int

const (
	FailPing Failure = iota + 1
	FailBegin
	FailSelect
	FailWrite
	FailCommit
)

type rowKey struct {
	bucket string
	key    string
}

type write struct {
	clear  bool
	delete bool
	row    rowKey
	value  []byte
}

// StubConn is a single shared connection holding kv_state in memory. Writes
// made inside a transaction become visible only when it commits.
type StubConn struct {
	mu         sync.Mutex
	statements []string
	rows       map[rowKey][]byte
	pending    []write
	inTx       bool
	fail       map[Failure]bool
}

// NewStubDB registers a fresh driver and returns a *sql.DB bound to it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{rows: make(map[rowKey][]byte), fail: make(map[Failure]bool)}
	name := fmt.Sprintf("kvstub%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Arm makes the given failure point return an error until disarmed.
func (c *StubConn) Arm(f Failure) { c.set(f, true) }

// Disarm clears a failure point.
func (c *StubConn) Disarm(f Failure) { c.set(f, false) }

func (c *StubConn) set(f Failure, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[f] = on
}

// Seed writes a committed row directly.
func (c *StubConn) Seed(bucket string, key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[rowKey{bucket, string(key)}] = append([]byte(nil), value...)
}

// Value returns the committed value for bucket/key.
func (c *StubConn) Value(bucket string, key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.rows[rowKey{bucket, string(key)}]
	return v, ok
}

// Len returns the number of committed rows.
func (c *StubConn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

// Statements returns every statement seen, in order.
func (c *StubConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *StubConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("stub: prepared statements unsupported: %s", query)
}

func (c *StubConn) Close() error { return nil }

func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *StubConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[FailPing] {
		return errors.New("stub: ping refused")
	}
	return nil
}

func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[FailBegin] {
		return nil, errors.New("stub: begin refused")
	}
	if c.inTx {
		return nil, errors.New("stub: nested transaction")
	}
	c.inTx = true
	c.pending = nil
	return stubTx{conn: c}, nil
}

func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, query)
	stmt := strings.ToUpper(strings.Join(strings.Fields(query), " "))

	if strings.HasPrefix(stmt, "CREATE TABLE") {
		return driver.RowsAffected(0), nil
	}
	if c.fail[FailWrite] {
		return nil, errors.New("stub: write refused")
	}
	var w write
	switch {
	case strings.HasPrefix(stmt, "INSERT INTO KV_STATE"):
		if len(args) != 3 {
			return nil, fmt.Errorf("stub: upsert wants 3 args, got %d", len(args))
		}
		row, err := keyArgs(args)
		if err != nil {
			return nil, err
		}
		value, ok := args[2].Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("stub: value must be bytes, got %T", args[2].Value)
		}
		w = write{row: row, value: append([]byte(nil), value...)}
	case strings.HasPrefix(stmt, "DELETE FROM KV_STATE WHERE"):
		row, err := keyArgs(args)
		if err != nil {
			return nil, err
		}
		w = write{row: row, delete: true}
	case stmt == "DELETE FROM KV_STATE":
		w = write{clear: true}
	default:
		return nil, fmt.Errorf("stub: unsupported statement: %s", query)
	}
	if c.inTx {
		c.pending = append(c.pending, w)
	} else {
		c.apply(w)
	}
	return driver.RowsAffected(1), nil
}

func keyArgs(args []driver.NamedValue) (rowKey, error) {
	if len(args) < 2 {
		return rowKey{}, fmt.Errorf("stub: want bucket and key args, got %d", len(args))
	}
	bucket, ok := args[0].Value.(string)
	if !ok {
		return rowKey{}, fmt.Errorf("stub: bucket must be text, got %T", args[0].Value)
	}
	key, ok := args[1].Value.([]byte)
	if !ok {
		return rowKey{}, fmt.Errorf("stub: key must be bytes, got %T", args[1].Value)
	}
	return rowKey{bucket, string(key)}, nil
}

func (c *StubConn) apply(w write) {
	switch {
	case w.clear:
		c.rows = make(map[rowKey][]byte)
	case w.delete:
		delete(c.rows, w.row)
	default:
		c.rows[w.row] = w.value
	}
}

func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, query)
	if c.fail[FailSelect] {
		return nil, errors.New("stub: select refused")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.Join(strings.Fields(query), " ")), "SELECT BUCKET, KEY, VALUE FROM KV_STATE") {
		return nil, fmt.Errorf("stub: unsupported query: %s", query)
	}
	keys := make([]rowKey, 0, len(c.rows))
	for k := range c.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bucket != keys[j].bucket {
			return keys[i].bucket < keys[j].bucket
		}
		return keys[i].key < keys[j].key
	})
	out := &stubRows{}
	for _, k := range keys {
		out.rows = append(out.rows, []driver.Value{k.bucket, []byte(k.key), append([]byte(nil), c.rows[k]...)})
	}
	return out, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	pending := c.pending
	c.pending = nil
	if c.fail[FailCommit] {
		return errors.New("stub: commit refused")
	}
	for _, w := range pending {
		c.apply(w)
	}
	return nil
}

func (t stubTx) Rollback() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.pending = nil
	return nil
}

type stubRows struct {
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return []string{"bucket", "key", "value"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

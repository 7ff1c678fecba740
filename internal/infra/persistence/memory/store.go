// Package memory provides an in-memory implementation of the key-value
// persistence store used for tests, ephemeral environments, and as the
// transactional core of the durable backends.
package memory

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"identitycore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Bucket aliases domain.Bucket.
	Bucket = domain.Bucket
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// Mutation is one committed key write handed to a CommitHook.
type Mutation struct {
	Bucket  Bucket
	Key     []byte
	Value   []byte
	Deleted bool
}

// CommitHook persists a transaction's write set before it becomes visible in
// memory. Returning an error aborts the commit.
type CommitHook func(ctx context.Context, mutations []Mutation) error

type memoryState map[Bucket]map[string][]byte

func (s memoryState) get(bucket Bucket, key []byte) ([]byte, bool) {
	values, ok := s[bucket]
	if !ok {
		return nil, false
	}
	v, ok := values[string(key)]
	return v, ok
}

func (s memoryState) apply(m Mutation) {
	if m.Deleted {
		if values, ok := s[m.Bucket]; ok {
			delete(values, string(m.Key))
			if len(values) == 0 {
				delete(s, m.Bucket)
			}
		}
		return
	}
	values, ok := s[m.Bucket]
	if !ok {
		values = make(map[string][]byte)
		s[m.Bucket] = values
	}
	values[string(m.Key)] = cloneBytes(m.Value)
}

// Snapshot captures a point-in-time copy of the store state. Keys are hex
// encoded so the snapshot serializes as plain JSON.
type Snapshot struct {
	Version int                          `json:"version"`
	Buckets map[Bucket]map[string][]byte `json:"buckets"`
}

// SnapshotVersion is the layout written by ExportState.
const SnapshotVersion = 1

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{Version: SnapshotVersion, Buckets: make(map[Bucket]map[string][]byte, len(state))}
	for bucket, values := range state {
		out := make(map[string][]byte, len(values))
		for k, v := range values {
			out[hex.EncodeToString([]byte(k))] = cloneBytes(v)
		}
		s.Buckets[bucket] = out
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) (memoryState, error) {
	state := make(memoryState, len(s.Buckets))
	for bucket, values := range s.Buckets {
		for k, v := range values {
			key, err := hex.DecodeString(k)
			if err != nil {
				return nil, fmt.Errorf("snapshot bucket %s: decode key %q: %w", bucket, k, err)
			}
			state.apply(Mutation{Bucket: bucket, Key: key, Value: v})
		}
	}
	return state, nil
}

// SnapshotOf builds a snapshot holding the given key writes. Deleted entries are skipped.
func SnapshotOf(mutations []Mutation) Snapshot {
	state := make(memoryState)
	for _, m := range mutations {
		if !m.Deleted {
			state.apply(m)
		}
	}
	return snapshotFromMemoryState(state)
}

// Mutations flattens the snapshot into put mutations ordered by bucket then key.
func (s Snapshot) Mutations() ([]Mutation, error) {
	migrated, err := migrateSnapshot(s)
	if err != nil {
		return nil, err
	}
	state, err := memoryStateFromSnapshot(migrated)
	if err != nil {
		return nil, err
	}
	var out []Mutation
	for bucket, values := range state {
		for k, v := range values {
			out = append(out, Mutation{Bucket: bucket, Key: []byte(k), Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

func migrateSnapshot(snapshot Snapshot) (Snapshot, error) {
	switch snapshot.Version {
	case 0, SnapshotVersion:
		snapshot.Version = SnapshotVersion
	default:
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", snapshot.Version)
	}
	if snapshot.Buckets == nil {
		snapshot.Buckets = map[Bucket]map[string][]byte{}
	}
	return snapshot, nil
}

// Store provides an in-memory transactional key-value store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  make(memoryState),
		engine: engine,
	}
}

// SetCommitHook installs the persistence hook run before each commit.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) error {
	return s.ReplaceState(snapshot, nil)
}

// ReplaceState swaps in the snapshot after persist has durably stored its
// entries. persist runs under the store lock so no transaction interleaves.
func (s *Store) ReplaceState(snapshot Snapshot, persist func(puts []Mutation) error) error {
	puts, err := snapshot.Mutations()
	if err != nil {
		return err
	}
	state := make(memoryState)
	for _, m := range puts {
		state.apply(m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if persist != nil {
		if err := persist(puts); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	s.state = state
	return nil
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type writeKey struct {
	bucket Bucket
	key    string
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// transaction buffers writes over the committed state; reads observe the buffer first.
type transaction struct {
	base    memoryState
	writes  map[writeKey]pendingWrite
	order   []writeKey
	changes []Change
}

// RunInTransaction executes fn against a write buffer and commits it only if
// fn, the rules engine, and the commit hook all succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		base:   s.state,
		writes: make(map[writeKey]pendingWrite),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	mutations := tx.mutations()
	if len(mutations) == 0 {
		return result, nil
	}
	if s.hook != nil {
		if err := s.hook(ctx, mutations); err != nil {
			return result, fmt.Errorf("persist transaction: %w", err)
		}
	}
	for _, m := range mutations {
		s.state.apply(m)
	}
	return result, nil
}

// View executes fn against the committed state. The view must not be retained after fn returns.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(committedView{state: s.state})
}

type committedView struct {
	state memoryState
}

func (v committedView) Get(bucket Bucket, key []byte) ([]byte, bool) {
	value, ok := v.state.get(bucket, key)
	if !ok {
		return nil, false
	}
	return cloneBytes(value), true
}

func (tx *transaction) Get(bucket Bucket, key []byte) ([]byte, bool) {
	if w, ok := tx.writes[writeKey{bucket: bucket, key: string(key)}]; ok {
		if w.deleted {
			return nil, false
		}
		return cloneBytes(w.value), true
	}
	value, ok := tx.base.get(bucket, key)
	if !ok {
		return nil, false
	}
	return cloneBytes(value), true
}

func (tx *transaction) Put(bucket Bucket, key, value []byte) {
	before, existed := tx.Get(bucket, key)
	action := domain.ActionCreate
	if existed {
		action = domain.ActionUpdate
	}
	tx.stage(bucket, key, pendingWrite{value: cloneBytes(value)})
	tx.changes = append(tx.changes, Change{Bucket: bucket, Key: cloneBytes(key), Action: action, Before: before, After: cloneBytes(value)})
}

func (tx *transaction) Delete(bucket Bucket, key []byte) {
	before, existed := tx.Get(bucket, key)
	if !existed {
		return
	}
	tx.stage(bucket, key, pendingWrite{deleted: true})
	tx.changes = append(tx.changes, Change{Bucket: bucket, Key: cloneBytes(key), Action: domain.ActionDelete, Before: before})
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView { return tx }

func (tx *transaction) stage(bucket Bucket, key []byte, w pendingWrite) {
	wk := writeKey{bucket: bucket, key: string(key)}
	if _, seen := tx.writes[wk]; !seen {
		tx.order = append(tx.order, wk)
	}
	tx.writes[wk] = w
}

// mutations returns the net write set in first-write order. Writes that
// restore the committed value are dropped.
func (tx *transaction) mutations() []Mutation {
	out := make([]Mutation, 0, len(tx.order))
	for _, wk := range tx.order {
		w := tx.writes[wk]
		committed, existed := tx.base.get(wk.bucket, []byte(wk.key))
		if w.deleted && !existed {
			continue
		}
		if !w.deleted && existed && bytes.Equal(committed, w.value) {
			continue
		}
		out = append(out, Mutation{Bucket: wk.bucket, Key: []byte(wk.key), Value: cloneBytes(w.value), Deleted: w.deleted})
	}
	return out
}

// Buckets lists the non-empty buckets in sorted order.
func (s *Store) Buckets() []Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bucket, 0, len(s.state))
	for b := range s.state {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of keys stored in bucket.
func (s *Store) Len(bucket Bucket) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state[bucket])
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

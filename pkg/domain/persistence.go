package domain

import "context"

// Bucket names a keyspace inside the key-value substrate.
type Bucket string

// TransactionView provides exact-match reads. Implementations inside a
// transaction observe the transaction's own pending writes.
type TransactionView interface {
	Get(bucket Bucket, key []byte) ([]byte, bool)
}

// Transaction stages writes that become visible to other readers only when
// the enclosing RunInTransaction call commits.
type Transaction interface {
	TransactionView
	Put(bucket Bucket, key, value []byte)
	Delete(bucket Bucket, key []byte)
	Snapshot() TransactionView
}

// PersistentStore is the minimal abstraction over durable backends used by
// higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}

package core

import (
	"fmt"
	"math"

	"identitycore/pkg/domain"
)

// Key is a value usable as a collection scope or member identifier.
type Key interface {
	comparable
	Bytes() []byte
}

// Global is the scope of collections that are not partitioned by owner or parent.
type Global struct{}

// Bytes returns the empty scope encoding.
func (Global) Bytes() []byte { return nil }

// Collection is an enumerable set of identifiers per scope with O(1) exists,
// append and swap-remove. It is stored as three buckets:
//
//	<name>.count  scope            -> u64 cardinality
//	<name>.array  scope ‖ u64 idx  -> id
//	<name>.index  scope ‖ id       -> u64 idx
//
// For every scope the array is dense over [0, count) and the index is its
// exact inverse.
type Collection[S Key, ID Key] struct {
	name   string
	decode func([]byte) (ID, error)
}

// NewCollection returns the collection family stored under name.
func NewCollection[S Key, ID Key](name string, decode func([]byte) (ID, error)) Collection[S, ID] {
	return Collection[S, ID]{name: name, decode: decode}
}

// Name returns the bucket prefix of the collection.
func (c Collection[S, ID]) Name() string { return c.name }

func countBucket(name string) domain.Bucket { return domain.Bucket(name + ".count") }
func arrayBucket(name string) domain.Bucket { return domain.Bucket(name + ".array") }
func indexBucket(name string) domain.Bucket { return domain.Bucket(name + ".index") }

// Count returns the cardinality of scope.
func (c Collection[S, ID]) Count(view domain.TransactionView, scope S) (uint64, error) {
	return readCount(view, c.name, scope.Bytes())
}

// IndexOf returns the position of id within scope.
func (c Collection[S, ID]) IndexOf(view domain.TransactionView, scope S, id ID) (uint64, bool, error) {
	raw, ok := view.Get(indexBucket(c.name), scopedKey(scope.Bytes(), id.Bytes()))
	if !ok {
		return 0, false, nil
	}
	idx, err := decodeUint64(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s index: %w", c.name, err)
	}
	return idx, true, nil
}

// Exists reports whether id is a current member of scope.
func (c Collection[S, ID]) Exists(view domain.TransactionView, scope S, id ID) (bool, error) {
	_, ok, err := c.IndexOf(view, scope, id)
	return ok, err
}

// At returns the member stored at position i of scope.
func (c Collection[S, ID]) At(view domain.TransactionView, scope S, i uint64) (ID, bool, error) {
	var zero ID
	raw, ok := view.Get(arrayBucket(c.name), scopedKey(scope.Bytes(), encodeUint64(i)))
	if !ok {
		return zero, false, nil
	}
	id, err := c.decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("%s array: %w", c.name, err)
	}
	return id, true, nil
}

// Members lists scope in index order.
func (c Collection[S, ID]) Members(view domain.TransactionView, scope S) ([]ID, error) {
	count, err := c.Count(view, scope)
	if err != nil {
		return nil, err
	}
	out := make([]ID, 0, count)
	for i := uint64(0); i < count; i++ {
		id, ok, err := c.At(view, scope, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s: missing slot %d below count %d", c.name, i, count)
		}
		out = append(out, id)
	}
	return out, nil
}

// CheckCapacity fails with ErrOverflow if one more member would overflow the count.
func (c Collection[S, ID]) CheckCapacity(view domain.TransactionView, scope S) error {
	count, err := c.Count(view, scope)
	if err != nil {
		return err
	}
	if count == math.MaxUint64 {
		return domain.RegistryError{Err: domain.ErrOverflow, Detail: c.name + " count"}
	}
	return nil
}

// CheckInsert validates that Insert(scope, id) would succeed.
func (c Collection[S, ID]) CheckInsert(view domain.TransactionView, scope S, id ID) error {
	exists, err := c.Exists(view, scope, id)
	if err != nil {
		return err
	}
	if exists {
		return domain.RegistryError{Err: domain.ErrAlreadyExists, Detail: c.name + " member"}
	}
	return c.CheckCapacity(view, scope)
}

// CheckRemove validates that Remove(scope, id) would succeed.
func (c Collection[S, ID]) CheckRemove(view domain.TransactionView, scope S, id ID) error {
	count, err := c.Count(view, scope)
	if err != nil {
		return err
	}
	if count == 0 {
		return domain.RegistryError{Err: domain.ErrUnderflow, Detail: c.name + " count"}
	}
	exists, err := c.Exists(view, scope, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.RegistryError{Err: domain.ErrNotFound, Detail: c.name + " member"}
	}
	return nil
}

// Insert appends id at position count.
func (c Collection[S, ID]) Insert(tx domain.Transaction, scope S, id ID) error {
	if err := c.CheckInsert(tx, scope, id); err != nil {
		return err
	}
	count, err := c.Count(tx, scope)
	if err != nil {
		return err
	}
	s := scope.Bytes()
	tx.Put(arrayBucket(c.name), scopedKey(s, encodeUint64(count)), id.Bytes())
	tx.Put(indexBucket(c.name), scopedKey(s, id.Bytes()), encodeUint64(count))
	tx.Put(countBucket(c.name), encodeScope(s), encodeUint64(count+1))
	return nil
}

// Remove deletes id from scope, moving the last member into its slot.
func (c Collection[S, ID]) Remove(tx domain.Transaction, scope S, id ID) error {
	if err := c.CheckRemove(tx, scope, id); err != nil {
		return err
	}
	count, err := c.Count(tx, scope)
	if err != nil {
		return err
	}
	removed, _, err := c.IndexOf(tx, scope, id)
	if err != nil {
		return err
	}
	s := scope.Bytes()
	last := count - 1
	if removed != last {
		moved, ok := tx.Get(arrayBucket(c.name), scopedKey(s, encodeUint64(last)))
		if !ok {
			return fmt.Errorf("%s: missing last slot %d", c.name, last)
		}
		tx.Put(arrayBucket(c.name), scopedKey(s, encodeUint64(removed)), moved)
		tx.Put(indexBucket(c.name), scopedKey(s, moved), encodeUint64(removed))
	}
	tx.Delete(arrayBucket(c.name), scopedKey(s, encodeUint64(last)))
	tx.Delete(indexBucket(c.name), scopedKey(s, id.Bytes()))
	if last == 0 {
		tx.Delete(countBucket(c.name), encodeScope(s))
	} else {
		tx.Put(countBucket(c.name), encodeScope(s), encodeUint64(last))
	}
	return nil
}

func readCount(view domain.TransactionView, name string, scope []byte) (uint64, error) {
	raw, ok := view.Get(countBucket(name), encodeScope(scope))
	if !ok {
		return 0, nil
	}
	count, err := decodeUint64(raw)
	if err != nil {
		return 0, fmt.Errorf("%s count: %w", name, err)
	}
	return count, nil
}

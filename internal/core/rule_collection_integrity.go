package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"identitycore/pkg/domain"
)

const collectionIntegrityRuleName = "collection_integrity"

// CollectionIntegrityRule re-checks the dense array and reverse index of
// every collection entry touched by a transaction. Work is proportional to
// the number of changes, not to collection size.
func CollectionIntegrityRule(collections ...string) domain.Rule {
	return newCollectionIntegrityRule(false, collections...)
}

func newCollectionIntegrityRule(dense bool, collections ...string) collectionIntegrityRule {
	if len(collections) == 0 {
		collections = []string{
			CollectionIdentities,
			CollectionOwnerIdentities,
			CollectionTokens,
			CollectionOwnerTokens,
			CollectionIdentityTokens,
		}
	}
	known := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		known[name] = struct{}{}
	}
	return collectionIntegrityRule{collections: known, dense: dense}
}

// collectionIntegrityRule in dense mode expects changes to list every stored
// key, as when a whole state is loaded, and then checks every slot below
// count rather than only the touched ones.
type collectionIntegrityRule struct {
	collections map[string]struct{}
	dense       bool
}

func (collectionIntegrityRule) Name() string { return collectionIntegrityRuleName }

type touchedScope struct {
	name    string
	scope   []byte
	slots   map[uint64]struct{}
	members map[string]struct{}
}

func (r collectionIntegrityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[string]*touchedScope)
	touch := func(name string, scope []byte) *touchedScope {
		key := name + "\x00" + string(scope)
		ts, ok := touched[key]
		if !ok {
			ts = &touchedScope{name: name, scope: bytes.Clone(scope), slots: map[uint64]struct{}{}, members: map[string]struct{}{}}
			touched[key] = ts
		}
		return ts
	}
	for _, change := range changes {
		name, kind, ok := r.split(change.Bucket)
		if !ok {
			continue
		}
		scope, suffix, err := splitScopedKey(change.Key)
		if err != nil {
			return domain.Result{}, fmt.Errorf("%s: %w", change.Bucket, err)
		}
		ts := touch(name, scope)
		switch kind {
		case "array":
			idx, err := decodeUint64(suffix)
			if err != nil {
				return domain.Result{}, fmt.Errorf("%s: %w", change.Bucket, err)
			}
			ts.slots[idx] = struct{}{}
		case "index":
			ts.members[string(suffix)] = struct{}{}
		}
	}

	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var res domain.Result
	for _, k := range keys {
		violations, err := verifyScope(view, touched[k], r.dense)
		if err != nil {
			return domain.Result{}, err
		}
		res.Violations = append(res.Violations, violations...)
	}
	return res, nil
}

func (r collectionIntegrityRule) split(bucket domain.Bucket) (name, kind string, ok bool) {
	b := string(bucket)
	dot := strings.LastIndexByte(b, '.')
	if dot < 0 {
		return "", "", false
	}
	name, kind = b[:dot], b[dot+1:]
	if _, known := r.collections[name]; !known {
		return "", "", false
	}
	switch kind {
	case "count", "array", "index":
		return name, kind, true
	}
	return "", "", false
}

func verifyScope(view domain.TransactionView, ts *touchedScope, dense bool) ([]domain.Violation, error) {
	count, err := readCount(view, ts.name, ts.scope)
	if err != nil {
		return nil, err
	}
	var out []domain.Violation
	fail := func(format string, args ...any) {
		out = append(out, domain.Violation{
			Rule:     collectionIntegrityRuleName,
			Severity: domain.SeverityBlock,
			Message:  ts.name + ": " + fmt.Sprintf(format, args...),
			EntityID: hex.EncodeToString(ts.scope),
		})
	}

	if dense {
		if stored := uint64(len(ts.slots)); count > stored {
			fail("count %d exceeds the %d stored slots", count, stored)
		} else {
			for idx := uint64(0); idx < count; idx++ {
				ts.slots[idx] = struct{}{}
			}
		}
	}
	if count > 0 {
		ts.slots[count-1] = struct{}{}
	}
	if _, ok := view.Get(arrayBucket(ts.name), scopedKey(ts.scope, encodeUint64(count))); ok {
		fail("slot %d populated at or beyond count %d", count, count)
	}

	slots := make([]uint64, 0, len(ts.slots))
	for idx := range ts.slots {
		slots = append(slots, idx)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	for _, idx := range slots {
		member, ok := view.Get(arrayBucket(ts.name), scopedKey(ts.scope, encodeUint64(idx)))
		if idx >= count {
			if ok {
				fail("slot %d populated at or beyond count %d", idx, count)
			}
			continue
		}
		if !ok {
			fail("slot %d empty below count %d", idx, count)
			continue
		}
		raw, ok := view.Get(indexBucket(ts.name), scopedKey(ts.scope, member))
		if !ok {
			fail("member %x at slot %d missing from reverse index", member, idx)
			continue
		}
		back, err := decodeUint64(raw)
		if err != nil {
			return nil, err
		}
		if back != idx {
			fail("member %x at slot %d indexed as %d", member, idx, back)
		}
	}

	members := make([]string, 0, len(ts.members))
	for m := range ts.members {
		members = append(members, m)
	}
	sort.Strings(members)
	for _, m := range members {
		raw, ok := view.Get(indexBucket(ts.name), scopedKey(ts.scope, []byte(m)))
		if !ok {
			continue
		}
		idx, err := decodeUint64(raw)
		if err != nil {
			return nil, err
		}
		if idx >= count {
			fail("member %x indexed at %d beyond count %d", m, idx, count)
			continue
		}
		at, ok := view.Get(arrayBucket(ts.name), scopedKey(ts.scope, encodeUint64(idx)))
		if !ok || !bytes.Equal(at, []byte(m)) {
			fail("member %x indexed at %d but slot holds %x", m, idx, at)
		}
	}
	return out, nil
}
